package db

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes we care about.
const (
	pgUniqueViolation = "23505"
)

// IsDuplicateKey reports whether err is a unique-constraint violation. Duplicate
// action ids are expected under multi-replica overlap and stream resumption; the
// worker tolerates them rather than failing the batch.
func IsDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// IsUnreachable reports whether err indicates the database itself cannot be
// reached. These are fatal to the process (no partial-store operation is safe);
// callers propagate them up so main exits and process supervision restarts us.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"failed to connect",
		"no route to host",
		"broken pipe",
		"conn closed",
		"database is shutting down",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

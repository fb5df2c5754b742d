package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsDuplicateKey(t *testing.T) {
	dup := &pgconn.PgError{Code: pgUniqueViolation}
	if !IsDuplicateKey(dup) {
		t.Error("unique violation not recognized")
	}
	if !IsDuplicateKey(fmt.Errorf("insert batch: %w", dup)) {
		t.Error("wrapped unique violation not recognized")
	}
	if IsDuplicateKey(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation misread as duplicate")
	}
	if IsDuplicateKey(errors.New("duplicate key value")) {
		t.Error("plain error misread as duplicate")
	}
}

func TestIsUnreachable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), true},
		{"failed to connect", errors.New("failed to connect to `host=db`"), true},
		{"broken pipe", fmt.Errorf("exec: %w", errors.New("write: broken pipe")), true},
		{"deadline", context.DeadlineExceeded, false},
		{"constraint", &pgconn.PgError{Code: pgUniqueViolation}, false},
		{"plain", errors.New("no rows in result set"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUnreachable(tc.err); got != tc.want {
				t.Errorf("IsUnreachable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

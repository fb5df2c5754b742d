package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Notification is one LISTEN/NOTIFY message received from Postgres.
type Notification struct {
	Channel string
	Payload string
}

// Listen opens a dedicated connection, issues LISTEN on the given channel, and
// invokes fn for every notification until ctx is cancelled. Delivery is
// at-least-once from the caller's point of view: notifications published while
// reconnecting are lost, so consumers must pair this with a periodic
// reconciliation pass and idempotent handlers.
//
// Transient connection drops are retried with a fixed backoff. After
// maxConsecutiveFailures in a row the database is considered unreachable and
// Listen returns an error; callers treat that as fatal.
const (
	reconnectDelay         = 5 * time.Second
	maxConsecutiveFailures = 5
	healthyStint           = time.Minute
)

// nextFailureCount extends the consecutive-failure streak, or starts a fresh
// one when the connection held long enough to count as healthy. Without the
// reset, occasional drops days apart would eventually read as a dead database.
func nextFailureCount(failures int, stint time.Duration) int {
	if stint >= healthyStint {
		return 1
	}
	return failures + 1
}

func Listen(ctx context.Context, dsn, channel string, fn func(Notification)) error {
	logger := slog.Default().With(slog.String("component", "db_listen"), slog.String("channel", channel))

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()
		err := listenOnce(ctx, dsn, channel, fn)
		if ctx.Err() != nil {
			return nil
		}
		failures = nextFailureCount(failures, time.Since(start))
		if failures >= maxConsecutiveFailures {
			return fmt.Errorf("listen %s: %d consecutive failures, last: %w", channel, failures, err)
		}
		logger.Warn("listener disconnected; reconnecting", slog.Any("err", err), slog.Int("failures", failures))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func listenOnce(ctx context.Context, dsn, channel string, fn func(Notification)) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		fn(Notification{Channel: n.Channel, Payload: n.Payload})
	}
}

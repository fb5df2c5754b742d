package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/onnwee/chat-harvester/db"
)

// Change is one broadcast change-feed entry, produced by the Postgres trigger
// on the broadcasts table. Prev* fields are nil for inserts.
type Change struct {
	Op           string  `json:"op"` // insert | update
	ID           string  `json:"id"`
	Status       Status  `json:"status"`
	Replicas     int     `json:"replicas"`
	PrevStatus   *Status `json:"prev_status"`
	PrevReplicas *int    `json:"prev_replicas"`
}

// Feed subscribes to the broadcast change notifications. Delivery is
// at-least-once with gaps possible across reconnects; consumers must stay
// idempotent and rely on periodic reconciliation as the catch-up path.
type Feed struct {
	DSN string
}

// Watch blocks delivering changes to fn until ctx is cancelled. It returns a
// non-nil error only when the database is persistently unreachable, which
// callers treat as fatal.
func (f *Feed) Watch(ctx context.Context, fn func(Change)) error {
	logger := slog.Default().With(slog.String("component", "broadcast_feed"))
	return db.Listen(ctx, f.DSN, "broadcast_changes", func(n db.Notification) {
		var c Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			logger.Warn("malformed change payload", slog.Any("err", err), slog.String("payload", n.Payload))
			return
		}
		fn(c)
	})
}

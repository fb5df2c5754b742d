// Package cleanup retires the per-broadcast event rows of finished or failed
// collections after a grace period, keeping the hot tables bounded. Broadcast
// rows themselves are kept; each one is stamped when its events are gone so
// the sweep never revisits it.
package cleanup

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/onnwee/chat-harvester/broadcast"
)

// eventTables are the per-broadcast action tables keyed by origin_video_id.
var eventTables = []string{
	"chat_messages", "super_chats", "super_stickers",
	"memberships", "milestones", "membership_gifts", "membership_gift_purchases",
	"ban_actions", "remove_chat_actions", "banner_actions", "mode_changes",
	"polls", "raids", "placeholder_actions", "error_logs",
}

type Cleaner struct {
	DB       *sql.DB
	Store    *broadcast.Store
	Interval time.Duration
	Grace    time.Duration
}

func (c *Cleaner) Run(ctx context.Context) error {
	log := slog.With("component", "cleanup")
	interval := c.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log.Info("cleanup starting", "interval", interval, "grace", c.Grace)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := c.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("cleanup sweep failed", "error", err)
			continue
		}
		if n > 0 {
			log.Info("cleaned up finished broadcasts", "count", n)
		}
	}
}

// SweepOnce cleans every eligible broadcast and returns how many were cleaned.
func (c *Cleaner) SweepOnce(ctx context.Context) (int, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT id FROM broadcasts
		WHERE collection_status IN ('finished','failed')
		  AND collection_cleaned_at IS NULL
		  AND collection_ended_at IS NOT NULL
		  AND collection_ended_at < NOW() - ($1 * interval '1 millisecond')`,
		c.Grace.Milliseconds())
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	cleaned := 0
	for _, id := range ids {
		if err := c.cleanBroadcast(ctx, id); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}

func (c *Cleaner) cleanBroadcast(ctx context.Context, id string) error {
	for _, tbl := range eventTables {
		if _, err := c.DB.ExecContext(ctx, `DELETE FROM `+tbl+` WHERE origin_video_id=$1`, id); err != nil {
			return err
		}
	}
	return c.Store.MarkCleaned(ctx, id, time.Now())
}

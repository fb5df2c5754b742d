package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/chat-harvester/stream"
)

// ActionStore persists one batch of same-kind actions and reports how many
// rows were actually inserted. Rows rejected by a unique constraint are
// counted by the caller as duplicates, not failures.
type ActionStore interface {
	PersistBatch(ctx context.Context, videoID, channelID string, kind stream.Kind, batch []stream.Action) (int, error)
}

// Actions is the Postgres-backed ActionStore. Each action kind maps to its own
// table; inserts are batched per call and deduplicated on the provider id.
type Actions struct {
	DB *sql.DB
}

func NewActions(db *sql.DB) *Actions {
	return &Actions{DB: db}
}

func (a *Actions) PersistBatch(ctx context.Context, videoID, channelID string, kind stream.Kind, batch []stream.Action) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	switch kind {
	case stream.KindChat:
		return a.insert(ctx, "chat_messages",
			[]string{"id", "ts", "message", "author_name", "author_photo", "author_channel_id", "membership",
				"is_verified", "is_owner", "is_moderator", "origin_video_id", "origin_channel_id"},
			"ON CONFLICT (id) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.ID, nullTime(ac.Timestamp), ac.Message, ac.Author.Name, ac.Author.Photo,
					ac.Author.ChannelID, ac.Author.Membership, ac.Author.IsVerified, ac.Author.IsOwner,
					ac.Author.IsModerator, videoID, channelID}
			})
	case stream.KindSuperChat:
		return a.insert(ctx, "super_chats",
			[]string{"id", "ts", "message", "amount", "currency", "significance", "color", "author_name",
				"author_photo", "author_channel_id", "membership", "is_verified", "is_owner", "is_moderator",
				"origin_video_id", "origin_channel_id"},
			"ON CONFLICT (id) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.ID, nullTime(ac.Timestamp), ac.Message, ac.Amount, ac.Currency, ac.Significance,
					ac.Color, ac.Author.Name, ac.Author.Photo, ac.Author.ChannelID, ac.Author.Membership,
					ac.Author.IsVerified, ac.Author.IsOwner, ac.Author.IsModerator, videoID, channelID}
			})
	case stream.KindSuperSticker:
		return a.insert(ctx, "super_stickers",
			[]string{"id", "ts", "amount", "currency", "text", "image", "author_name", "author_photo",
				"author_channel_id", "membership", "is_verified", "is_owner", "is_moderator",
				"origin_video_id", "origin_channel_id"},
			"ON CONFLICT (id) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.ID, nullTime(ac.Timestamp), ac.Amount, ac.Currency, ac.StickerText, ac.StickerURL,
					ac.Author.Name, ac.Author.Photo, ac.Author.ChannelID, ac.Author.Membership,
					ac.Author.IsVerified, ac.Author.IsOwner, ac.Author.IsModerator, videoID, channelID}
			})
	case stream.KindMembership:
		return a.insert(ctx, "memberships",
			[]string{"id", "ts", "level", "since", "author_name", "author_photo", "author_channel_id",
				"is_verified", "is_owner", "is_moderator", "origin_video_id", "origin_channel_id"},
			"ON CONFLICT (id) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.ID, nullTime(ac.Timestamp), ac.Level, ac.Since, ac.Author.Name, ac.Author.Photo,
					ac.Author.ChannelID, ac.Author.IsVerified, ac.Author.IsOwner, ac.Author.IsModerator,
					videoID, channelID}
			})
	case stream.KindMilestone:
		return a.insert(ctx, "milestones",
			[]string{"id", "ts", "level", "duration_months", "since", "message", "author_name", "author_photo",
				"author_channel_id", "origin_video_id", "origin_channel_id"},
			"ON CONFLICT (id) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.ID, nullTime(ac.Timestamp), ac.Level, ac.DurationMonths, ac.Since, ac.Message,
					ac.Author.Name, ac.Author.Photo, ac.Author.ChannelID, videoID, channelID}
			})
	case stream.KindMembershipGift:
		return a.insert(ctx, "membership_gifts",
			[]string{"id", "ts", "sender_name", "author_name", "author_photo", "author_channel_id",
				"origin_video_id", "origin_channel_id"},
			"ON CONFLICT (id) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.ID, nullTime(ac.Timestamp), ac.SenderName, ac.Author.Name, ac.Author.Photo,
					ac.Author.ChannelID, videoID, channelID}
			})
	case stream.KindMembershipGiftPurchase:
		return a.insert(ctx, "membership_gift_purchases",
			[]string{"id", "ts", "amount", "author_name", "author_photo", "author_channel_id",
				"origin_video_id", "origin_channel_id"},
			"ON CONFLICT (id) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.ID, nullTime(ac.Timestamp), ac.GiftCount, ac.Author.Name, ac.Author.Photo,
					ac.Author.ChannelID, videoID, channelID}
			})
	case stream.KindBan:
		return a.insert(ctx, "ban_actions",
			[]string{"channel_id", "ts", "origin_video_id", "origin_channel_id"},
			"",
			batch, func(ac stream.Action) []any {
				return []any{ac.TargetChannelID, nullTime(ac.Timestamp), videoID, channelID}
			})
	case stream.KindRemoveChat:
		return a.insert(ctx, "remove_chat_actions",
			[]string{"target_id", "retracted", "ts", "origin_video_id", "origin_channel_id"},
			"",
			batch, func(ac stream.Action) []any {
				return []any{ac.TargetID, ac.Retracted, nullTime(ac.Timestamp), videoID, channelID}
			})
	case stream.KindBanner:
		return a.insert(ctx, "banner_actions",
			[]string{"action_id", "ts", "title", "message", "author_name", "author_channel_id",
				"origin_video_id", "origin_channel_id"},
			"ON CONFLICT (action_id) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.ID, nullTime(ac.Timestamp), ac.Title, ac.Message, ac.Author.Name,
					ac.Author.ChannelID, videoID, channelID}
			})
	case stream.KindModeChange:
		return a.insert(ctx, "mode_changes",
			[]string{"ts", "mode", "enabled", "description", "origin_video_id", "origin_channel_id"},
			"",
			batch, func(ac stream.Action) []any {
				return []any{nullTime(ac.Timestamp), ac.Mode, ac.Enabled, ac.Description, videoID, channelID}
			})
	case stream.KindPoll:
		// Polls are not append-only: the same poll id arrives repeatedly with
		// updated tallies, so conflicts replace instead of dropping.
		return a.insert(ctx, "polls",
			[]string{"id", "question", "poll_type", "vote_count", "choices", "origin_video_id", "origin_channel_id"},
			"ON CONFLICT (id) DO UPDATE SET question=EXCLUDED.question, vote_count=EXCLUDED.vote_count, choices=EXCLUDED.choices, updated_at=NOW()",
			batch, func(ac stream.Action) []any {
				choices, _ := json.Marshal(ac.Choices) //nolint:errcheck // static struct cannot fail to marshal
				return []any{ac.ID, ac.Question, ac.PollType, ac.VoteCount, choices, videoID, channelID}
			})
	case stream.KindRaid:
		return a.insert(ctx, "raids",
			[]string{"source_video_id", "source_channel_id", "source_name", "source_photo",
				"origin_video_id", "origin_channel_id", "ts"},
			"ON CONFLICT (origin_video_id, source_name) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.TargetVideoID, ac.Author.ChannelID, ac.SourceName, ac.SourcePhoto,
					videoID, channelID, nullTime(ac.Timestamp)}
			})
	case stream.KindPlaceholder:
		return a.insert(ctx, "placeholder_actions",
			[]string{"id", "ts", "origin_video_id", "origin_channel_id"},
			"ON CONFLICT (id) DO NOTHING",
			batch, func(ac stream.Action) []any {
				return []any{ac.ID, nullTime(ac.Timestamp), videoID, channelID}
			})
	default:
		// Unclassified payloads land in the diagnostic sink.
		return a.insert(ctx, "error_logs",
			[]string{"ts", "origin_video_id", "origin_channel_id", "error", "payload"},
			"",
			batch, func(ac stream.Action) []any {
				var payload any
				if len(ac.Raw) > 0 {
					payload = []byte(ac.Raw)
				}
				return []any{nullTime(ac.Timestamp), videoID, channelID, "unrecognized action", payload}
			})
	}
}

// insert builds one multi-row INSERT for the batch and returns the number of
// rows that survived the conflict clause.
func (a *Actions) insert(ctx context.Context, table string, cols []string, conflict string,
	batch []stream.Action, values func(stream.Action) []any) (int, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(batch)*len(cols))
	for i, ac := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteString(")")
		args = append(args, values(ac)...)
	}
	if conflict != "" {
		sb.WriteString(" ")
		sb.WriteString(conflict)
	}

	res, err := a.DB.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("persist %s batch: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

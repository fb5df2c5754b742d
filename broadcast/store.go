package broadcast

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a broadcast id has no row.
var ErrNotFound = errors.New("broadcast not found")

// Store is the Postgres-backed document store for broadcasts and channels.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// FindByID loads one broadcast.
func (s *Store) FindByID(ctx context.Context, id string) (*Broadcast, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, channel_id, COALESCE(title,''), COALESCE(topic,''), status, COALESCE(duration_seconds,0),
			viewers, max_viewers, likes, published_at, available_at, scheduled_start, actual_start, actual_end,
			collection_status, COALESCE(collection_error_code,''), collection_started_at, collection_ended_at, collection_cleaned_at,
			replica_count, stats_handled, stats_errors, crawled_at
		FROM broadcasts WHERE id=$1`, id)
	b, err := scanBroadcast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find broadcast %s: %w", id, err)
	}
	return b, nil
}

// ListLive returns all broadcasts in a live-like state (upcoming or live),
// oldest available first.
func (s *Store) ListLive(ctx context.Context) ([]Broadcast, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, channel_id, COALESCE(title,''), COALESCE(topic,''), status, COALESCE(duration_seconds,0),
			viewers, max_viewers, likes, published_at, available_at, scheduled_start, actual_start, actual_end,
			collection_status, COALESCE(collection_error_code,''), collection_started_at, collection_ended_at, collection_cleaned_at,
			replica_count, stats_handled, stats_errors, crawled_at
		FROM broadcasts WHERE status IN ('upcoming','live') ORDER BY available_at NULLS LAST, id`)
	if err != nil {
		return nil, fmt.Errorf("list live broadcasts: %w", err)
	}
	defer rows.Close()
	var out []Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanBroadcast(row rowScanner) (*Broadcast, error) {
	var b Broadcast
	err := row.Scan(&b.ID, &b.ChannelID, &b.Title, &b.Topic, &b.Status, &b.Duration,
		&b.Viewers, &b.MaxViewers, &b.Likes, &b.PublishedAt, &b.AvailableAt, &b.ScheduledStart, &b.ActualStart, &b.ActualEnd,
		&b.CollectionStatus, &b.CollectionErrorCode, &b.CollectionStartedAt, &b.CollectionEndedAt, &b.CollectionCleanedAt,
		&b.ReplicaCount, &b.Stats.Handled, &b.Stats.Errors, &b.CrawledAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertFromCatalog inserts a broadcast discovered by the catalog, or refreshes
// the catalog-owned fields of an existing row. Collection-owned fields
// (collection_status, replica_count, stats) are set only on insert; max_viewers
// only ever grows.
func (s *Store) UpsertFromCatalog(ctx context.Context, b *Broadcast) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO broadcasts
			(id, channel_id, title, topic, status, duration_seconds, viewers, max_viewers,
			 published_at, available_at, scheduled_start, actual_start, actual_end,
			 collection_status, collection_started_at, replica_count, crawled_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7,$8,$9,$10,$11,$12,'created',NOW(),1,NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			channel_id=EXCLUDED.channel_id,
			title=COALESCE(NULLIF(EXCLUDED.title,''), broadcasts.title),
			topic=COALESCE(NULLIF(EXCLUDED.topic,''), broadcasts.topic),
			status=EXCLUDED.status,
			duration_seconds=EXCLUDED.duration_seconds,
			published_at=COALESCE(EXCLUDED.published_at, broadcasts.published_at),
			available_at=COALESCE(EXCLUDED.available_at, broadcasts.available_at),
			scheduled_start=COALESCE(EXCLUDED.scheduled_start, broadcasts.scheduled_start),
			actual_start=COALESCE(EXCLUDED.actual_start, broadcasts.actual_start),
			actual_end=COALESCE(EXCLUDED.actual_end, broadcasts.actual_end),
			max_viewers=GREATEST(COALESCE(broadcasts.max_viewers,0), COALESCE(EXCLUDED.max_viewers,0)),
			crawled_at=NOW(),
			updated_at=NOW()`,
		b.ID, b.ChannelID, b.Title, b.Topic, b.Status, b.Duration, b.Viewers,
		b.PublishedAt, b.AvailableAt, b.ScheduledStart, b.ActualStart, b.ActualEnd)
	if err != nil {
		return fmt.Errorf("upsert broadcast %s: %w", b.ID, err)
	}
	return nil
}

// UpsertChannel inserts or refreshes a channel; subscriber_count only grows.
func (s *Store) UpsertChannel(ctx context.Context, c *Channel) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO channels (id, name, avatar_url, subscriber_count, created_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (id) DO UPDATE SET
			name=COALESCE(NULLIF(EXCLUDED.name,''), channels.name),
			avatar_url=COALESCE(NULLIF(EXCLUDED.avatar_url,''), channels.avatar_url),
			subscriber_count=GREATEST(channels.subscriber_count, EXCLUDED.subscriber_count),
			updated_at=NOW()`,
		c.ID, c.Name, c.AvatarURL, c.SubscriberCount)
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", c.ID, err)
	}
	return nil
}

// GetChannel loads one channel; returns ErrNotFound if absent.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var c Channel
	err := s.DB.QueryRowContext(ctx, `SELECT id, COALESCE(name,''), COALESCE(avatar_url,''), subscriber_count FROM channels WHERE id=$1`, id).
		Scan(&c.ID, &c.Name, &c.AvatarURL, &c.SubscriberCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}
	return &c, nil
}

// SetCollectionStatus updates the collection lifecycle marker (and the last
// error code when non-empty). Clearing collection_cleaned_at reopens the row
// for the cleanup job.
func (s *Store) SetCollectionStatus(ctx context.Context, id string, status CollectionStatus, errCode string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE broadcasts SET collection_status=$1,
			collection_error_code=COALESCE(NULLIF($2,''), collection_error_code),
			collection_cleaned_at=NULL, updated_at=NOW()
		WHERE id=$3`, status, errCode, id)
	if err != nil {
		return fmt.Errorf("set collection status %s=%s: %w", id, status, err)
	}
	return nil
}

// MarkFailed stamps the terminal failed state with an end time.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE broadcasts SET collection_status='failed',
			collection_error_code=$1, collection_ended_at=NOW(), collection_cleaned_at=NULL, updated_at=NOW()
		WHERE id=$2`, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// ApplyResult stamps the terminal finished state, records the diagnostic error
// code (if any), and folds the job's stats into the cumulative counters.
func (s *Store) ApplyResult(ctx context.Context, id, errCode string, handled, errCount int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE broadcasts SET collection_status='finished',
			collection_error_code=NULLIF($1,''), collection_ended_at=NOW(), collection_cleaned_at=NULL,
			viewers=0, stats_handled=stats_handled+$2, stats_errors=stats_errors+$3, updated_at=NOW()
		WHERE id=$4`, errCode, handled, errCount, id)
	if err != nil {
		return fmt.Errorf("apply result %s: %w", id, err)
	}
	return nil
}

// SetReplicaCount persists an autoscale decision.
func (s *Store) SetReplicaCount(ctx context.Context, id string, n int) error {
	if n < 1 {
		return fmt.Errorf("replica count must be >= 1, got %d", n)
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE broadcasts SET replica_count=$1, updated_at=NOW() WHERE id=$2`, n, id)
	if err != nil {
		return fmt.Errorf("set replica count %s=%d: %w", id, n, err)
	}
	return nil
}

// ApplyMetadata records a best-effort stream metadata snapshot. Viewer count is
// overwritten, max_viewers and likes only grow, and subscriber count is applied
// to the owning channel.
func (s *Store) ApplyMetadata(ctx context.Context, videoID, channelID string, viewers, likes, subscribers *int64) error {
	if viewers != nil || likes != nil {
		_, err := s.DB.ExecContext(ctx, `UPDATE broadcasts SET
				viewers=COALESCE($1, viewers),
				max_viewers=GREATEST(COALESCE(max_viewers,0), COALESCE($1,0)),
				likes=GREATEST(COALESCE(likes,0), COALESCE($2,0)),
				updated_at=NOW()
			WHERE id=$3`, viewers, likes, videoID)
		if err != nil {
			return fmt.Errorf("apply metadata %s: %w", videoID, err)
		}
	}
	if subscribers != nil && channelID != "" {
		_, err := s.DB.ExecContext(ctx, `UPDATE channels SET
				subscriber_count=GREATEST(subscriber_count, $1), updated_at=NOW()
			WHERE id=$2`, *subscribers, channelID)
		if err != nil {
			return fmt.Errorf("apply channel metadata %s: %w", channelID, err)
		}
	}
	return nil
}

// MarkCleaned stamps collection_cleaned_at after the cleanup job removed the
// broadcast's event rows.
func (s *Store) MarkCleaned(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE broadcasts SET collection_cleaned_at=$1, updated_at=NOW() WHERE id=$2`, at, id)
	if err != nil {
		return fmt.Errorf("mark cleaned %s: %w", id, err)
	}
	return nil
}

// Package queue implements a durable, at-least-once job queue for chat
// collection jobs on Postgres. Jobs carry explicit states, a retry budget with
// fixed backoff, and heartbeat-based stall detection. Lifecycle transitions are
// announced transactionally over LISTEN/NOTIFY so a scheduler in another
// process observes them.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the transient queue state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateStalled   State = "stalled"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// ErrorCode is the typed outcome a worker reports for a finished job.
type ErrorCode string

const (
	ErrMembersOnly ErrorCode = "MEMBERS_ONLY"
	ErrBan         ErrorCode = "BAN"
	ErrUnavailable ErrorCode = "UNAVAILABLE"
	ErrPrivate     ErrorCode = "PRIVATE"
	ErrUnknown     ErrorCode = "UNKNOWN"
)

// Stats are the per-job counters a worker accumulates.
type Stats struct {
	Handled int64 `json:"handled"`
	Errors  int64 `json:"errors"`
}

// Result is the terminal message a worker returns for a job. A nil ErrorCode
// (empty string) means clean success; Stats may be partial on soft failures.
type Result struct {
	ErrorCode ErrorCode `json:"errorCode,omitempty"`
	Stats     *Stats    `json:"stats,omitempty"`
}

// Progress is the periodic heartbeat payload. WarmingUp marks a job that has
// not yet handled its first batch.
type Progress struct {
	Handled   int64 `json:"handled"`
	Errors    int64 `json:"errors"`
	WarmingUp bool  `json:"warmingUp,omitempty"`
}

// Job is one unit of queued work: run replica N for broadcast V.
type Job struct {
	ID             string
	VideoID        string
	Replica        int
	DefaultBackoff time.Duration
	State          State
	RetriesLeft    int
	Backoff        time.Duration
	RunAt          *time.Time
	HeartbeatAt    *time.Time
	Progress       Progress
	LastError      string
	CreatedAt      time.Time
}

// JobID derives the queue id: bare videoId for the primary, videoId:N for
// additional replicas so each replica schedules and retries independently.
func JobID(videoID string, replica int) string {
	if replica <= 1 {
		return videoID
	}
	return fmt.Sprintf("%s:%d", videoID, replica)
}

// Health is a snapshot of queue depth per state.
type Health struct {
	Active  int
	Waiting int
	Delayed int
	Failed  int
}

// Queue is the Postgres-backed job queue.
type Queue struct {
	DB            *sql.DB
	StallInterval time.Duration
}

func New(db *sql.DB, stallInterval time.Duration) *Queue {
	if stallInterval <= 0 {
		stallInterval = 30 * time.Second
	}
	return &Queue{DB: db, StallInterval: stallInterval}
}

// Create admits a job. It is idempotent on the job id: re-admitting while a
// job with the same id is outstanding is a no-op. Returns whether a new job
// row was created.
func (q *Queue) Create(ctx context.Context, videoID string, replica, retries int, backoff time.Duration) (bool, error) {
	res, err := q.DB.ExecContext(ctx, `INSERT INTO chat_jobs
			(id, video_id, replica, default_backoff_ms, state, retries_left, backoff_ms, created_at)
		VALUES ($1,$2,$3,$4,'waiting',$5,$4,NOW())
		ON CONFLICT (id) DO NOTHING`,
		JobID(videoID, replica), videoID, replica, backoff.Milliseconds(), retries)
	if err != nil {
		return false, fmt.Errorf("create job %s: %w", JobID(videoID, replica), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const jobColumns = `id, video_id, replica, default_backoff_ms, state, retries_left, backoff_ms,
	run_at, heartbeat_at, progress_handled, progress_errors, COALESCE(last_error,''), created_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var defaultMs, backoffMs int64
	err := row.Scan(&j.ID, &j.VideoID, &j.Replica, &defaultMs, &j.State, &j.RetriesLeft, &backoffMs,
		&j.RunAt, &j.HeartbeatAt, &j.Progress.Handled, &j.Progress.Errors, &j.LastError, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.DefaultBackoff = time.Duration(defaultMs) * time.Millisecond
	j.Backoff = time.Duration(backoffMs) * time.Millisecond
	return &j, nil
}

// Claim atomically takes one eligible job (waiting, reclaimed after a stall, or
// delayed with its backoff elapsed) and marks it active. Returns (nil, nil)
// when no work is ready.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	row := q.DB.QueryRowContext(ctx, `UPDATE chat_jobs SET state='active', heartbeat_at=NOW(), updated_at=NOW()
		WHERE id = (
			SELECT id FROM chat_jobs
			WHERE state IN ('waiting','stalled') OR (state='delayed' AND run_at <= NOW())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// ReportProgress refreshes the job heartbeat and progress counters and emits a
// progress event.
func (q *Queue) ReportProgress(ctx context.Context, jobID string, p Progress) error {
	return q.withEvent(ctx, func(tx *sql.Tx) (*Event, error) {
		var videoID string
		var replica int
		err := tx.QueryRowContext(ctx, `UPDATE chat_jobs SET heartbeat_at=NOW(),
				progress_handled=$1, progress_errors=$2, updated_at=NOW()
			WHERE id=$3 RETURNING video_id, replica`, p.Handled, p.Errors, jobID).Scan(&videoID, &replica)
		if errors.Is(err, sql.ErrNoRows) {
			// Job removed underneath us (e.g. operator cleanup); nothing to report.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventProgress, JobID: jobID, VideoID: videoID, Replica: replica, Progress: &p}, nil
	})
}

// Succeed marks the job terminally succeeded with the worker's result and
// emits a succeeded event. The scheduler removes the row once it has applied
// the result.
func (q *Queue) Succeed(ctx context.Context, jobID string, res Result) error {
	return q.withEvent(ctx, func(tx *sql.Tx) (*Event, error) {
		var videoID string
		var replica int
		err := tx.QueryRowContext(ctx, `UPDATE chat_jobs SET state='succeeded', updated_at=NOW()
			WHERE id=$1 RETURNING video_id, replica`, jobID).Scan(&videoID, &replica)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventSucceeded, JobID: jobID, VideoID: videoID, Replica: replica, Result: &res}, nil
	})
}

// Fail records a job failure. While retry budget remains the job is delayed by
// the given backoff (or its stored backoff when backoff <= 0) and a retrying
// event fires; once exhausted the job is terminally failed.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string, backoff time.Duration) error {
	return q.withEvent(ctx, func(tx *sql.Tx) (*Event, error) {
		var videoID string
		var replica, retriesLeft int
		var storedBackoffMs int64
		err := tx.QueryRowContext(ctx, `SELECT video_id, replica, retries_left, backoff_ms
			FROM chat_jobs WHERE id=$1 FOR UPDATE`, jobID).Scan(&videoID, &replica, &retriesLeft, &storedBackoffMs)
		if err != nil {
			return nil, err
		}
		if backoff <= 0 {
			backoff = time.Duration(storedBackoffMs) * time.Millisecond
		}
		if retriesLeft > 0 {
			_, err = tx.ExecContext(ctx, `UPDATE chat_jobs SET state='delayed', retries_left=retries_left-1,
					backoff_ms=$1, run_at=NOW() + ($1 * interval '1 millisecond'),
					last_error=$2, updated_at=NOW()
				WHERE id=$3`, backoff.Milliseconds(), errMsg, jobID)
			if err != nil {
				return nil, err
			}
			return &Event{Type: EventRetrying, JobID: jobID, VideoID: videoID, Replica: replica, Error: errMsg,
				RetriesLeft: retriesLeft - 1, BackoffMs: backoff.Milliseconds()}, nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE chat_jobs SET state='failed', last_error=$1, updated_at=NOW() WHERE id=$2`, errMsg, jobID)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventFailed, JobID: jobID, VideoID: videoID, Replica: replica, Error: errMsg}, nil
	})
}

// FailPermanently marks the job terminally failed regardless of remaining
// retry budget. Used when retrying cannot help (the broadcast row is gone).
func (q *Queue) FailPermanently(ctx context.Context, jobID, errMsg string) error {
	return q.withEvent(ctx, func(tx *sql.Tx) (*Event, error) {
		var videoID string
		var replica int
		err := tx.QueryRowContext(ctx, `UPDATE chat_jobs SET state='failed', retries_left=0,
				last_error=$1, updated_at=NOW()
			WHERE id=$2 RETURNING video_id, replica`, errMsg, jobID).Scan(&videoID, &replica)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventFailed, JobID: jobID, VideoID: videoID, Replica: replica, Error: errMsg}, nil
	})
}

// CheckStalledJobs sweeps active jobs whose heartbeat went silent for longer
// than the stall interval, making them eligible for re-claim, and emits one
// stalled event per job. Returns the number of jobs reclaimed.
func (q *Queue) CheckStalledJobs(ctx context.Context) (int, error) {
	rows, err := q.DB.QueryContext(ctx, `UPDATE chat_jobs SET state='stalled', updated_at=NOW()
		WHERE state='active' AND heartbeat_at < NOW() - ($1 * interval '1 millisecond')
		RETURNING id, video_id, replica`, q.StallInterval.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("check stalled jobs: %w", err)
	}
	defer rows.Close()
	type stalled struct {
		id      string
		videoID string
		replica int
	}
	var found []stalled
	for rows.Next() {
		var s stalled
		if err := rows.Scan(&s.id, &s.videoID, &s.replica); err != nil {
			return 0, err
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, s := range found {
		ev := Event{Type: EventStalled, JobID: s.id, VideoID: s.videoID, Replica: s.replica}
		if err := q.notify(ctx, ev); err != nil {
			return len(found), err
		}
	}
	return len(found), nil
}

// CheckHealth returns queue depth per transient state.
func (q *Queue) CheckHealth(ctx context.Context) (Health, error) {
	var h Health
	rows, err := q.DB.QueryContext(ctx, `SELECT state, COUNT(1) FROM chat_jobs GROUP BY state`)
	if err != nil {
		return h, fmt.Errorf("check health: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return h, err
		}
		switch state {
		case StateActive:
			h.Active += n
		case StateWaiting, StateStalled:
			h.Waiting += n
		case StateDelayed:
			h.Delayed += n
		case StateFailed:
			h.Failed += n
		}
	}
	return h, rows.Err()
}

// GetJobs lists jobs in one state, oldest first.
func (q *Queue) GetJobs(ctx context.Context, state State) ([]Job, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM chat_jobs WHERE state=$1 ORDER BY created_at`, state)
	if err != nil {
		return nil, fmt.Errorf("get jobs (%s): %w", state, err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// GetJob loads one job; (nil, nil) when absent.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	row := q.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM chat_jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// Remove deletes a job row. Terminal jobs are removed rather than re-enqueued;
// the next reconciliation pass decides whether the broadcast still needs one.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if _, err := q.DB.ExecContext(ctx, `DELETE FROM chat_jobs WHERE id=$1`, id); err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

// SweepTerminal deletes leftover succeeded/failed rows. The event handlers
// normally remove these; the sweep is the catch-up for events lost across
// listener reconnects.
func (q *Queue) SweepTerminal(ctx context.Context) (int, error) {
	res, err := q.DB.ExecContext(ctx, `DELETE FROM chat_jobs WHERE state IN ('succeeded','failed')
		AND updated_at < NOW() - interval '5 minutes'`)
	if err != nil {
		return 0, fmt.Errorf("sweep terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// withEvent runs fn in a transaction and publishes the event it returns inside
// that same transaction, so a state change and its announcement commit or roll
// back together.
func (q *Queue) withEvent(ctx context.Context, fn func(tx *sql.Tx) (*Event, error)) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ev, err := fn(tx)
	if err != nil {
		return err
	}
	if ev != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, eventChannel, string(payload)); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	return tx.Commit()
}

func (q *Queue) notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := q.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, eventChannel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

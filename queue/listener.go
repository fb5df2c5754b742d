package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/onnwee/chat-harvester/db"
)

const eventChannel = "chat_jobs_events"

// EventType classifies a job lifecycle event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventRetrying  EventType = "retrying"
	EventStalled   EventType = "stalled"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
)

// Event is the payload published on the chat_jobs_events channel for every
// job state transition.
type Event struct {
	Type        EventType `json:"type"`
	JobID       string    `json:"jobId"`
	VideoID     string    `json:"videoId"`
	Replica     int       `json:"replica"`
	Result      *Result   `json:"result,omitempty"`
	Progress    *Progress `json:"progress,omitempty"`
	Error       string    `json:"error,omitempty"`
	RetriesLeft int       `json:"retriesLeft,omitempty"`
	BackoffMs   int64     `json:"backoffMs,omitempty"`
}

// Listener subscribes to job lifecycle events over a dedicated LISTEN
// connection. Delivery is at-least-once across reconnects; events lost during
// a reconnect window are recovered by the scheduler's periodic sweeps.
type Listener struct {
	DSN string
}

// Watch blocks, invoking fn for each event until ctx is done or the
// connection is persistently unreachable. A persistent failure is returned to
// the caller so the process can exit rather than run blind.
func (l *Listener) Watch(ctx context.Context, fn func(Event)) error {
	log := slog.With("component", "queue_listener")
	return db.Listen(ctx, l.DSN, eventChannel, func(n db.Notification) {
		var ev Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			log.Warn("dropping malformed job event", "payload", n.Payload, "error", err)
			return
		}
		fn(ev)
	})
}

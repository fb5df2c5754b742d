package scheduler

import (
	"context"

	"github.com/onnwee/chat-harvester/broadcast"
	"github.com/onnwee/chat-harvester/queue"
	"github.com/onnwee/chat-harvester/telemetry"
)

// HandleJobEvent applies one job lifecycle event onto the broadcast row.
// Only the primary replica's events touch broadcast status and stats; events
// from additional replicas are bookkeeping only. Terminal events also remove
// the job row so the next reconcile pass sees a clean slate.
func (s *Scheduler) HandleJobEvent(ctx context.Context, ev queue.Event) {
	log := s.log.With("video_id", ev.VideoID, "replica", ev.Replica, "event", string(ev.Type))
	primary := ev.Replica <= 1

	switch ev.Type {
	case queue.EventProgress:
		if !primary {
			return
		}
		status := broadcast.CollectionProgress
		if ev.Progress != nil && ev.Progress.WarmingUp {
			status = broadcast.CollectionWarmingUp
		}
		if err := s.Store.SetCollectionStatus(ctx, ev.VideoID, status, ""); err != nil {
			log.Error("set collection status", "error", err)
		}

	case queue.EventStalled:
		telemetry.JobsStalled.Inc()
		log.Warn("job stalled, reclaimed for another worker")
		if !primary {
			return
		}
		if err := s.Store.SetCollectionStatus(ctx, ev.VideoID, broadcast.CollectionStalled, ""); err != nil {
			log.Error("set collection status", "error", err)
		}

	case queue.EventRetrying:
		telemetry.JobsRetried.Inc()
		log.Warn("job retrying", "retries_left", ev.RetriesLeft, "backoff_ms", ev.BackoffMs, "last_error", ev.Error)
		if !primary {
			return
		}
		if err := s.Store.SetCollectionStatus(ctx, ev.VideoID, broadcast.CollectionRetrying, ""); err != nil {
			log.Error("set collection status", "error", err)
		}

	case queue.EventFailed:
		telemetry.JobsFailed.Inc()
		log.Error("job failed terminally", "last_error", ev.Error)
		if err := s.Jobs.Remove(ctx, ev.JobID); err != nil {
			log.Error("remove job", "error", err)
		}
		if !primary {
			return
		}
		if err := s.Store.MarkFailed(ctx, ev.VideoID, ev.Error); err != nil {
			log.Error("mark broadcast failed", "error", err)
		}

	case queue.EventSucceeded:
		telemetry.JobsSucceeded.Inc()
		if err := s.Jobs.Remove(ctx, ev.JobID); err != nil {
			log.Error("remove job", "error", err)
		}
		if !primary {
			return
		}
		var errCode string
		var handled, errCount int64
		if ev.Result != nil {
			errCode = string(ev.Result.ErrorCode)
			if ev.Result.Stats != nil {
				handled = ev.Result.Stats.Handled
				errCount = ev.Result.Stats.Errors
			}
		}
		log.Info("job finished", "error_code", errCode, "handled", handled, "errors", errCount)
		if err := s.Store.ApplyResult(ctx, ev.VideoID, errCode, handled, errCount); err != nil {
			log.Error("apply result", "error", err)
		}

	default:
		log.Warn("unrecognized job event")
	}
}

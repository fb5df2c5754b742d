package scheduler

import (
	"context"

	"github.com/onnwee/chat-harvester/broadcast"
)

// HandleBroadcastChange reacts to one broadcast change-feed entry between
// reconcile passes: a freshly live-like broadcast gets its primary job right
// away, and a raised replica target gets jobs for the new indices only.
// Everything it does is idempotent, so a missed entry is merely picked up by
// the next reconcile pass.
func (s *Scheduler) HandleBroadcastChange(ctx context.Context, ch broadcast.Change) {
	log := s.log.With("video_id", ch.ID, "op", ch.Op)

	liveLike := ch.Status == broadcast.StatusUpcoming || ch.Status == broadcast.StatusLive
	if !liveLike {
		return
	}

	b, err := s.Store.FindByID(ctx, ch.ID)
	if err != nil {
		log.Error("load changed broadcast", "error", err)
		return
	}
	switch b.CollectionStatus {
	case broadcast.CollectionFinished, broadcast.CollectionFailed:
		return
	}
	if s.Cfg.IgnoreFreeChat && b.IsFreeChat() {
		return
	}

	// First replica index that needs a job: 1 for a new or newly live-like
	// broadcast, one past the previous target when replicas were raised.
	from := 1
	if ch.Op == "update" {
		wasLiveLike := ch.PrevStatus != nil &&
			(*ch.PrevStatus == broadcast.StatusUpcoming || *ch.PrevStatus == broadcast.StatusLive)
		if wasLiveLike {
			prev := 1
			if ch.PrevReplicas != nil && *ch.PrevReplicas > 1 {
				prev = *ch.PrevReplicas
			}
			if ch.Replicas <= prev {
				return
			}
			from = prev + 1
		}
	}

	to := ch.Replicas
	if to < 1 {
		to = 1
	}
	for replica := from; replica <= to; replica++ {
		if _, err := s.admit(ctx, b, replica); err != nil {
			log.Error("admit job from change feed", "replica", replica, "error", err)
		}
	}
}

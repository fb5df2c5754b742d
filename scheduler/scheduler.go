// Package scheduler reconciles the catalog, the broadcast store, and the job
// queue: it discovers live-like broadcasts, admits one collection job per
// target replica, sweeps stalled and leftover jobs, and applies job lifecycle
// events back onto broadcast rows.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-harvester/broadcast"
	"github.com/onnwee/chat-harvester/catalog"
	"github.com/onnwee/chat-harvester/config"
	"github.com/onnwee/chat-harvester/db"
	"github.com/onnwee/chat-harvester/queue"
	"github.com/onnwee/chat-harvester/telemetry"
)

// Catalog lists live and upcoming broadcasts.
type Catalog interface {
	ListLive(ctx context.Context, maxUpcoming time.Duration) ([]catalog.Video, error)
}

// Jobs is the slice of queue behavior the scheduler needs.
type Jobs interface {
	Create(ctx context.Context, videoID string, replica, retries int, backoff time.Duration) (bool, error)
	CheckStalledJobs(ctx context.Context) (int, error)
	CheckHealth(ctx context.Context) (queue.Health, error)
	Remove(ctx context.Context, id string) error
	SweepTerminal(ctx context.Context) (int, error)
}

// Store is the slice of broadcast persistence the scheduler needs.
type Store interface {
	UpsertFromCatalog(ctx context.Context, b *broadcast.Broadcast) error
	UpsertChannel(ctx context.Context, c *broadcast.Channel) error
	ListLive(ctx context.Context) ([]broadcast.Broadcast, error)
	FindByID(ctx context.Context, id string) (*broadcast.Broadcast, error)
	SetCollectionStatus(ctx context.Context, id string, status broadcast.CollectionStatus, errCode string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	ApplyResult(ctx context.Context, id, errCode string, handled, errCount int64) error
}

type Scheduler struct {
	Catalog Catalog
	Jobs    Jobs
	Store   Store
	Cfg     config.Config

	log *slog.Logger
}

func New(cat Catalog, jobs Jobs, store Store, cfg config.Config) *Scheduler {
	return &Scheduler{
		Catalog: cat,
		Jobs:    jobs,
		Store:   store,
		Cfg:     cfg,
		log:     slog.With("component", "scheduler"),
	}
}

// Run drives the periodic reconciliation and stall sweeps until ctx is done.
// Job lifecycle events and broadcast change-feed entries arrive separately via
// HandleJobEvent and HandleBroadcastChange.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler starting",
		"schedule_interval", s.Cfg.ScheduleInterval,
		"stall_interval", s.Cfg.StallInterval)

	if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
		if db.IsUnreachable(err) {
			s.log.Error("store unreachable, stopping", "error", err)
			return err
		}
		s.log.Error("initial reconcile failed", "error", err)
	}

	reconcile := time.NewTicker(s.Cfg.ScheduleInterval)
	defer reconcile.Stop()
	stall := time.NewTicker(s.Cfg.StallInterval)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconcile.C:
			if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				if db.IsUnreachable(err) {
					s.log.Error("store unreachable, stopping", "error", err)
					return err
				}
				s.log.Error("reconcile failed", "error", err)
			}
		case <-stall.C:
			if _, err := s.Jobs.CheckStalledJobs(ctx); err != nil && ctx.Err() == nil {
				if db.IsUnreachable(err) {
					s.log.Error("store unreachable, stopping", "error", err)
					return err
				}
				s.log.Error("stall sweep failed", "error", err)
			}
			if n, err := s.Jobs.SweepTerminal(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("terminal sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("swept leftover terminal jobs", "count", n)
			}
		}
	}
}

// Reconcile is one scheduling pass: refresh the store from the catalog, then
// admit jobs for every live-like broadcast and replica index that lacks one.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "reconcile")
	defer span.End()

	start := time.Now()
	defer func() {
		telemetry.ReconcileDuration.Observe(time.Since(start).Seconds())
		telemetry.ReconcilePasses.Inc()
	}()

	videos, err := s.Catalog.ListLive(ctx, s.Cfg.CatalogMaxUpcoming)
	if err != nil {
		// Stale store contents still admit correctly, so keep going.
		s.log.Warn("catalog fetch failed, admitting from stored state", "error", err)
	} else {
		for i := range videos {
			v := &videos[i]
			if err := s.Store.UpsertChannel(ctx, channelFromCatalog(&v.Channel)); err != nil {
				s.log.Error("upsert channel", "channel_id", v.Channel.ID, "error", err)
				continue
			}
			if err := s.Store.UpsertFromCatalog(ctx, broadcastFromCatalog(v)); err != nil {
				s.log.Error("upsert broadcast", "video_id", v.ID, "error", err)
			}
		}
	}

	before, err := s.Jobs.CheckHealth(ctx)
	if err != nil {
		return err
	}

	live, err := s.Store.ListLive(ctx)
	if err != nil {
		return err
	}
	admitted := 0
	for i := range live {
		b := &live[i]
		switch b.CollectionStatus {
		case broadcast.CollectionFinished, broadcast.CollectionFailed:
			continue
		}
		if s.Cfg.IgnoreFreeChat && b.IsFreeChat() {
			continue
		}
		for replica := 1; replica <= b.Replicas(); replica++ {
			created, err := s.admit(ctx, b, replica)
			if err != nil {
				s.log.Error("admit job", "video_id", b.ID, "replica", replica, "error", err)
				continue
			}
			if created {
				admitted++
			}
		}
	}

	after, err := s.Jobs.CheckHealth(ctx)
	if err != nil {
		return err
	}
	telemetry.SetJobsByState(after.Active, after.Waiting, after.Delayed, after.Failed)
	s.log.Info("reconcile pass",
		"catalog_videos", len(videos),
		"live_broadcasts", len(live),
		"admitted", admitted,
		"jobs_before", before.Active+before.Waiting+before.Delayed,
		"jobs_after", after.Active+after.Waiting+after.Delayed)
	return nil
}

// admit creates the job for one replica index if absent. The admission delay
// leans on the scheduled start: jobs created long before air time wait a
// fraction of that lead, never less than the floor, so failed pre-live
// attempts spread their retries across the wait.
func (s *Scheduler) admit(ctx context.Context, b *broadcast.Broadcast, replica int) (bool, error) {
	var startUntil time.Duration
	if b.ScheduledStart != nil {
		if d := time.Until(*b.ScheduledStart); d > 0 {
			startUntil = d
		}
	}
	backoff := startUntil / time.Duration(s.Cfg.BackoffDivisor)
	if backoff < s.Cfg.MinBackoff {
		backoff = s.Cfg.MinBackoff
	}
	retries := s.Cfg.BackoffDivisor - 1

	created, err := s.Jobs.Create(ctx, b.ID, replica, retries, backoff)
	if err != nil {
		return false, err
	}
	if created {
		s.log.Info("admitted collection job",
			"video_id", b.ID, "replica", replica, "retries", retries, "backoff", backoff)
	}
	return created, nil
}

func broadcastFromCatalog(v *catalog.Video) *broadcast.Broadcast {
	b := &broadcast.Broadcast{
		ID:             v.ID,
		ChannelID:      v.Channel.ID,
		Title:          v.Title,
		Topic:          v.Topic,
		Status:         statusFromCatalog(v.Status),
		Duration:       v.Duration,
		PublishedAt:    v.PublishedAt,
		AvailableAt:    v.AvailableAt,
		ScheduledStart: v.StartScheduled,
		ActualStart:    v.StartActual,
	}
	if v.LiveViewers > 0 {
		viewers := v.LiveViewers
		b.Viewers = &viewers
	}
	return b
}

func channelFromCatalog(c *catalog.Channel) *broadcast.Channel {
	name := c.Name
	if c.EnglishName != "" {
		name = c.EnglishName
	}
	return &broadcast.Channel{ID: c.ID, Name: name, AvatarURL: c.Photo}
}

func statusFromCatalog(s string) broadcast.Status {
	switch s {
	case "upcoming":
		return broadcast.StatusUpcoming
	case "live":
		return broadcast.StatusLive
	case "past":
		return broadcast.StatusPast
	case "missing":
		return broadcast.StatusMissing
	default:
		return broadcast.StatusNew
	}
}

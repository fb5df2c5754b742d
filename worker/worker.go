// Package worker claims chat collection jobs and runs the per-broadcast
// ingestion loop: open an event stream session, persist typed action batches,
// heartbeat progress, and, on the primary replica, refresh broadcast metadata
// and drive replica autoscaling from the recent action rate.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chat-harvester/broadcast"
	"github.com/onnwee/chat-harvester/config"
	"github.com/onnwee/chat-harvester/db"
	"github.com/onnwee/chat-harvester/queue"
	"github.com/onnwee/chat-harvester/stream"
	"github.com/onnwee/chat-harvester/telemetry"
)

// errReplicaRetired cancels a non-primary session once the broadcast's target
// replica count drops below its index.
var errReplicaRetired = errors.New("replica retired")

// JobQueue is the slice of queue behavior the worker needs.
type JobQueue interface {
	Claim(ctx context.Context) (*queue.Job, error)
	ReportProgress(ctx context.Context, jobID string, p queue.Progress) error
	Succeed(ctx context.Context, jobID string, res queue.Result) error
	Fail(ctx context.Context, jobID, errMsg string, backoff time.Duration) error
	FailPermanently(ctx context.Context, jobID, errMsg string) error
}

// BroadcastStore is the slice of broadcast persistence the worker needs.
type BroadcastStore interface {
	FindByID(ctx context.Context, id string) (*broadcast.Broadcast, error)
	ApplyMetadata(ctx context.Context, videoID, channelID string, viewers, likes, subscribers *int64) error
	SetReplicaCount(ctx context.Context, id string, n int) error
}

// Worker runs up to Cfg.JobConcurrency ingestion jobs concurrently.
type Worker struct {
	Queue      JobQueue
	Broadcasts BroadcastStore
	Actions    ActionStore
	Client     stream.Client
	Cfg        config.Config

	// sleep is replaceable in tests to skip the replica start stagger.
	sleep func(ctx context.Context, d time.Duration) error

	// fatal carries the first unreachable-database error out of a job
	// goroutine; Run returns it so main terminates instead of degrading.
	fatal chan error
}

func New(q JobQueue, bs BroadcastStore, as ActionStore, client stream.Client, cfg config.Config) *Worker {
	return &Worker{
		Queue:      q,
		Broadcasts: bs,
		Actions:    as,
		Client:     client,
		Cfg:        cfg,
		sleep:      sleepCtx,
		fatal:      make(chan error, 1),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run claims and processes jobs until ctx is cancelled, then waits for
// in-flight jobs to flush and finish.
func (w *Worker) Run(ctx context.Context) error {
	log := slog.With("component", "worker")
	log.Info("worker starting", "concurrency", w.Cfg.JobConcurrency)

	sem := make(chan struct{}, w.Cfg.JobConcurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker draining in-flight jobs")
			wg.Wait()
			return ctx.Err()
		case err := <-w.fatal:
			log.Error("database unreachable, stopping", "error", err)
			return err
		case <-ticker.C:
		}

	claim:
		for {
			select {
			case sem <- struct{}{}:
			default:
				break claim // all slots busy
			}
			job, err := w.Queue.Claim(ctx)
			if err != nil {
				<-sem
				if db.IsUnreachable(err) {
					log.Error("queue unreachable, stopping", "error", err)
					return err
				}
				log.Error("claim failed", "error", err)
				break claim
			}
			if job == nil {
				<-sem
				break claim
			}
			wg.Add(1)
			go func(j *queue.Job) {
				defer wg.Done()
				defer func() { <-sem }()
				w.handleJob(ctx, j)
			}(job)
		}
	}
}

// jobRun is the mutable state shared between the ingestion loop and the tick
// goroutine of one job.
type jobRun struct {
	mu        sync.Mutex
	stats     queue.Stats
	sinceMeta int
	lastMeta  time.Time
	metaDue   bool
	replicas  int
	counter   *ActionCounter
}

func (w *Worker) handleJob(ctx context.Context, job *queue.Job) {
	log := slog.With("component", "worker", "video_id", job.VideoID, "replica", job.Replica)
	corrCtx := telemetry.WithCorrelation(ctx, job.ID)
	corrCtx, span := telemetry.StartJobSpan(corrCtx, "worker", "handle-job", job.VideoID, job.Replica)
	defer span.End()

	b, err := w.Broadcasts.FindByID(corrCtx, job.VideoID)
	if errors.Is(err, broadcast.ErrNotFound) {
		log.Warn("broadcast row missing, failing job permanently")
		if ferr := w.Queue.FailPermanently(corrCtx, job.ID, "broadcast not found"); ferr != nil {
			log.Error("report permanent failure", "error", ferr)
		}
		return
	}
	if err != nil {
		log.Error("load broadcast", "error", err)
		if ferr := w.Queue.Fail(corrCtx, job.ID, err.Error(), 0); ferr != nil {
			log.Error("report failure", "error", ferr)
		}
		return
	}

	// Stagger non-primary starts so replicas do not hammer the provider in
	// the same instant. A shutdown here leaves the job active; the stall
	// sweep reclaims it.
	if job.Replica > 1 {
		if err := w.sleep(ctx, time.Duration(job.Replica-1)*time.Second); err != nil {
			return
		}
	}

	jobCtx, cancel := context.WithCancelCause(corrCtx)
	defer cancel(nil)

	openCtx, openCancel := context.WithTimeout(jobCtx, w.Cfg.StreamTimeout)
	sess, err := w.Client.Open(openCtx, job.VideoID, b.ChannelID)
	openCancel()
	if err != nil {
		w.finish(corrCtx, job, queue.Stats{}, err, log)
		return
	}
	telemetry.ActiveStreams.Inc()
	defer telemetry.ActiveStreams.Dec()

	run := &jobRun{
		lastMeta: time.Now(),
		replicas: b.ReplicaCount,
		counter:  NewActionCounter(w.Cfg.CounterRetention),
	}
	primary := job.Replica <= 1

	// One last metadata snapshot and progress flush regardless of how the
	// session ends, on a context that survives cancellation.
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(corrCtx), 10*time.Second)
		defer flushCancel()
		if primary {
			w.refreshMetadata(flushCtx, sess, job.VideoID, b.ChannelID, run, log)
		}
		if err := sess.Close(); err != nil {
			log.Warn("close session", "error", err)
		}
	}()

	if primary {
		w.refreshMetadata(jobCtx, sess, job.VideoID, b.ChannelID, run, log)
	}

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		w.runTicks(jobCtx, cancel, job, sess, b.ChannelID, primary, run, log)
	}()

	log.Info("ingestion started")
	streamErr := w.ingest(jobCtx, sess, job.VideoID, b.ChannelID, run, log)
	cancel(nil)
	<-tickDone

	run.mu.Lock()
	stats := run.stats
	run.mu.Unlock()
	w.finish(corrCtx, job, stats, streamErr, log)
}

// ingest consumes action batches until the stream ends or fails. Each batch is
// grouped by kind and persisted with one insert per kind; rows dropped by the
// dedup constraint count as errors while the loop keeps going.
func (w *Worker) ingest(ctx context.Context, sess stream.Session, videoID, channelID string, run *jobRun, log *slog.Logger) error {
	for {
		batch, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			continue
		}

		groups := make(map[stream.Kind][]stream.Action)
		for _, ac := range batch {
			groups[ac.Kind] = append(groups[ac.Kind], ac)
		}
		for kind, group := range groups {
			start := time.Now()
			inserted, err := w.Actions.PersistBatch(ctx, videoID, channelID, kind, group)
			telemetry.BatchPersistDuration.Observe(time.Since(start).Seconds())
			if db.IsDuplicateKey(err) {
				// Only tables without a conflict clause surface duplicates as
				// errors; count the group and keep the stream alive.
				telemetry.DuplicateActions.Add(float64(len(group)))
				run.mu.Lock()
				run.stats.Errors += int64(len(group))
				run.mu.Unlock()
				continue
			}
			if err != nil {
				telemetry.PersistErrors.Inc()
				log.Error("persist batch", "type", string(kind), "size", len(group), "error", err)
				if db.IsUnreachable(err) {
					select {
					case w.fatal <- err:
					default:
					}
				}
				return err
			}
			dupes := len(group) - inserted
			telemetry.ActionsHandled.WithLabelValues(string(kind)).Add(float64(inserted))
			if dupes > 0 {
				telemetry.DuplicateActions.Add(float64(dupes))
			}
			run.mu.Lock()
			run.stats.Handled += int64(inserted)
			run.stats.Errors += int64(dupes)
			run.mu.Unlock()
		}

		run.counter.Add(len(batch))
		raided := false
		for _, ac := range batch {
			if ac.Kind == stream.KindRaid {
				raided = true
				break
			}
		}
		run.mu.Lock()
		run.sinceMeta += len(batch)
		if raided {
			// An incoming raid moves viewer counts immediately.
			run.metaDue = true
		}
		run.mu.Unlock()
	}
}

// runTicks heartbeats progress every tick. The primary additionally owns
// metadata refresh and replica autoscaling; non-primary replicas watch for
// their own retirement.
func (w *Worker) runTicks(ctx context.Context, cancel context.CancelCauseFunc, job *queue.Job,
	s stream.Session, channelID string, primary bool, run *jobRun, log *slog.Logger) {
	ticker := time.NewTicker(w.Cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		run.mu.Lock()
		stats := run.stats
		sinceMeta := run.sinceMeta
		lastMeta := run.lastMeta
		metaDue := run.metaDue
		replicas := run.replicas
		run.mu.Unlock()

		p := queue.Progress{Handled: stats.Handled, Errors: stats.Errors, WarmingUp: stats.Handled == 0}
		if err := w.Queue.ReportProgress(ctx, job.ID, p); err != nil && ctx.Err() == nil {
			log.Warn("report progress", "error", err)
		}

		if !primary {
			cur, err := w.Broadcasts.FindByID(ctx, job.VideoID)
			if err == nil && cur.ReplicaCount < job.Replica {
				log.Info("replica target dropped, stopping", "target", cur.ReplicaCount)
				cancel(errReplicaRetired)
				return
			}
			continue
		}

		switch {
		case replicas <= 1 && run.counter.CountRecent(w.Cfg.ScaleUpWindow) >= w.Cfg.ScaleUpThreshold:
			if err := w.Broadcasts.SetReplicaCount(ctx, job.VideoID, 2); err != nil {
				log.Error("scale up", "error", err)
			} else {
				telemetry.ScaleUps.Inc()
				log.Info("scaled up to 2 replicas", "recent_actions", run.counter.CountRecent(w.Cfg.ScaleUpWindow))
				run.mu.Lock()
				run.replicas = 2
				run.mu.Unlock()
			}
		case replicas > 1:
			minutes := int(w.Cfg.ScaleDownWindow / time.Minute)
			if minutes < 1 {
				minutes = 1
			}
			perMinute := run.counter.CountRecent(w.Cfg.ScaleDownWindow) / minutes
			if perMinute < w.Cfg.ScaleDownThreshold {
				if err := w.Broadcasts.SetReplicaCount(ctx, job.VideoID, 1); err != nil {
					log.Error("scale down", "error", err)
				} else {
					telemetry.ScaleDowns.Inc()
					log.Info("scaled down to 1 replica", "per_minute", perMinute)
					run.mu.Lock()
					run.replicas = 1
					run.mu.Unlock()
				}
			}
		}

		if metaDue || sinceMeta >= w.Cfg.MetadataActions || time.Since(lastMeta) >= w.Cfg.MetadataMaxAge {
			w.refreshMetadata(ctx, s, job.VideoID, channelID, run, log)
		}
	}
}

func (w *Worker) refreshMetadata(ctx context.Context, s stream.Session, videoID, channelID string, run *jobRun, log *slog.Logger) {
	meta, err := s.FetchMetadata(ctx)
	if err != nil {
		log.Warn("fetch metadata", "error", err)
		return
	}
	if err := w.Broadcasts.ApplyMetadata(ctx, videoID, channelID, meta.Viewers, meta.Likes, meta.Subscribers); err != nil {
		log.Warn("apply metadata", "error", err)
		return
	}
	run.mu.Lock()
	run.sinceMeta = 0
	run.metaDue = false
	run.lastMeta = time.Now()
	run.mu.Unlock()
}

// finish maps the terminal stream error to a job outcome. The outcome must
// land even when the surrounding context is already torn down (shutdown is
// exactly when the quiet-success path runs), so reporting gets its own
// deadline detached from the caller's cancellation.
func (w *Worker) finish(ctx context.Context, job *queue.Job, stats queue.Stats, err error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	report := func(res queue.Result) {
		if rerr := w.Queue.Succeed(ctx, job.ID, res); rerr != nil {
			log.Error("report result", "error", rerr)
		}
	}

	switch {
	case err == nil || errors.Is(err, io.EOF):
		log.Info("ingestion finished", "handled", stats.Handled, "errors", stats.Errors)
		report(queue.Result{Stats: &stats})
	case errors.Is(err, context.Canceled) || errors.Is(err, errReplicaRetired):
		// Deliberate stop (shutdown or replica retirement) closes out quietly
		// with whatever was collected.
		log.Info("ingestion stopped", "handled", stats.Handled, "errors", stats.Errors)
		report(queue.Result{Stats: &stats})
	default:
		code, typed := stream.CodeOf(err)
		switch {
		case typed && code == stream.CodeMembersOnly:
			log.Info("stream is members-only")
			report(queue.Result{ErrorCode: queue.ErrMembersOnly, Stats: &stats})
		case typed && code == stream.CodeDenied:
			log.Warn("access denied by provider")
			report(queue.Result{ErrorCode: queue.ErrBan, Stats: &stats})
		case typed && code == stream.CodeUnavailable:
			log.Info("broadcast became unavailable", "handled", stats.Handled)
			report(queue.Result{ErrorCode: queue.ErrUnavailable, Stats: &stats})
		case typed && code == stream.CodePrivate:
			log.Info("broadcast went private", "handled", stats.Handled)
			report(queue.Result{ErrorCode: queue.ErrPrivate, Stats: &stats})
		case typed && code == stream.CodeDisabled:
			// Chat can come back (e.g. pre-live), so spend a retry.
			log.Warn("chat disabled, will retry", "error", err)
			if ferr := w.Queue.Fail(ctx, job.ID, err.Error(), 0); ferr != nil {
				log.Error("report failure", "error", ferr)
			}
		default:
			log.Error("ingestion failed", "error", err)
			if ferr := w.Queue.Fail(ctx, job.ID, err.Error(), w.Cfg.RetryBackoff); ferr != nil {
				log.Error("report failure", "error", ferr)
			}
		}
	}
}

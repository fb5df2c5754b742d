// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ActionsHandled   *prometheus.CounterVec // by action type
	PersistErrors    prometheus.Counter
	DuplicateActions prometheus.Counter
	JobsSucceeded    prometheus.Counter
	JobsFailed       prometheus.Counter
	JobsRetried      prometheus.Counter
	JobsStalled      prometheus.Counter
	ScaleUps         prometheus.Counter
	ScaleDowns       prometheus.Counter
	ReconcilePasses  prometheus.Counter

	// Histograms (seconds)
	BatchPersistDuration prometheus.Observer
	ReconcileDuration    prometheus.Observer

	// Gauges
	JobsByState   *prometheus.GaugeVec // active/waiting/delayed/failed
	ActiveStreams prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ActionsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "harvester_actions_handled_total", Help: "Number of chat actions persisted, by action type"}, []string{"type"})
		PersistErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "harvester_persist_errors_total", Help: "Number of batch persistence errors (duplicates included)"})
		DuplicateActions = promauto.NewCounter(prometheus.CounterOpts{Name: "harvester_duplicate_actions_total", Help: "Number of actions skipped as duplicate keys"})
		JobsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "harvester_jobs_succeeded_total", Help: "Number of collection jobs that returned a terminal result"})
		JobsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "harvester_jobs_failed_total", Help: "Number of collection jobs that exhausted retries"})
		JobsRetried = promauto.NewCounter(prometheus.CounterOpts{Name: "harvester_jobs_retried_total", Help: "Number of collection job retries"})
		JobsStalled = promauto.NewCounter(prometheus.CounterOpts{Name: "harvester_jobs_stalled_total", Help: "Number of jobs reclaimed after a stalled heartbeat"})
		ScaleUps = promauto.NewCounter(prometheus.CounterOpts{Name: "harvester_scale_ups_total", Help: "Number of replica scale-up decisions"})
		ScaleDowns = promauto.NewCounter(prometheus.CounterOpts{Name: "harvester_scale_downs_total", Help: "Number of replica scale-down decisions"})
		ReconcilePasses = promauto.NewCounter(prometheus.CounterOpts{Name: "harvester_reconcile_passes_total", Help: "Number of scheduler reconciliation passes"})
		BatchPersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "harvester_batch_persist_duration_seconds", Help: "Per-type batch insert duration seconds", Buckets: prometheus.DefBuckets})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "harvester_reconcile_duration_seconds", Help: "Reconciliation pass duration seconds", Buckets: prometheus.DefBuckets})
		JobsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "harvester_jobs", Help: "Current number of queue jobs by state"}, []string{"state"})
		ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{Name: "harvester_active_streams", Help: "Current number of open event stream sessions"})
	})
}

// SetJobsByState records current queue health counts.
func SetJobsByState(active, waiting, delayed, failed int) {
	if JobsByState == nil {
		return
	}
	JobsByState.WithLabelValues("active").Set(float64(active))
	JobsByState.WithLabelValues("waiting").Set(float64(waiting))
	JobsByState.WithLabelValues("delayed").Set(float64(delayed))
	JobsByState.WithLabelValues("failed").Set(float64(failed))
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger annotated with the context correlation id, if any.
func LoggerWithCorr(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return l.With(slog.String("corr", id))
	}
	return l
}

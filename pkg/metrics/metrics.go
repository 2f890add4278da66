package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robocurse_runs_total",
			Help: "Total number of runs by terminal phase",
		},
		[]string{"phase"},
	)

	ChunksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robocurse_chunks_total",
			Help: "Current number of chunks by status",
		},
		[]string{"status"},
	)

	ChunksRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robocurse_chunks_retried_total",
			Help: "Total number of chunk retry attempts",
		},
	)

	BytesCopiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robocurse_bytes_copied_total",
			Help: "Total bytes copied across all runs",
		},
	)

	FilesCopiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robocurse_files_copied_total",
			Help: "Total files copied across all runs",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robocurse_circuit_breaker_trips_total",
			Help: "Total number of times a run's circuit breaker tripped",
		},
	)

	// Snapshot metrics
	SnapshotsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robocurse_snapshots_active",
			Help: "Current number of registered active snapshots",
		},
	)

	SnapshotOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robocurse_snapshot_operations_total",
			Help: "Total snapshot operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	// Orchestrator timing metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "robocurse_tick_duration_seconds",
			Help:    "Time taken for one orchestrator tick cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChunkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "robocurse_chunk_duration_seconds",
			Help:    "Time taken for a chunk to complete, from admit to retire",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		},
	)

	CheckpointSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "robocurse_checkpoint_save_duration_seconds",
			Help:    "Time taken to save a checkpoint",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(ChunksTotal)
	prometheus.MustRegister(ChunksRetriedTotal)
	prometheus.MustRegister(BytesCopiedTotal)
	prometheus.MustRegister(FilesCopiedTotal)
	prometheus.MustRegister(CircuitBreakerTripsTotal)
	prometheus.MustRegister(SnapshotsActive)
	prometheus.MustRegister(SnapshotOperationsTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(ChunkDuration)
	prometheus.MustRegister(CheckpointSaveDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

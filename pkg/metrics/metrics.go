package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the dedicated registry all collectors below are registered
// against, kept separate from prometheus's global DefaultRegisterer so that
// constructing this package never has a process-wide side effect.
var Registry = prometheus.NewRegistry()

var (
	PodsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podyard_pods_total",
			Help: "Current number of pods per service",
		},
		[]string{"service"},
	)

	ScalingActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podyard_scaling_actions_total",
			Help: "Autoscaler decisions taken, by service and direction",
		},
		[]string{"service", "direction"}, // direction: up|down|no_change
	)

	AutoscalerTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podyard_autoscaler_tick_duration_seconds",
			Help:    "Time taken to evaluate one autoscaler tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	RollingUpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podyard_rolling_update_duration_seconds",
			Help:    "Duration of a rolling update from start to completion/timeout",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "outcome"}, // outcome: complete|timeout|aborted
	)

	ConfigWatcherSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "podyard_config_watcher_sweep_duration_seconds",
			Help:    "Time taken to sweep CONFIG_STORE for stale manifest entries",
			Buckets: prometheus.DefBuckets,
		},
	)

	OrphanAdoptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podyard_orphan_adoptions_total",
			Help: "Orphaned pods found at startup, by outcome",
		},
		[]string{"service", "outcome"}, // outcome: adopted|cleaned_up
	)
)

func init() {
	Registry.MustRegister(
		PodsTotal,
		ScalingActionsTotal,
		AutoscalerTickDuration,
		RollingUpdateDuration,
		ConfigWatcherSweepDuration,
		OrphanAdoptionsTotal,
	)
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig configures the Prometheus collectors of a ReactiveSystem.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "reactor").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for flush duration.
	// Default: prometheus.DefBuckets
	Buckets []float64
}

type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "reactor",
		Buckets:   prometheus.DefBuckets,
	}
}

type metrics struct {
	flushes        prometheus.Counter
	flushDuration  prometheus.Histogram
	queued         prometheus.Counter
	queueDepth     prometheus.Gauge
	watcherRuns    *prometheus.CounterVec
	errors         prometheus.Counter
	activeWatchers prometheus.Gauge
}

// newMetrics builds unregistered collectors; they are usable whether or not
// they are ever registered.
func newMetrics(config MetricsConfig) *metrics {
	return &metrics{
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "flushes_total",
			Help:        "Total number of scheduler flush cycles that updated at least one watcher",
			ConstLabels: config.ConstLabels,
		}),

		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "flush_duration_seconds",
			Help:        "Scheduler flush duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "watchers_queued_total",
			Help:        "Total number of watchers added to the flush queue after deduplication",
			ConstLabels: config.ConstLabels,
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_depth",
			Help:        "Number of watchers waiting for the next flush",
			ConstLabels: config.ConstLabels,
		}),

		watcherRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "watcher_evaluations_total",
			Help:        "Total number of watcher evaluations by mode",
			ConstLabels: config.ConstLabels,
		}, []string{"mode"}),

		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of errors reported by watchers and scheduled callbacks",
			ConstLabels: config.ConstLabels,
		}),

		activeWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_watchers",
			Help:        "Number of watchers that have not been torn down",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.flushes,
		m.flushDuration,
		m.queued,
		m.queueDepth,
		m.watcherRuns,
		m.errors,
		m.activeWatchers,
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

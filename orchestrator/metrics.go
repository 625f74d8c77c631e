package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/threatmesh/threatmesh/core"
)

// Metrics holds the orchestrator's Prometheus instruments.
type Metrics struct {
	tasksTotal    *prometheus.CounterVec
	stageRetries  prometheus.Counter
	stageDuration prometheus.Histogram
	memoryHits    prometheus.Counter
	memoryMisses  prometheus.Counter
	queueDepth    prometheus.Gauge
}

// NewMetrics builds the instrument set and registers it on reg. Tests should
// pass a fresh prometheus.NewRegistry() to avoid collisions with the default
// registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threatmesh",
			Name:      "tasks_total",
			Help:      "Tasks finished, partitioned by terminal status.",
		}, []string{"status"}),
		stageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threatmesh",
			Name:      "stage_retries_total",
			Help:      "Stage attempts that failed transiently and were retried.",
		}),
		stageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "threatmesh",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of completed stages, all attempts included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		memoryHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threatmesh",
			Name:      "memory_hits_total",
			Help:      "Exact-match memory lookups that hit.",
		}),
		memoryMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threatmesh",
			Name:      "memory_misses_total",
			Help:      "Exact-match memory lookups that missed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threatmesh",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the submission queue.",
		}),
	}
	reg.MustRegister(m.tasksTotal, m.stageRetries, m.stageDuration, m.memoryHits, m.memoryMisses, m.queueDepth)
	return m
}

func (m *Metrics) taskFinished(status core.TaskStatus) {
	m.tasksTotal.WithLabelValues(string(status)).Inc()
}

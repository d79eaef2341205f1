// Package metrics exposes per-task-type worker counters and histograms in the
// Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "taskq"

var (
	lagBuckets      = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600}
	durationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// WorkerMetrics implements task.MetricsRecorder on a private registry.
type WorkerMetrics struct {
	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	completed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	lag         *prometheus.HistogramVec
	duration    *prometheus.HistogramVec
}

// New builds and registers the worker metrics under namespace. Go runtime and
// process collectors are registered alongside them.
func New(namespace string) (*WorkerMetrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	labels := []string{"type"}

	m := &WorkerMetrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_invocations_total",
			Help:      "Tasks picked up by a worker, by task type.",
		}, labels),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks that finished successfully, by task type.",
		}, labels),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Failed task attempts, by task type.",
		}, labels),
		lag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_processing_lag_seconds",
			Help:      "Time between task creation and pickup.",
			Buckets:   lagBuckets,
		}, labels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall-clock time spent in the task processor.",
			Buckets:   durationBuckets,
		}, labels),
	}

	for _, c := range []prometheus.Collector{
		m.invocations, m.completed, m.failed, m.lag, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Warmup creates a zero-valued series for every task type so dashboards see
// them before the first task of each type runs.
func (m *WorkerMetrics) Warmup(taskTypes []string) {
	for _, t := range taskTypes {
		m.invocations.WithLabelValues(t).Add(0)
		m.completed.WithLabelValues(t).Add(0)
		m.failed.WithLabelValues(t).Add(0)
		m.lag.WithLabelValues(t).Observe(0)
		m.duration.WithLabelValues(t).Observe(0)
	}
}

// RecordInvocation counts a task picked up from storage.
func (m *WorkerMetrics) RecordInvocation(taskType string) {
	m.invocations.WithLabelValues(taskType).Inc()
}

// RecordProcessingLag observes the time between enqueue and pickup.
func (m *WorkerMetrics) RecordProcessingLag(taskType string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	m.lag.WithLabelValues(taskType).Observe(lag.Seconds())
}

// RecordDuration observes how long the processor ran.
func (m *WorkerMetrics) RecordDuration(taskType string, d time.Duration) {
	m.duration.WithLabelValues(taskType).Observe(d.Seconds())
}

// RecordCompleted counts a completed task.
func (m *WorkerMetrics) RecordCompleted(taskType string) {
	m.completed.WithLabelValues(taskType).Inc()
}

// RecordFailed counts a failed attempt.
func (m *WorkerMetrics) RecordFailed(taskType string) {
	m.failed.WithLabelValues(taskType).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *WorkerMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the text exposition format.
func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

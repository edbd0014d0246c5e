package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "workerpool"

// PrometheusMetrics implements Metrics with prometheus collectors.
type PrometheusMetrics struct {
	mu sync.Mutex

	tasksProcessed *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksRejected  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	inFlight       *prometheus.GaugeVec
	workers        *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewPrometheusMetrics creates the collectors. A nil registerer means
// prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registerer:     registerer,
		tasksProcessed: newCounterVec("processed_total", "Tasks the child finished with a success status", []string{"queue"}),
		tasksFailed:    newCounterVec("failed_total", "Tasks that were nacked and requeued", []string{"queue", "reason"}),
		tasksRejected:  newCounterVec("rejected_total", "Deliveries that no worker accepted", []string{"queue"}),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "task",
				Name:      "duration_seconds",
				Help:      "Time from writing the input task to the terminal status",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"queue"},
		),
		inFlight: newGaugeVec("task", "in_flight", "Tasks currently handed to a child", []string{"queue"}),
		workers:  newGaugeVec("pool", "workers", "Workers per pool and state", []string{"pool", "state"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *PrometheusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.tasksProcessed,
		m.tasksFailed,
		m.tasksRejected,
		m.taskDuration,
		m.inFlight,
		m.workers,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *PrometheusMetrics) TaskProcessed(queue string, duration time.Duration) {
	m.tasksProcessed.WithLabelValues(queue).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) TaskFailed(queue, reason string) {
	m.tasksFailed.WithLabelValues(queue, reason).Inc()
}

func (m *PrometheusMetrics) TaskRejected(queue string) {
	m.tasksRejected.WithLabelValues(queue).Inc()
}

func (m *PrometheusMetrics) ProcessingStarted(queue string) {
	m.inFlight.WithLabelValues(queue).Inc()
}

func (m *PrometheusMetrics) ProcessingFinished(queue string) {
	m.inFlight.WithLabelValues(queue).Dec()
}

func (m *PrometheusMetrics) SetWorkerCounts(pool string, counts WorkerCounts) {
	m.workers.WithLabelValues(pool, "wait_for_init").Set(float64(counts.WaitForInit))
	m.workers.WithLabelValues(pool, "running").Set(float64(counts.Running))
	m.workers.WithLabelValues(pool, "stopping").Set(float64(counts.Stopping))
	m.workers.WithLabelValues(pool, "stopped").Set(float64(counts.Stopped))
}

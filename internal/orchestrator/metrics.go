package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a Monitor that exports Prometheus collectors.
type Metrics struct {
	tasksActive    prometheus.Gauge
	taskDuration   prometheus.Histogram
	invocations    *prometheus.CounterVec
	workerDuration *prometheus.HistogramVec

	started sync.Map // taskID|worker -> time.Time
}

// NewMetrics registers the collectors with reg. Collectors that are
// already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nuka",
			Subsystem: "analyst",
			Name:      "tasks_active",
			Help:      "Number of analysis tasks currently running.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nuka",
			Subsystem: "analyst",
			Name:      "task_duration_seconds",
			Help:      "End-to-end duration of analysis tasks.",
			Buckets:   prometheus.DefBuckets,
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nuka",
			Subsystem: "analyst",
			Name:      "worker_invocations_total",
			Help:      "Worker invocations by result.",
		}, []string{"worker", "result"}),
		workerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nuka",
			Subsystem: "analyst",
			Name:      "worker_duration_seconds",
			Help:      "Duration of worker invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
	}

	m.tasksActive = register(reg, m.tasksActive)
	m.taskDuration = register(reg, m.taskDuration)
	m.invocations = register(reg, m.invocations)
	m.workerDuration = register(reg, m.workerDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func invocationKey(taskID, workerName string) string { return taskID + "|" + workerName }

func (m *Metrics) OnTaskStart(taskID, targetID string) {
	m.tasksActive.Inc()
}

func (m *Metrics) OnTaskComplete(taskID string, d time.Duration) {
	m.tasksActive.Dec()
	m.taskDuration.Observe(d.Seconds())
}

func (m *Metrics) OnWorkerStart(taskID, workerName string) {
	m.started.Store(invocationKey(taskID, workerName), time.Now())
}

func (m *Metrics) OnWorkerComplete(taskID, workerName string, at time.Time) {
	m.invocations.WithLabelValues(workerName, "success").Inc()
	m.observe(taskID, workerName, at)
}

func (m *Metrics) OnWorkerError(taskID, workerName, message string) {
	m.invocations.WithLabelValues(workerName, "error").Inc()
	m.observe(taskID, workerName, time.Now())
}

func (m *Metrics) observe(taskID, workerName string, at time.Time) {
	v, ok := m.started.LoadAndDelete(invocationKey(taskID, workerName))
	if !ok {
		return
	}
	m.workerDuration.WithLabelValues(workerName).Observe(at.Sub(v.(time.Time)).Seconds())
}

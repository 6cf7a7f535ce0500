// Package metrics implements render.MetricsSink on top of
// client_golang, using HistogramVec for durations, CounterVec for
// counts, and Gauge/GaugeVec for levels.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is a render.MetricsSink backed by Prometheus collectors.
type Sink struct {
	taskDuration *prometheus.HistogramVec
	tasksTotal   *prometheus.CounterVec
	tasksQueued  prometheus.Counter
	queueDepth   prometheus.Gauge
	workerAlive  *prometheus.GaugeVec
}

// New builds and registers the dispatcher's collectors against reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry, or
// a fresh prometheus.NewRegistry() in tests to avoid collisions across
// test runs.
func New(reg prometheus.Registerer) *Sink {
	s := &Sink{
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "render_task_duration_seconds",
				Help:    "Time taken for a render task to reach a terminal state",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"device", "status"},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_tasks_total",
				Help: "Total render tasks that reached a terminal state",
			},
			[]string{"device", "status"},
		),
		tasksQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "render_tasks_enqueued_total",
				Help: "Total render tasks admitted into the queue",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "render_queue_depth",
				Help: "Number of tasks currently waiting in the queue",
			},
		),
		workerAlive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "render_worker_alive",
				Help: "1 if the worker for this device is currently alive, 0 otherwise",
			},
			[]string{"device"},
		),
	}
	reg.MustRegister(s.taskDuration, s.tasksTotal, s.tasksQueued, s.queueDepth, s.workerAlive)
	return s
}

func (s *Sink) TaskEnqueued() { s.tasksQueued.Inc() }

func (s *Sink) TaskStarted(device string) {}

func (s *Sink) TaskFinished(device, status string, d time.Duration) {
	s.taskDuration.WithLabelValues(device, status).Observe(d.Seconds())
	s.tasksTotal.WithLabelValues(device, status).Inc()
}

func (s *Sink) QueueDepth(n int) { s.queueDepth.Set(float64(n)) }

func (s *Sink) WorkerAlive(device string, alive bool) {
	v := 0.0
	if alive {
		v = 1.0
	}
	s.workerAlive.WithLabelValues(device).Set(v)
}

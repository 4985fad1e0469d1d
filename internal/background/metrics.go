package background

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values for finished tasks.
const (
	outcomeCompleted = "completed"
	outcomeFaulted   = "faulted"
	outcomeCanceled  = "canceled"
)

var (
	tasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fireforget_background_tasks_scheduled_total",
			Help: "Total number of fire-and-forget tasks scheduled.",
		},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireforget_background_tasks_finished_total",
			Help: "Total number of fire-and-forget tasks that reached a terminal state.",
		},
		[]string{"outcome"},
	)

	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fireforget_background_tasks_in_flight",
			Help: "Number of fire-and-forget tasks currently running.",
		},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fireforget_background_task_duration_seconds",
			Help:    "Fire-and-forget task run time, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fireforget_background_drain_duration_seconds",
			Help:    "Time spent waiting for pending tasks, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	drainTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fireforget_background_drain_timeouts_total",
			Help: "Total number of drains that gave up after the completion timeout.",
		},
	)

	registryAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fireforget_background_registry_anomalies_total",
			Help: "Total number of finished tasks whose registry entry was already gone.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksScheduled)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(tasksInFlight)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(drainDuration)
	prometheus.MustRegister(drainTimeouts)
	prometheus.MustRegister(registryAnomalies)

	for _, outcome := range []string{outcomeCompleted, outcomeFaulted, outcomeCanceled} {
		tasksFinished.WithLabelValues(outcome)
	}
}

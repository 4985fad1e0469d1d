package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/fireforget/internal/model"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireforget_tasks_total",
			Help: "Total number of tasks that reached a terminal status.",
		},
		[]string{"kind", "status"},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fireforget_task_events_dropped_total",
			Help: "Total number of task event lines dropped for slow subscribers.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(eventsDropped)

	for _, kind := range []string{model.KindSleep, model.KindEcho, model.KindFail} {
		for _, status := range []string{model.StatusCompleted, model.StatusFailed, model.StatusCanceled, model.StatusKilled} {
			tasksTotal.WithLabelValues(kind, status)
		}
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delayed_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"queue"},
	)

	TasksDequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delayed_tasks_dequeued_total",
			Help: "Total number of tasks dequeued by monitors",
		},
		[]string{"queue"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delayed_tasks_completed_total",
			Help: "Total number of supervised task outcomes",
		},
		[]string{"queue", "status"}, // success, error, timeout, died
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delayed_task_duration_seconds",
			Help:    "Wall-clock time from handing a task to the child until its outcome",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"queue"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delayed_queue_depth",
			Help: "Current number of tasks waiting in queue",
		},
		[]string{"queue"},
	)

	TasksInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delayed_tasks_in_flight",
			Help: "Current number of dequeued, unreleased tasks",
		},
		[]string{"queue"},
	)

	// Child process metrics
	ChildSpawns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delayed_child_spawns_total",
			Help: "Total number of child processes spawned",
		},
		[]string{"queue", "mode"},
	)

	ChildKills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delayed_child_kills_total",
			Help: "Total number of children killed by the monitor (task timeout or broken pipe)",
		},
		[]string{"queue", "signal"},
	)

	// Sweeper metrics
	SweeperTasksRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delayed_sweeper_requeued_total",
			Help: "Total number of lost tasks moved back to their queue",
		},
		[]string{"queue"},
	)

	SweeperNotificationsRepaired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delayed_sweeper_notifications_repaired_total",
			Help: "Total number of notification sentinels added or removed by the sweeper",
		},
		[]string{"queue"},
	)
)

// UpdateQueueGauges refreshes the depth and in-flight gauges for a queue.
func UpdateQueueGauges(queueName string, depth, inFlight int64) {
	QueueDepth.WithLabelValues(queueName).Set(float64(depth))
	TasksInFlight.WithLabelValues(queueName).Set(float64(inFlight))
}

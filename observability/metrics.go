package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of pending tasks per priority band.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_queue_depth",
		Help: "Current number of pending tasks per priority band",
	}, []string{"priority"})

	// TasksEnqueued counts enqueued tasks by priority.
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_enqueued_total",
		Help: "Total number of tasks accepted by the queue",
	}, []string{"priority"})

	// Claims counts claim attempts by outcome.
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_claims_total",
		Help: "Total number of claim attempts",
	}, []string{"outcome"}) // assigned, empty, no_route, at_capacity, throttled

	// TaskRetries counts retry attempts scheduled by the failure path.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_task_retries_total",
		Help: "Total number of task retry attempts",
	})

	// TasksCompleted counts successfully completed tasks.
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_tasks_completed_total",
		Help: "Total number of successfully completed tasks",
	})

	// TasksDeadLettered counts tasks parked on the dead-letter list.
	TasksDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_tasks_dead_lettered_total",
		Help: "Total number of tasks moved to the dead-letter list",
	})

	// TasksPromoted counts scheduled tasks promoted to pending.
	TasksPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_tasks_promoted_total",
		Help: "Total number of scheduled tasks promoted to pending",
	})

	// WorkersExpired counts workers marked offline by the heartbeat sweep.
	WorkersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_workers_expired_total",
		Help: "Total number of workers expired by the heartbeat sweep",
	})

	// ConnectedWorkers tracks the number of live registered workers.
	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_connected_workers",
		Help: "Current number of workers with a live heartbeat",
	})

	// EventPublishFailures counts failed event deliveries (best-effort path).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_event_publish_failures_total",
		Help: "Failed event deliveries, both in-process handlers and stream appends",
	}, []string{"event_type", "reason"})

	// SchedulerLoopDuration tracks the duration of one scheduler sweep.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_scheduler_loop_duration_seconds",
		Help:    "Duration of one promote/expire sweep iteration",
		Buckets: prometheus.DefBuckets,
	})

	// RedisLatency tracks KV store roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (queue spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// ArchiveFailures counts failed archive inserts (best-effort sink).
	ArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskforge_archive_failures_total",
		Help: "Failed inserts into the terminal task archive",
	})
)

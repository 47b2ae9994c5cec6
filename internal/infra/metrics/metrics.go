// Package metrics provides Prometheus metrics for taskpilot: scheduler
// admission, worker pool, agent runs, notifications, archiving and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskpilot"

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksCreated counts tasks accepted into the store.
var TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_created_total",
	Help:      "Total tasks created.",
})

// TasksAdmitted counts tasks moved from the store into the work queue.
var TasksAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_admitted_total",
	Help:      "Total tasks admitted for execution.",
}, []string{"source"}) // scheduler | manual

// TasksFinished counts executions by final status.
var TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_finished_total",
	Help:      "Total finished executions by final status.",
}, []string{"status"})

// TasksActive tracks currently executing tasks.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_active",
	Help:      "Number of currently executing tasks.",
})

// TaskWait tracks time from task creation to execution start.
var TaskWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_wait_seconds",
	Help:      "Time from task creation to execution start.",
	Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
})

// TasksArchived counts tasks archived by the sweeper or by hand.
var TasksArchived = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_archived_total",
	Help:      "Total tasks archived.",
})

// ─── Scheduler ──────────────────────────────────────────────────────────────

// SchedulerTicks counts admission passes by result (ok, idle, disabled, error).
var SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "scheduler_ticks_total",
	Help:      "Total scheduler admission passes by result.",
}, []string{"result"})

// QueueDepth tracks tasks waiting in the work queue.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "queue_depth",
	Help:      "Tasks waiting in the work queue.",
})

// ConfigReloads counts execution config changes picked up at runtime.
var ConfigReloads = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "config_reloads_total",
	Help:      "Total execution config changes applied.",
})

// ─── Workers ────────────────────────────────────────────────────────────────

// Workers tracks the current worker pool size.
var Workers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "workers",
	Help:      "Current worker pool size.",
})

// WorkersAbandoned counts workers that missed the join deadline on stop.
var WorkersAbandoned = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "workers_abandoned_total",
	Help:      "Total workers that did not stop within the join timeout.",
})

// WorkerPanics counts task executions that panicked.
var WorkerPanics = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "worker_panics_total",
	Help:      "Total recovered panics while executing tasks.",
})

// ─── Agent ──────────────────────────────────────────────────────────────────

// AgentRuns counts agent invocations by outcome
// (success, exit_error, timeout, spawn_error, canceled).
var AgentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "agent_runs_total",
	Help:      "Total agent invocations by outcome.",
}, []string{"outcome"})

// AgentDuration tracks agent wall-clock time.
var AgentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "agent_duration_seconds",
	Help:      "Agent run duration in seconds.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300, 600},
})

// AgentOutputLines counts lines streamed from agents.
var AgentOutputLines = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "agent_output_lines_total",
	Help:      "Total output lines streamed from agent processes.",
})

// ─── Notifications ──────────────────────────────────────────────────────────

// Notifications counts outcome deliveries by notifier and result.
var Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "notifications_total",
	Help:      "Total outcome notifications by notifier and result.",
}, []string{"notifier", "result"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks per-check health (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check status (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts.",
}, []string{"check", "result"})

// Package metrics implements Prometheus metrics for the scheduler and
// supervisor, exported alongside stats.Calculator's own gauges on the
// default registry and served by Server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksDispatchedTotal counts dispatch attempts by outcome.
	TasksDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptd",
			Subsystem: "scheduler",
			Name:      "tasks_dispatched_total",
			Help:      "Total number of dispatch attempts, by outcome.",
		},
		[]string{"outcome"}, // "started" or "failed"
	)

	// TaskExecutionsTotal counts completed executions by terminal status.
	TaskExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptd",
			Subsystem: "supervisor",
			Name:      "task_executions_total",
			Help:      "Total number of completed executions, by terminal status.",
		},
		[]string{"status"}, // completed, failed, stopped
	)

	// TaskMemoryUsageMB tracks the most recent RSS sample for a running task.
	TaskMemoryUsageMB = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scriptd",
			Subsystem: "supervisor",
			Name:      "task_memory_usage_mb",
			Help:      "Most recent resident memory sample for a running task, in MB.",
		},
		[]string{"task_id"},
	)

	// MemoryLimitKillsTotal counts executions terminated for exceeding their
	// memory cap.
	MemoryLimitKillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scriptd",
			Subsystem: "supervisor",
			Name:      "memory_limit_kills_total",
			Help:      "Total number of executions killed for exceeding their memory limit.",
		},
	)

	// ControlActionsTotal counts pause/resume/stop requests by outcome.
	ControlActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptd",
			Subsystem: "supervisor",
			Name:      "control_actions_total",
			Help:      "Total number of pause/resume/stop requests, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// EnvironmentOperationsTotal counts Conda environment lifecycle
	// operations by kind and outcome.
	EnvironmentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptd",
			Subsystem: "environment",
			Name:      "operations_total",
			Help:      "Total number of Conda environment operations, by kind and outcome.",
		},
		[]string{"operation", "outcome"},
	)
)

// ClearTaskMemoryUsage removes a task's memory gauge entry once its
// execution has finished, so completed tasks don't linger in /metrics.
func ClearTaskMemoryUsage(taskIDLabel string) {
	TaskMemoryUsageMB.DeleteLabelValues(taskIDLabel)
}

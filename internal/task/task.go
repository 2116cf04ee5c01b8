// Package task implements the scheduled-task domain model: the durable
// Task record, its repository, and the lifecycle invariants that govern
// transitions between scheduled, running, paused and terminal states.
package task

import (
	"fmt"
	"time"
)

// Priority is the dispatch ordering class of a task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for dispatch: higher rank runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the three recognized priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Status is the task lifecycle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Task is the durable, persisted record of a scheduled script execution.
// It carries no transient runtime state: the process pid lives in the
// repository's unexported runtimeState, keyed alongside the Task but never
// marshaled with it, and pause gates are held by the supervisor.
type Task struct {
	TaskID                 int        `json:"task_id"`
	TaskName               string     `json:"task_name"`
	ScriptPath             string     `json:"script_path"`
	Command                string     `json:"command,omitempty"`
	CondaEnv               string     `json:"conda_env"`
	Requirements           string     `json:"requirements,omitempty"`
	CronExpression         string     `json:"cron_expression,omitempty"`
	NextRunTime            *time.Time `json:"next_run_time,omitempty"`
	Priority               Priority   `json:"priority"`
	MemoryLimitMB          int        `json:"memory_limit,omitempty"`
	Status                 Status     `json:"status"`
	CreatedAt              time.Time  `json:"created_at"`
	LastRunTime            *time.Time `json:"last_run_time,omitempty"`
	LastRunDurationSeconds float64    `json:"last_run_duration,omitempty"`
	LastExecutionID        string     `json:"last_execution_id,omitempty"`
	Executions             []string   `json:"executions"`
}

// runtimeState is the unexported, never-persisted counterpart to a Task.
// It exists only while the task's process is alive.
type runtimeState struct {
	ProcessPID int
}

// View is the external-facing projection of a task used by the JSON-RPC
// and CLI surfaces: the persisted fields plus the transient process pid,
// mirroring §3's observation that process_pid is part of the task's
// externally-visible shape even though it is never written to disk.
type View struct {
	Task
	ProcessPID int `json:"process_pid,omitempty"`
}

// Spec is the validated input to create a new task, mirroring the
// scheduler's schedule_task argument list (§4.F).
type Spec struct {
	TaskName       string
	ScriptPath     string
	Command        string
	CondaEnv       string
	Requirements   string
	CronExpression string
	DelaySeconds   *int
	Priority       Priority
	MemoryLimitMB  int
}

// Validate checks the structural invariants a Spec must satisfy before
// admission, independent of repository state (name collisions are checked
// by the repository).
func (s Spec) Validate() error {
	if s.ScriptPath == "" {
		return fmt.Errorf("script_path is required")
	}
	if s.CondaEnv == "" {
		return fmt.Errorf("conda_env is required")
	}
	if s.CronExpression != "" && s.DelaySeconds != nil {
		return fmt.Errorf("cron_expression and delay_seconds are mutually exclusive")
	}
	if s.DelaySeconds != nil && *s.DelaySeconds < 0 {
		return fmt.Errorf("delay_seconds must be non-negative")
	}
	priority := s.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return fmt.Errorf("invalid priority %q", s.Priority)
	}
	// MemoryLimitMB is an int, not *int, so 0 doubles as both "field
	// omitted" and "explicitly zero" on the wire — there is no way to
	// distinguish them without a pointer field throughout the JSON-RPC
	// params, CLI flags, and persisted Task. 0 is treated as "no limit"
	// deliberately (matches the CLI's "0 = unlimited" flag help and
	// sampleMemory's `memoryLimitMB > 0` gate); only a negative value is
	// rejected here.
	if s.MemoryLimitMB < 0 {
		return fmt.Errorf("memory_limit must be positive")
	}
	return nil
}

// newTask constructs a Task in the scheduled state from a validated spec,
// an assigned id, and a precomputed next run time. It does not touch the
// repository.
func newTask(id int, s Spec, nextRunTime time.Time, now time.Time) Task {
	priority := s.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return Task{
		TaskID:         id,
		TaskName:       s.TaskName,
		ScriptPath:     s.ScriptPath,
		Command:        s.Command,
		CondaEnv:       s.CondaEnv,
		Requirements:   s.Requirements,
		CronExpression: s.CronExpression,
		NextRunTime:    &nextRunTime,
		Priority:       priority,
		MemoryLimitMB:  s.MemoryLimitMB,
		Status:         StatusScheduled,
		CreatedAt:      now,
		Executions:     []string{},
	}
}

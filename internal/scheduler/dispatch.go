package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"scriptd/internal/metrics"
	"scriptd/internal/task"
)

// dispatchInterval is the dispatch loop's tick period (§4.F).
const dispatchInterval = time.Second

// Run drives the dispatch loop until ctx is cancelled, following the
// teacher's time.NewTicker/select-on-ctx.Done GC-goroutine pattern in
// internal/daemon/daemon.go.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-ctx.Done():
			return
		}
	}
}

// tick collects due tasks, dispatches them in priority order, and prunes
// expired execution history.
func (s *Scheduler) tick() {
	now := time.Now()
	due := s.dueTasks(now)

	for _, t := range due {
		s.dispatch(t)
	}

	s.history.CleanOldRecords(now)
}

// dueTasks returns scheduled tasks whose next_run_time has arrived, ordered
// by priority descending then next_run_time ascending.
func (s *Scheduler) dueTasks(now time.Time) []task.Task {
	scheduled := s.repo.GetByStatus(task.StatusScheduled)

	due := scheduled[:0:0]
	for _, t := range scheduled {
		if t.NextRunTime != nil && !t.NextRunTime.After(now) {
			due = append(due, t)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority.Rank() != due[j].Priority.Rank() {
			return due[i].Priority.Rank() > due[j].Priority.Rank()
		}
		return due[i].NextRunTime.Before(*due[j].NextRunTime)
	})
	return due
}

// dispatch starts one due task's execution and advances its schedule. The
// repository lock is never held across the supervisor call — Spawn does its
// own locked updates internally, and dispatch only reads/writes the
// schedule fields before and after.
func (s *Scheduler) dispatch(t task.Task) {
	if _, err := s.supervisor.Spawn(t.TaskID); err != nil {
		metrics.TasksDispatchedTotal.WithLabelValues("failed").Inc()
		slog.Warn("scheduler: dispatch failed, task remains scheduled", "task_id", t.TaskID, "error", err)
		return
	}
	metrics.TasksDispatchedTotal.WithLabelValues("started").Inc()

	if t.CronExpression != "" {
		next, aerr := s.computeNextRunTime(task.Spec{CronExpression: t.CronExpression})
		if aerr != nil {
			slog.Warn("scheduler: failed to recompute next run time", "task_id", t.TaskID, "error", aerr)
			return
		}
		if _, err := s.repo.Update(t.TaskID, func(tk *task.Task) error {
			tk.NextRunTime = &next
			return nil
		}); err != nil {
			slog.Warn("scheduler: failed to persist recomputed next run time", "task_id", t.TaskID, "error", err)
		}
	} else {
		if _, err := s.repo.Update(t.TaskID, func(tk *task.Task) error {
			tk.NextRunTime = nil
			return nil
		}); err != nil {
			slog.Warn("scheduler: failed to clear next run time", "task_id", t.TaskID, "error", err)
		}
	}
}

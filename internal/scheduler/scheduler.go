// Package scheduler validates, admits, and dispatches scheduled tasks: it
// owns next-run-time computation, environment provisioning ahead of
// admission, and the 1-second dispatch loop that starts due executions
// through the supervisor.
package scheduler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"scriptd/internal/apperr"
	"scriptd/internal/environment"
	"scriptd/internal/history"
	"scriptd/internal/scripts"
	"scriptd/internal/supervisor"
	"scriptd/internal/task"
)

// Error and ErrorKind re-export the shared discriminated-result type so
// callers outside this package can write scheduler.Error/scheduler.ErrorKind
// without importing apperr directly — the type itself lives in apperr to
// avoid environment and scheduler importing each other.
type Error = apperr.Error
type ErrorKind = apperr.Kind

// cronParser is configured for the classic 5-field crontab layout (minute,
// hour, day-of-month, month, day-of-week) with none of robfig/cron's
// extensions: no seconds field, no @every/@daily descriptors. That matches
// croniter's default field set in the original implementation and keeps
// the accepted grammar exactly what §4.F specifies (Design Note "Cron
// semantics", §9).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler validates and admits tasks, provisions their environments, and
// runs the dispatch loop that starts due executions.
type Scheduler struct {
	repo       *task.Repository
	history    *history.Store
	supervisor *supervisor.Supervisor
	envs       environment.Manager
}

// New creates a Scheduler wired to its collaborators.
func New(repo *task.Repository, hist *history.Store, sup *supervisor.Supervisor, envs environment.Manager) *Scheduler {
	return &Scheduler{repo: repo, history: hist, supervisor: sup, envs: envs}
}

// ScheduleTask validates spec, provisions its environment if requirements
// are given, computes next_run_time, and admits the task.
func (s *Scheduler) ScheduleTask(spec task.Spec, reuseEnv bool) (task.Task, *apperr.Error) {
	if info, err := os.Stat(spec.ScriptPath); err == nil && info.IsDir() {
		entry, err := scripts.ResolveEntryPoint(spec.ScriptPath)
		if err != nil {
			return task.Task{}, apperr.New(apperr.InvalidArgs, "resolve entry point for %q: %v", spec.ScriptPath, err)
		}
		spec.ScriptPath = entry
	}

	if err := spec.Validate(); err != nil {
		return task.Task{}, apperr.New(apperr.InvalidArgs, "%v", err)
	}
	if spec.TaskName == "" {
		spec.TaskName = baseName(spec.ScriptPath)
	}
	if _, exists := s.repo.GetByName(spec.TaskName); exists {
		return task.Task{}, apperr.New(apperr.AlreadyExists, "task name %q already exists", spec.TaskName)
	}

	nextRunTime, aerr := s.computeNextRunTime(spec)
	if aerr != nil {
		return task.Task{}, aerr
	}

	if spec.Requirements != "" && s.envs != nil {
		resolvedEnv, aerr := s.provisionEnvironment(spec.CondaEnv, spec.Requirements, reuseEnv)
		if aerr != nil {
			return task.Task{}, aerr
		}
		spec.CondaEnv = resolvedEnv
	}

	t, err := s.repo.Add(spec, nextRunTime)
	if err != nil {
		return task.Task{}, apperr.New(apperr.AlreadyExists, "%v", err)
	}
	return t, nil
}

// computeNextRunTime mirrors schedule_calculator.py's three branches: cron
// expression, fixed delay, or immediate (next tick).
func (s *Scheduler) computeNextRunTime(spec task.Spec) (time.Time, *apperr.Error) {
	now := time.Now()

	switch {
	case spec.CronExpression != "":
		schedule, err := cronParser.Parse(spec.CronExpression)
		if err != nil {
			return time.Time{}, apperr.New(apperr.InvalidCron, "invalid cron expression %q: %v", spec.CronExpression, err)
		}
		return schedule.Next(now), nil

	case spec.DelaySeconds != nil:
		if *spec.DelaySeconds < 0 {
			return time.Time{}, apperr.New(apperr.InvalidArgs, "delay_seconds must be non-negative")
		}
		return now.Add(time.Duration(*spec.DelaySeconds) * time.Second), nil

	default:
		return now, nil
	}
}

// provisionEnvironment implements §4.F's reuse_env=true/false branches,
// grounded on environment_handler.py's handle_task_environment.
func (s *Scheduler) provisionEnvironment(condaEnv, requirements string, reuseEnv bool) (string, *apperr.Error) {
	packages := parseRequirements(requirements)

	if reuseEnv {
		exists, err := s.envs.Exists(condaEnv)
		if err != nil {
			return "", apperr.New(apperr.IO, "check environment %q: %v", condaEnv, err)
		}
		if !exists {
			return "", apperr.New(apperr.EnvMissing, "environment %q does not exist", condaEnv)
		}
		if _, aerr := s.envs.Install(condaEnv, packages); aerr != nil {
			return "", aerr
		}
		return condaEnv, nil
	}

	name, aerr := s.firstUnusedName(condaEnv)
	if aerr != nil {
		return "", aerr
	}
	if _, aerr := s.envs.Create(name, "", nil); aerr != nil {
		return "", aerr
	}
	if _, aerr := s.envs.Install(name, packages); aerr != nil {
		_ = s.envs.Delete(name)
		return "", aerr
	}
	return name, nil
}

// firstUnusedName picks the first unused name in base, base_1, base_2, ...
func (s *Scheduler) firstUnusedName(base string) (string, *apperr.Error) {
	candidate := base
	for i := 0; ; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", base, i)
		}
		exists, err := s.envs.Exists(candidate)
		if err != nil {
			return "", apperr.New(apperr.IO, "check environment %q: %v", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
	}
}

func parseRequirements(requirements string) []string {
	var out []string
	for _, line := range strings.Split(requirements, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func baseName(path string) string {
	i := strings.LastIndexAny(path, "/\\")
	if i < 0 {
		return path
	}
	return path[i+1:]
}

// TriggerTask runs task_id immediately regardless of its schedule.
// Permitted from scheduled/paused/stopped; forbidden while running. A
// recurring task's regular next_run_time is left untouched.
func (s *Scheduler) TriggerTask(taskID int) *apperr.Error {
	t, ok := s.repo.Get(taskID)
	if !ok {
		return apperr.New(apperr.NotFound, "task %d not found", taskID)
	}
	if t.Status == task.StatusRunning {
		return apperr.New(apperr.IllegalState, "task %d is already running", taskID)
	}

	if t.Status != task.StatusScheduled {
		if _, err := s.repo.Update(taskID, func(tk *task.Task) error {
			tk.Status = task.StatusScheduled
			return nil
		}); err != nil {
			return apperr.New(apperr.IO, "%v", err)
		}
	}

	if _, err := s.supervisor.Spawn(taskID); err != nil {
		return apperr.New(apperr.ChildFailure, "%v", err)
	}
	return nil
}

// UpdateTask applies patch without re-validating the patched fields, and
// recomputes next_run_time when the cron expression changed to a non-empty
// value.
func (s *Scheduler) UpdateTask(taskID int, patch func(*task.Task)) (task.Task, *apperr.Error) {
	var recompute bool
	updated, err := s.repo.Update(taskID, func(tk *task.Task) error {
		before := *tk
		patch(tk)
		if tk.CronExpression != before.CronExpression {
			recompute = true
		}
		return nil
	})
	if err != nil {
		return task.Task{}, apperr.New(apperr.NotFound, "%v", err)
	}

	if recompute && updated.CronExpression != "" {
		nextRunTime, aerr := s.computeNextRunTime(task.Spec{CronExpression: updated.CronExpression})
		if aerr != nil {
			return task.Task{}, aerr
		}
		updated, err = s.repo.Update(taskID, func(tk *task.Task) error {
			tk.NextRunTime = &nextRunTime
			return nil
		})
		if err != nil {
			return task.Task{}, apperr.New(apperr.IO, "%v", err)
		}
	}

	return updated, nil
}

// DeleteTask refuses while the task is running.
func (s *Scheduler) DeleteTask(taskID int) *apperr.Error {
	t, ok := s.repo.Get(taskID)
	if !ok {
		return apperr.New(apperr.NotFound, "task %d not found", taskID)
	}
	if t.Status == task.StatusRunning {
		return apperr.New(apperr.IllegalState, "cannot delete task %d while running", taskID)
	}
	if err := s.repo.Delete(taskID); err != nil {
		return apperr.New(apperr.IO, "%v", err)
	}
	return nil
}

// Package supervisor owns the lifetime of a single task execution: spawning
// the conda-run child process, draining its merged stdout/stderr into the
// execution log, sampling and enforcing its memory limit, and translating
// pause/resume/stop requests into signals delivered over its process tree.
package supervisor

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"scriptd/internal/history"
	"scriptd/internal/metrics"
	"scriptd/internal/task"
)

// memorySampleInterval is how often a running execution's RSS is sampled
// and checked against its memory_limit, per §4.E.
const memorySampleInterval = 500 * time.Millisecond

// Supervisor runs and supervises task executions. One Supervisor serves the
// whole daemon; it tracks one pause gate per currently-running task id.
type Supervisor struct {
	repo    *task.Repository
	history *history.Store

	mu    sync.Mutex
	gates map[int]*pauseGate
}

// New creates a Supervisor backed by repo and hist.
func New(repo *task.Repository, hist *history.Store) *Supervisor {
	return &Supervisor{
		repo:    repo,
		history: hist,
		gates:   make(map[int]*pauseGate),
	}
}

// Spawn starts a new execution of taskID and returns its execution id. The
// child runs in the background; Spawn returns once it has been started,
// not once it finishes.
func (s *Supervisor) Spawn(taskID int) (string, error) {
	t, ok := s.repo.Get(taskID)
	if !ok {
		return "", fmt.Errorf("supervisor: task %d not found", taskID)
	}

	executionID := history.NewExecutionID()
	now := time.Now()

	s.history.AddExecutionRecord(taskID, history.ExecutionRecord{
		ExecutionID:   executionID,
		TaskID:        taskID,
		StartTime:     now,
		Status:        history.ExecutionRunning,
		MemoryUsageMB: []float64{},
	})

	if _, err := s.repo.Update(taskID, func(tk *task.Task) error {
		tk.Status = task.StatusRunning
		tk.LastExecutionID = executionID
		tk.LastRunTime = &now
		tk.Executions = append(tk.Executions, executionID)
		return nil
	}); err != nil {
		return "", err
	}

	gate := newPauseGate()
	s.mu.Lock()
	s.gates[taskID] = gate
	s.mu.Unlock()

	commandLine, workDir := buildCommand(t)

	// The header is written synchronously, before the child is spawned,
	// so its ordering relative to the child's first output line is
	// deterministic — a correction over the Python source, whose header
	// write races the first stdout read (§9 Design Note).
	header := fmt.Sprintf("Executing command: %s\nWorking directory: %s\n\n", commandLine, workDir)
	_ = s.history.AppendLog(taskID, executionID, header)

	go s.run(t, executionID, commandLine, workDir, gate)

	return executionID, nil
}

func buildCommand(t task.Task) (commandLine, workDir string) {
	if t.Command != "" {
		commandLine = fmt.Sprintf("conda run -n %s %s", t.CondaEnv, t.Command)
	} else {
		commandLine = fmt.Sprintf("conda run -n %s python %s", t.CondaEnv, t.ScriptPath)
	}
	return commandLine, filepath.Dir(t.ScriptPath)
}

func (s *Supervisor) run(t task.Task, executionID, commandLine, workDir string, gate *pauseGate) {
	taskID := t.TaskID

	defer func() {
		s.mu.Lock()
		delete(s.gates, taskID)
		s.mu.Unlock()
	}()

	cmd := exec.Command("sh", "-c", commandLine)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		s.finish(taskID, executionID, history.ExecutionFailed, nil, fmt.Sprintf("\nError: %v", err))
		return
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		s.finish(taskID, executionID, history.ExecutionFailed, nil, fmt.Sprintf("\nError: %v", err))
		return
	}
	pw.Close()

	s.repo.SetProcessPID(taskID, cmd.Process.Pid)

	var killedByMemoryLimit bool
	var memoryNote string

	var wg conc.WaitGroup
	wg.Go(func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			gate.Wait()
			_ = s.history.AppendLog(taskID, executionID, scanner.Text()+"\n")
		}
	})
	wg.Go(func() {
		s.sampleMemory(taskID, executionID, cmd.Process.Pid, t.MemoryLimitMB, gate, &killedByMemoryLimit, &memoryNote)
	})

	exitErr := cmd.Wait()
	pr.Close()
	if recovered := wg.WaitAndRecover(); recovered != nil {
		slog.Error("supervisor: execution worker panicked", "task_id", taskID, "panic", recovered.Value)
	}

	// Stop marks the execution stopped before the signalled child exits;
	// keep that outcome instead of recording the kill as a failure.
	if rec, ok := s.history.GetExecutionRecord(taskID, executionID); ok && rec.Status == history.ExecutionStopped {
		s.completeExecution(taskID, executionID, history.ExecutionStopped, task.StatusStopped, nil, "")
		return
	}

	if killedByMemoryLimit {
		s.finish(taskID, executionID, history.ExecutionFailed, nil, memoryNote)
		return
	}

	exitCode := 0
	status := history.ExecutionCompleted
	taskStatus := task.StatusCompleted
	if exitErr != nil {
		status = history.ExecutionFailed
		taskStatus = task.StatusFailed
		if exitCode2, ok := exitErr.(*exec.ExitError); ok {
			exitCode = exitCode2.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.completeExecution(taskID, executionID, status, taskStatus, &exitCode, "")
}

func (s *Supervisor) sampleMemory(taskID int, executionID string, pid, memoryLimitMB int, gate *pauseGate, killed *bool, note *string) {
	ticker := time.NewTicker(memorySampleInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !processAlive(pid) {
			return
		}
		gate.Wait()

		memMB, err := readRSSMB(pid)
		if err != nil {
			continue
		}

		rec, ok := s.history.GetExecutionRecord(taskID, executionID)
		if !ok {
			return
		}
		if rec.Status != history.ExecutionRunning {
			return
		}

		_ = s.history.UpdateExecutionRecord(taskID, executionID, func(r *history.ExecutionRecord) {
			r.MemoryUsageMB = append(r.MemoryUsageMB, memMB)
		})

		taskIDLabel := strconv.Itoa(taskID)
		metrics.TaskMemoryUsageMB.WithLabelValues(taskIDLabel).Set(memMB)

		if memoryLimitMB > 0 && memMB > float64(memoryLimitMB) {
			slog.Warn("task exceeded memory limit, terminating", "task_id", taskID, "limit_mb", memoryLimitMB, "current_mb", memMB)
			*note = fmt.Sprintf("\nTask terminated: Memory usage exceeded limit of %dMB (reached %.2fMB)", memoryLimitMB, memMB)
			*killed = true
			metrics.MemoryLimitKillsTotal.Inc()
			killProcessGroup(pid, syscall.SIGTERM)
			return
		}
	}
}

// finish records an abnormal (spawn-failure or memory-limit) termination.
func (s *Supervisor) finish(taskID int, executionID string, status history.ExecutionStatus, exitCode *int, logSuffix string) {
	taskStatus := task.StatusFailed
	s.completeExecution(taskID, executionID, status, taskStatus, exitCode, logSuffix)
}

func (s *Supervisor) completeExecution(taskID int, executionID string, status history.ExecutionStatus, taskStatus task.Status, exitCode *int, logSuffix string) {
	endTime := time.Now()

	_ = s.history.UpdateExecutionRecord(taskID, executionID, func(r *history.ExecutionRecord) {
		r.Status = status
		r.EndTime = &endTime
		r.DurationSeconds = endTime.Sub(r.StartTime).Seconds()
		r.ExitCode = exitCode
		if logSuffix != "" {
			r.Logs += logSuffix
		}
		if len(r.MemoryUsageMB) > 0 {
			r.PeakMemoryMB = maxFloat(r.MemoryUsageMB)
			r.AvgMemoryMB = avgFloat(r.MemoryUsageMB)
		}
	})

	rec, _ := s.history.GetExecutionRecord(taskID, executionID)

	if _, err := s.repo.Update(taskID, func(tk *task.Task) error {
		// A recurring task returns to scheduled regardless of this
		// execution's outcome — dispatch.go already recomputed its next
		// firing — so the dispatch loop picks it up again next tick,
		// unless it was stopped. A one-shot settles into a terminal
		// completed/failed/stopped status.
		if tk.CronExpression != "" && taskStatus != task.StatusStopped {
			tk.Status = task.StatusScheduled
		} else {
			tk.Status = taskStatus
		}
		tk.LastRunDurationSeconds = rec.DurationSeconds
		return nil
	}); err != nil {
		slog.Warn("supervisor: failed to update task after completion", "task_id", taskID, "error", err)
	}
	s.repo.ClearProcessPID(taskID)
	metrics.TaskExecutionsTotal.WithLabelValues(string(taskStatus)).Inc()
	metrics.ClearTaskMemoryUsage(strconv.Itoa(taskID))
}

// Pause suspends a running task's process tree via SIGSTOP, leaves first.
func (s *Supervisor) Pause(taskID int) (previousStatus task.Status, err error) {
	defer recordControlAction("pause", &err)
	view, ok := s.repo.GetView(taskID)
	if !ok {
		return "", fmt.Errorf("supervisor: task %d not found", taskID)
	}
	if view.Status != task.StatusRunning {
		return view.Status, fmt.Errorf("cannot pause a task with status %q", view.Status)
	}
	if view.ProcessPID == 0 {
		return view.Status, fmt.Errorf("supervisor: task %d has no process pid", taskID)
	}

	s.mu.Lock()
	gate, ok := s.gates[taskID]
	s.mu.Unlock()
	if !ok {
		return view.Status, fmt.Errorf("supervisor: task %d has no execution in progress", taskID)
	}

	previous := view.Status
	if _, err := s.repo.Update(taskID, func(tk *task.Task) error {
		tk.Status = task.StatusPaused
		return nil
	}); err != nil {
		return previous, err
	}
	gate.Close()

	for _, pid := range suspendOrder(view.ProcessPID) {
		if err := syscall.Kill(pid, syscall.SIGSTOP); err != nil {
			slog.Warn("supervisor: SIGSTOP failed", "pid", pid, "error", err)
		}
	}

	s.appendNote(taskID, "\nTask was paused manually. Process execution suspended.")
	return previous, nil
}

// Resume reverses Pause: SIGCONT root-first, then leaves.
func (s *Supervisor) Resume(taskID int) (previousStatus task.Status, err error) {
	defer recordControlAction("resume", &err)
	view, ok := s.repo.GetView(taskID)
	if !ok {
		return "", fmt.Errorf("supervisor: task %d not found", taskID)
	}
	if view.Status != task.StatusPaused {
		return view.Status, fmt.Errorf("cannot resume a task with status %q", view.Status)
	}
	if view.ProcessPID == 0 {
		return view.Status, fmt.Errorf("supervisor: task %d has no process pid", taskID)
	}

	s.mu.Lock()
	gate, ok := s.gates[taskID]
	s.mu.Unlock()
	if !ok {
		return view.Status, fmt.Errorf("supervisor: task %d has no execution in progress", taskID)
	}

	previous := view.Status
	if _, err := s.repo.Update(taskID, func(tk *task.Task) error {
		tk.Status = task.StatusRunning
		return nil
	}); err != nil {
		return previous, err
	}

	for _, pid := range resumeOrder(view.ProcessPID) {
		if err := syscall.Kill(pid, syscall.SIGCONT); err != nil {
			slog.Warn("supervisor: SIGCONT failed", "pid", pid, "error", err)
		}
	}
	gate.Open()

	s.appendNote(taskID, "\nTask was resumed manually. Process execution continued.")
	return previous, nil
}

// Stop terminates a running task, or cancels a scheduled/paused one.
// Already-stopped tasks are refused.
func (s *Supervisor) Stop(taskID int) (previousStatus task.Status, err error) {
	defer recordControlAction("stop", &err)
	view, ok := s.repo.GetView(taskID)
	if !ok {
		return "", fmt.Errorf("supervisor: task %d not found", taskID)
	}

	previous := view.Status
	switch view.Status {
	case task.StatusStopped:
		return previous, fmt.Errorf("task is already stopped")

	case task.StatusRunning:
		if view.ProcessPID != 0 {
			for _, pid := range suspendOrder(view.ProcessPID) {
				if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !isNoSuchProcess(err) {
					slog.Warn("supervisor: SIGTERM failed", "pid", pid, "error", err)
				}
			}
		}
		if _, err := s.repo.Update(taskID, func(tk *task.Task) error {
			tk.Status = task.StatusStopped
			return nil
		}); err != nil {
			return previous, err
		}
		s.repo.ClearProcessPID(taskID)
		if tk, ok := s.repo.Get(taskID); ok && tk.LastExecutionID != "" {
			_ = s.history.UpdateExecutionRecord(taskID, tk.LastExecutionID, func(r *history.ExecutionRecord) {
				r.Status = history.ExecutionStopped
				now := time.Now()
				r.EndTime = &now
				r.Logs += "\nTask was manually stopped."
			})
		}

	default: // scheduled, paused
		if _, err := s.repo.Update(taskID, func(tk *task.Task) error {
			tk.Status = task.StatusStopped
			tk.NextRunTime = nil
			return nil
		}); err != nil {
			return previous, err
		}
	}

	return previous, nil
}

// recordControlAction increments the control-action counter for a
// pause/resume/stop request once the call returns, classifying it by
// whether it produced an error.
func recordControlAction(action string, err *error) {
	outcome := "ok"
	if err != nil && *err != nil {
		outcome = "error"
	}
	metrics.ControlActionsTotal.WithLabelValues(action, outcome).Inc()
}

func (s *Supervisor) appendNote(taskID int, note string) {
	tk, ok := s.repo.Get(taskID)
	if !ok || tk.LastExecutionID == "" {
		return
	}
	_ = s.history.UpdateExecutionRecord(taskID, tk.LastExecutionID, func(r *history.ExecutionRecord) {
		r.Logs += note
	})
}

func killProcessGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		slog.Warn("supervisor: failed to signal process group", "pgid", pid, "error", err)
	}
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func isNoSuchProcess(err error) bool {
	return err == syscall.ESRCH
}

func readRSSMB(pid int) (float64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected statm format for pid %d", pid)
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	bytes := pages * int64(os.Getpagesize())
	return float64(bytes) / (1024 * 1024), nil
}

func maxFloat(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func avgFloat(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

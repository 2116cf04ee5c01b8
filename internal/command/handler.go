// Package command implements the control plane: a JSON-RPC-style method
// table over task scheduling, execution control, environment management,
// statistics, and backups, dispatched from a Command/Response envelope
// transport-agnostic enough to sit behind the Unix domain socket server.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"scriptd/internal/apperr"
	"scriptd/internal/environment"
	"scriptd/internal/history"
	"scriptd/internal/persistence"
	"scriptd/internal/scheduler"
	"scriptd/internal/stats"
	"scriptd/internal/supervisor"
	"scriptd/internal/task"
)

// CommandHandler dispatches control plane commands to the scheduling,
// execution, environment, and persistence subsystems.
type CommandHandler struct {
	repo       *task.Repository
	history    *history.Store
	envs       environment.Manager
	scheduler  *scheduler.Scheduler
	supervisor *supervisor.Supervisor
	stats      *stats.Calculator
	store      *persistence.Store

	configReloader ConfigReloader
	shutdownFunc   func()
	startTime      int64
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// NewCommandHandler creates a command handler wired to every subsystem it
// dispatches into.
func NewCommandHandler(
	repo *task.Repository,
	hist *history.Store,
	envs environment.Manager,
	sched *scheduler.Scheduler,
	sup *supervisor.Supervisor,
	statsCalc *stats.Calculator,
	store *persistence.Store,
	reloader ConfigReloader,
) *CommandHandler {
	return &CommandHandler{
		repo:           repo,
		history:        hist,
		envs:           envs,
		scheduler:      sched,
		supervisor:     sup,
		stats:          statsCalc,
		store:          store,
		configReloader: reloader,
		startTime:      time.Now().Unix(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents one control plane request.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// JSON-RPC 2.0 reserves -32768..-32000 for protocol-level errors; the
// -3200x range below is this server's implementation-defined extension,
// one code per apperr.Kind (§7).
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	errCodeNotFound        = -32001
	errCodeAlreadyExists   = -32002
	errCodeIllegalState    = -32003
	errCodeInvalidCron     = -32004
	errCodeEnvMissing      = -32005
	errCodeInUse           = -32006
	errCodePackageNotFound = -32007
	errCodeIO              = -32008
	errCodeChildFailure    = -32009
)

var kindToCode = map[apperr.Kind]int{
	apperr.InvalidArgs:     ErrCodeInvalidParams,
	apperr.NotFound:        errCodeNotFound,
	apperr.AlreadyExists:   errCodeAlreadyExists,
	apperr.IllegalState:    errCodeIllegalState,
	apperr.InvalidCron:     errCodeInvalidCron,
	apperr.EnvMissing:      errCodeEnvMissing,
	apperr.InUse:           errCodeInUse,
	apperr.PackageNotFound: errCodePackageNotFound,
	apperr.IO:              errCodeIO,
	apperr.ChildFailure:    errCodeChildFailure,
}

// appError converts a discriminated apperr.Error into a Response.
func appError(id string, aerr *apperr.Error) Response {
	code, ok := kindToCode[aerr.Kind]
	if !ok {
		code = ErrCodeInternalError
	}
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: aerr.Message, Kind: string(aerr.Kind), Payload: aerr.Payload}}
}

func invalidParams(id string, err error) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}}
}

func internalError(id string, err error) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: ErrCodeInternalError, Message: err.Error()}}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "task.schedule":
		return h.handleTaskSchedule(cmd)
	case "task.list":
		return h.handleTaskList(cmd)
	case "task.get":
		return h.handleTaskGet(cmd)
	case "task.update":
		return h.handleTaskUpdate(cmd)
	case "task.delete":
		return h.handleTaskDelete(cmd)
	case "task.trigger":
		return h.handleTaskTrigger(cmd)
	case "task.pause":
		return h.handleTaskPause(cmd)
	case "task.resume":
		return h.handleTaskResume(cmd)
	case "task.stop":
		return h.handleTaskStop(cmd)
	case "task.logs":
		return h.handleTaskLogs(cmd)
	case "stats.get":
		return h.handleStatsGet(cmd)
	case "env.list":
		return h.handleEnvList(cmd)
	case "env.create":
		return h.handleEnvCreate(cmd)
	case "env.delete":
		return h.handleEnvDelete(cmd)
	case "env.install":
		return h.handleEnvInstall(cmd)
	case "env.remove":
		return h.handleEnvRemove(cmd)
	case "backup.create":
		return h.handleBackupCreate(cmd)
	case "backup.restore":
		return h.handleBackupRestore(cmd)
	case "backup.list":
		return h.handleBackupList(cmd)
	case "config_reload":
		return h.handleConfigReload(ctx, cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(cmd)
	case "daemon_status":
		return h.handleDaemonStatus(cmd)
	default:
		return Response{ID: cmd.ID, Error: &ErrorInfo{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method %q not found", cmd.Method)}}
	}
}

// ─── task.* ─────────────────────────────────────────────────────────────

// TaskScheduleParams is the request body for task.schedule, mirroring
// schedule_task's multipart form fields (§4.F).
type TaskScheduleParams struct {
	TaskName       string       `json:"task_name"`
	ScriptPath     string       `json:"script_path"`
	Command        string       `json:"command"`
	CondaEnv       string       `json:"conda_env"`
	Requirements   string       `json:"requirements"`
	CronExpression string       `json:"cron_expression"`
	DelaySeconds   *int         `json:"delay_seconds"`
	Priority       task.Priority `json:"priority"`
	MemoryLimitMB  int          `json:"memory_limit"`
	ReuseEnv       bool         `json:"reuse_env"`
}

func (h *CommandHandler) handleTaskSchedule(cmd Command) Response {
	var p TaskScheduleParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}

	spec := task.Spec{
		TaskName:       p.TaskName,
		ScriptPath:     p.ScriptPath,
		Command:        p.Command,
		CondaEnv:       p.CondaEnv,
		Requirements:   p.Requirements,
		CronExpression: p.CronExpression,
		DelaySeconds:   p.DelaySeconds,
		Priority:       p.Priority,
		MemoryLimitMB:  p.MemoryLimitMB,
	}

	t, aerr := h.scheduler.ScheduleTask(spec, p.ReuseEnv)
	if aerr != nil {
		return appError(cmd.ID, aerr)
	}
	return Response{ID: cmd.ID, Result: t}
}

func (h *CommandHandler) handleTaskList(cmd Command) Response {
	tasks := h.repo.List()
	views := make([]task.View, 0, len(tasks))
	for _, t := range tasks {
		v, _ := h.repo.GetView(t.TaskID)
		views = append(views, v)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"tasks": views, "count": len(views)}}
}

// TaskIDParams is the request body for any task.* command keyed solely by
// task_id.
type TaskIDParams struct {
	TaskID int `json:"task_id"`
}

func (h *CommandHandler) handleTaskGet(cmd Command) Response {
	var p TaskIDParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	v, ok := h.repo.GetView(p.TaskID)
	if !ok {
		return appError(cmd.ID, apperr.New(apperr.NotFound, "task %d not found", p.TaskID))
	}
	return Response{ID: cmd.ID, Result: v}
}

// TaskUpdateParams patches a subset of a task's mutable fields. Fields left
// nil are left untouched.
type TaskUpdateParams struct {
	TaskID         int            `json:"task_id"`
	TaskName       *string        `json:"task_name"`
	Command        *string        `json:"command"`
	CondaEnv       *string        `json:"conda_env"`
	CronExpression *string        `json:"cron_expression"`
	Priority       *task.Priority `json:"priority"`
	MemoryLimitMB  *int           `json:"memory_limit"`
}

func (h *CommandHandler) handleTaskUpdate(cmd Command) Response {
	var p TaskUpdateParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}

	updated, aerr := h.scheduler.UpdateTask(p.TaskID, func(t *task.Task) {
		if p.TaskName != nil {
			t.TaskName = *p.TaskName
		}
		if p.Command != nil {
			t.Command = *p.Command
		}
		if p.CondaEnv != nil {
			t.CondaEnv = *p.CondaEnv
		}
		if p.CronExpression != nil {
			t.CronExpression = *p.CronExpression
		}
		if p.Priority != nil {
			t.Priority = *p.Priority
		}
		if p.MemoryLimitMB != nil {
			t.MemoryLimitMB = *p.MemoryLimitMB
		}
	})
	if aerr != nil {
		return appError(cmd.ID, aerr)
	}
	return Response{ID: cmd.ID, Result: updated}
}

func (h *CommandHandler) handleTaskDelete(cmd Command) Response {
	var p TaskIDParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	if aerr := h.scheduler.DeleteTask(p.TaskID); aerr != nil {
		return appError(cmd.ID, aerr)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": p.TaskID, "status": "deleted"}}
}

func (h *CommandHandler) handleTaskTrigger(cmd Command) Response {
	var p TaskIDParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	if aerr := h.scheduler.TriggerTask(p.TaskID); aerr != nil {
		return appError(cmd.ID, aerr)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": p.TaskID, "status": "triggered"}}
}

func (h *CommandHandler) handleTaskPause(cmd Command) Response {
	var p TaskIDParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	status, err := h.supervisor.Pause(p.TaskID)
	if err != nil {
		return internalError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": p.TaskID, "status": status}}
}

func (h *CommandHandler) handleTaskResume(cmd Command) Response {
	var p TaskIDParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	status, err := h.supervisor.Resume(p.TaskID)
	if err != nil {
		return internalError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": p.TaskID, "status": status}}
}

func (h *CommandHandler) handleTaskStop(cmd Command) Response {
	var p TaskIDParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	status, err := h.supervisor.Stop(p.TaskID)
	if err != nil {
		return internalError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": p.TaskID, "status": status}}
}

// TaskLogsParams requests the buffered log for one execution, defaulting
// to the task's most recent one.
type TaskLogsParams struct {
	TaskID      int    `json:"task_id"`
	ExecutionID string `json:"execution_id"`
}

func (h *CommandHandler) handleTaskLogs(cmd Command) Response {
	var p TaskLogsParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}

	executionID := p.ExecutionID
	if executionID == "" {
		t, ok := h.repo.Get(p.TaskID)
		if !ok {
			return appError(cmd.ID, apperr.New(apperr.NotFound, "task %d not found", p.TaskID))
		}
		executionID = t.LastExecutionID
	}
	if executionID == "" {
		return appError(cmd.ID, apperr.New(apperr.NotFound, "task %d has no executions", p.TaskID))
	}

	logs, ok := h.history.GetExecutionLogs(p.TaskID, executionID)
	if !ok {
		return appError(cmd.ID, apperr.New(apperr.NotFound, "execution %q not found for task %d", executionID, p.TaskID))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": p.TaskID, "execution_id": executionID, "logs": logs}}
}

// ─── stats.* ────────────────────────────────────────────────────────────

func (h *CommandHandler) handleStatsGet(cmd Command) Response {
	snap := h.stats.Compute(time.Now())
	return Response{ID: cmd.ID, Result: snap}
}

// ─── env.* ──────────────────────────────────────────────────────────────

func (h *CommandHandler) handleEnvList(cmd Command) Response {
	envs, err := h.envs.List()
	if err != nil {
		return internalError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"environments": envs, "count": len(envs)}}
}

// EnvCreateParams is the request body for env.create.
type EnvCreateParams struct {
	Name          string   `json:"name"`
	PythonVersion string   `json:"python_version"`
	Packages      []string `json:"packages"`
}

func (h *CommandHandler) handleEnvCreate(cmd Command) Response {
	var p EnvCreateParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	rec, aerr := h.envs.Create(p.Name, p.PythonVersion, p.Packages)
	if aerr != nil {
		return appError(cmd.ID, aerr)
	}
	return Response{ID: cmd.ID, Result: rec}
}

// EnvNameParams is the request body for any env.* command keyed solely by
// environment name.
type EnvNameParams struct {
	Name string `json:"name"`
}

func (h *CommandHandler) handleEnvDelete(cmd Command) Response {
	var p EnvNameParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	if aerr := h.envs.Delete(p.Name); aerr != nil {
		return appError(cmd.ID, aerr)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"name": p.Name, "status": "deleted"}}
}

// EnvPackagesParams is the request body for env.install and env.remove.
type EnvPackagesParams struct {
	Name     string   `json:"name"`
	Packages []string `json:"packages"`
}

func (h *CommandHandler) handleEnvInstall(cmd Command) Response {
	var p EnvPackagesParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	rec, aerr := h.envs.Install(p.Name, p.Packages)
	if aerr != nil {
		return appError(cmd.ID, aerr)
	}
	return Response{ID: cmd.ID, Result: rec}
}

func (h *CommandHandler) handleEnvRemove(cmd Command) Response {
	var p EnvPackagesParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	rec, aerr := h.envs.Remove(p.Name, p.Packages)
	if aerr != nil {
		return appError(cmd.ID, aerr)
	}
	return Response{ID: cmd.ID, Result: rec}
}

// ─── backup.* ───────────────────────────────────────────────────────────

func (h *CommandHandler) handleBackupCreate(cmd Command) Response {
	name, err := h.store.Backup(time.Now())
	if err != nil {
		return internalError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"name": name}}
}

func (h *CommandHandler) handleBackupRestore(cmd Command) Response {
	var p EnvNameParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return invalidParams(cmd.ID, err)
	}
	if err := h.store.Restore(p.Name); err != nil {
		return internalError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"name": p.Name, "status": "restored"}}
}

func (h *CommandHandler) handleBackupList(cmd Command) Response {
	names, err := h.store.ListBackups()
	if err != nil {
		return internalError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"backups": names}}
}

// ─── daemon / config ────────────────────────────────────────────────────

func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return Response{ID: cmd.ID, Error: &ErrorInfo{Code: ErrCodeInternalError, Message: "config reloader not available"}}
	}
	if err := h.configReloader.Reload(); err != nil {
		return internalError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "reloaded"}}
}

func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return Response{ID: cmd.ID, Error: &ErrorInfo{Code: ErrCodeInternalError, Message: "shutdown handler not registered"}}
	}
	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc()
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "shutting_down"}}
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	tasks := h.repo.List()
	uptimeSeconds := time.Now().Unix() - h.startTime
	return Response{ID: cmd.ID, Result: map[string]interface{}{
		"version":    "0.1.0",
		"uptime_sec": uptimeSeconds,
		"task_count": len(tasks),
	}}
}

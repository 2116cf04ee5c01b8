package command

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"scriptd/internal/environment"
	"scriptd/internal/history"
	"scriptd/internal/persistence"
	"scriptd/internal/scheduler"
	"scriptd/internal/stats"
	"scriptd/internal/supervisor"
	"scriptd/internal/task"
)

func newTestHandler(t *testing.T) *CommandHandler {
	t.Helper()
	store, err := persistence.New(t.TempDir())
	require.NoError(t, err)

	repo, err := task.NewRepository(store)
	require.NoError(t, err)

	hist, err := history.NewStore(store)
	require.NoError(t, err)

	envs, err := environment.NewInMemoryManager(store, repo)
	require.NoError(t, err)

	sup := supervisor.New(repo, hist)
	sched := scheduler.New(repo, hist, sup, envs)
	statsCalc := stats.New(repo, hist)

	return NewCommandHandler(repo, hist, envs, sched, sup, statsCalc, store, nil)
}

func call(t *testing.T, h *CommandHandler, method string, params any) Response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return h.Handle(context.Background(), Command{Method: method, Params: raw, ID: "1"})
}

func TestHandleTaskScheduleAndGet(t *testing.T) {
	h := newTestHandler(t)

	resp := call(t, h, "task.schedule", TaskScheduleParams{
		ScriptPath: "/scripts/hello.py",
		CondaEnv:   "base",
		Priority:   task.PriorityNormal,
	})
	require.Nil(t, resp.Error)

	listResp := call(t, h, "task.list", nil)
	require.Nil(t, listResp.Error)

	result, ok := listResp.Result.(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 1, result["count"])

	getResp := call(t, h, "task.get", TaskIDParams{TaskID: 1})
	require.Nil(t, getResp.Error)
}

func TestHandleTaskScheduleMissingScriptPath(t *testing.T) {
	h := newTestHandler(t)

	resp := call(t, h, "task.schedule", TaskScheduleParams{CondaEnv: "base"})
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandleTaskGetNotFound(t *testing.T) {
	h := newTestHandler(t)

	resp := call(t, h, "task.get", TaskIDParams{TaskID: 99})
	require.NotNil(t, resp.Error)
	require.Equal(t, "not_found", resp.Error.Kind)
}

func TestHandleTaskDelete(t *testing.T) {
	h := newTestHandler(t)

	call(t, h, "task.schedule", TaskScheduleParams{ScriptPath: "/scripts/a.py", CondaEnv: "base"})
	resp := call(t, h, "task.delete", TaskIDParams{TaskID: 1})
	require.Nil(t, resp.Error)

	getResp := call(t, h, "task.get", TaskIDParams{TaskID: 1})
	require.NotNil(t, getResp.Error)
}

func TestHandleEnvLifecycle(t *testing.T) {
	h := newTestHandler(t)

	createResp := call(t, h, "env.create", EnvCreateParams{Name: "ml-env", PythonVersion: "3.11"})
	require.Nil(t, createResp.Error)

	listResp := call(t, h, "env.list", nil)
	require.Nil(t, listResp.Error)

	deleteResp := call(t, h, "env.delete", EnvNameParams{Name: "ml-env"})
	require.Nil(t, deleteResp.Error)
}

func TestHandleStatsGet(t *testing.T) {
	h := newTestHandler(t)
	resp := call(t, h, "stats.get", nil)
	require.Nil(t, resp.Error)
	_, ok := resp.Result.(stats.Snapshot)
	require.True(t, ok)
}

func TestHandleMethodNotFound(t *testing.T) {
	h := newTestHandler(t)
	resp := call(t, h, "bogus.method", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestHandleConfigReloadNotRegistered(t *testing.T) {
	h := newTestHandler(t)
	resp := call(t, h, "config_reload", nil)
	require.NotNil(t, resp.Error)
}

func TestHandleDaemonStatus(t *testing.T) {
	h := newTestHandler(t)
	resp := call(t, h, "daemon_status", nil)
	require.Nil(t, resp.Error)
}

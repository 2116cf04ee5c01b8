package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scriptd/internal/environment"
	"scriptd/internal/history"
	"scriptd/internal/persistence"
	"scriptd/internal/supervisor"
	"scriptd/internal/task"
)

func newTestScheduler(t *testing.T) *Scheduler {
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
	return New(repo, hist, sup, envs)
}

func TestDueTasks_OrdersByPriorityThenNextRunTime(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()

	low, aerr := s.ScheduleTask(task.Spec{
		TaskName: "low", ScriptPath: "/scripts/low.py", CondaEnv: "base",
		Priority: task.PriorityLow, DelaySeconds: intPtr(0),
	}, false)
	require.Nil(t, aerr)

	high, aerr := s.ScheduleTask(task.Spec{
		TaskName: "high", ScriptPath: "/scripts/high.py", CondaEnv: "base",
		Priority: task.PriorityHigh, DelaySeconds: intPtr(0),
	}, false)
	require.Nil(t, aerr)

	normalEarlier, aerr := s.ScheduleTask(task.Spec{
		TaskName: "normal-earlier", ScriptPath: "/scripts/normal1.py", CondaEnv: "base",
		Priority: task.PriorityNormal, DelaySeconds: intPtr(0),
	}, false)
	require.Nil(t, aerr)

	normalLater, aerr := s.ScheduleTask(task.Spec{
		TaskName: "normal-later", ScriptPath: "/scripts/normal2.py", CondaEnv: "base",
		Priority: task.PriorityNormal, DelaySeconds: intPtr(0),
	}, false)
	require.Nil(t, aerr)

	// Force normalLater's next_run_time later than normalEarlier's so
	// priority ties break on ascending next_run_time.
	_, err := s.repo.Update(normalLater.TaskID, func(tk *task.Task) error {
		later := *tk.NextRunTime
		later = later.Add(time.Second)
		tk.NextRunTime = &later
		return nil
	})
	require.NoError(t, err)

	due := s.dueTasks(now.Add(time.Hour))
	require.Len(t, due, 4)

	ids := make([]int, len(due))
	for i, d := range due {
		ids[i] = d.TaskID
	}
	require.Equal(t, []int{high.TaskID, normalEarlier.TaskID, normalLater.TaskID, low.TaskID}, ids)
}

func TestDueTasks_ExcludesNotYetDue(t *testing.T) {
	s := newTestScheduler(t)

	_, aerr := s.ScheduleTask(task.Spec{
		TaskName: "future", ScriptPath: "/scripts/future.py", CondaEnv: "base",
		Priority: task.PriorityNormal, DelaySeconds: intPtr(3600),
	}, false)
	require.Nil(t, aerr)

	due := s.dueTasks(time.Now())
	require.Empty(t, due)
}

func TestDispatch_CronTaskReturnsToScheduledAfterCompletion(t *testing.T) {
	s := newTestScheduler(t)

	created, aerr := s.ScheduleTask(task.Spec{
		TaskName: "recurring", ScriptPath: "/bin/true", CondaEnv: "base",
		Priority: task.PriorityNormal, CronExpression: "* * * * *",
	}, false)
	require.Nil(t, aerr)
	require.NotNil(t, created.NextRunTime)

	firstNextRun := *created.NextRunTime
	s.dispatch(created)

	// dispatch() recomputes next_run_time immediately, ahead of the
	// spawned execution finishing.
	dispatched, ok := s.repo.Get(created.TaskID)
	require.True(t, ok)
	require.NotNil(t, dispatched.NextRunTime)
	require.True(t, dispatched.NextRunTime.After(firstNextRun) || dispatched.NextRunTime.Equal(firstNextRun))

	require.Eventually(t, func() bool {
		tk, ok := s.repo.Get(created.TaskID)
		return ok && tk.Status == task.StatusScheduled
	}, 2*time.Second, 10*time.Millisecond, "recurring task must return to scheduled after its execution completes")
}

func intPtr(n int) *int { return &n }

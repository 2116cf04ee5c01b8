package task

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"scriptd/internal/environment"
	"scriptd/internal/persistence"
)

// persistedState is the on-disk shape of the task set, matching
// tasks.json's data payload: the task list plus the monotonic id counter.
type persistedState struct {
	Tasks      []Task `json:"tasks"`
	NextTaskID int    `json:"next_task_id"`
}

// entry pairs a durable Task with its unexported, never-persisted runtime
// state inside the repository.
type entry struct {
	task    Task
	runtime runtimeState
}

// Repository is the mutex-guarded, in-memory set of tasks, persisted
// through the given Store. Reads return copies; the internal map is never
// exposed.
type Repository struct {
	mu      sync.RWMutex
	entries map[int]*entry
	nextID  int
	store   *persistence.Store
}

// NewRepository creates a Repository backed by store, loading any
// previously persisted task set. next_task_id is recomputed as
// max(persisted, max(task_id)+1) to guarantee strict monotonicity even if
// the persisted counter lagged behind the task list.
func NewRepository(store *persistence.Store) (*Repository, error) {
	r := &Repository{
		entries: make(map[int]*entry),
		nextID:  1,
		store:   store,
	}

	var state persistedState
	ok, err := store.LoadTasks(&state)
	if err != nil {
		return nil, fmt.Errorf("task: load persisted tasks: %w", err)
	}
	if !ok {
		return r, nil
	}

	maxID := 0
	for _, t := range state.Tasks {
		t := t
		r.entries[t.TaskID] = &entry{task: t}
		if t.TaskID > maxID {
			maxID = t.TaskID
		}
	}
	r.nextID = state.NextTaskID
	if maxID+1 > r.nextID {
		r.nextID = maxID + 1
	}

	slog.Info("task repository loaded", "count", len(r.entries), "next_task_id", r.nextID)
	return r, nil
}

// Add admits a new task with status=scheduled and the given next run time.
// The task name must not collide with any existing task.
func (r *Repository) Add(spec Spec, nextRunTime time.Time) (Task, error) {
	r.mu.Lock()
	for _, e := range r.entries {
		if e.task.TaskName == spec.TaskName {
			r.mu.Unlock()
			return Task{}, fmt.Errorf("task name %q already exists", spec.TaskName)
		}
	}

	id := r.nextID
	r.nextID++
	t := newTask(id, spec, nextRunTime, time.Now())
	r.entries[id] = &entry{task: t}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(snapshot)
	return t, nil
}

// Get returns a copy of the task with the given id.
func (r *Repository) Get(id int) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

// GetView returns the task plus its transient process pid.
func (r *Repository) GetView(id int) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return View{}, false
	}
	return View{Task: e.task, ProcessPID: e.runtime.ProcessPID}, true
}

// GetByName returns a copy of the task with the given name.
func (r *Repository) GetByName(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.task.TaskName == name {
			return e.task, true
		}
	}
	return Task{}, false
}

// GetByStatus returns copies of every task in the given status.
func (r *Repository) GetByStatus(status Status) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, e := range r.entries {
		if e.task.Status == status {
			out = append(out, e.task)
		}
	}
	return out
}

// List returns copies of all tasks, ordered by task id.
func (r *Repository) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// TasksByCondaEnv returns a minimal summary of every task referencing the
// named environment, for environment.Manager's CheckInUse.
func (r *Repository) TasksByCondaEnv(name string) []environment.TaskSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []environment.TaskSummary
	for _, e := range r.entries {
		if e.task.CondaEnv == name {
			out = append(out, environment.TaskSummary{TaskID: e.task.TaskID, TaskName: e.task.TaskName})
		}
	}
	return out
}

// RewriteCondaEnvReferences updates every task with conda_env == oldName to
// reference newName, used when an environment is renamed. Returns the
// number of tasks updated. Persists once for the whole batch.
func (r *Repository) RewriteCondaEnvReferences(oldName, newName string) int {
	r.mu.Lock()
	count := 0
	for _, e := range r.entries {
		if e.task.CondaEnv == oldName {
			e.task.CondaEnv = newName
			count++
		}
	}
	if count == 0 {
		r.mu.Unlock()
		return 0
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(snapshot)
	return count
}

// Update applies mutate to the task with the given id under the repository
// lock and persists the result outside the lock. mutate may return an error
// to abort the update (e.g. an illegal state transition); no persistence
// occurs in that case.
func (r *Repository) Update(id int, mutate func(*Task) error) (Task, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Task{}, fmt.Errorf("task %d not found", id)
	}
	if err := mutate(&e.task); err != nil {
		r.mu.Unlock()
		return Task{}, err
	}
	updated := e.task
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(snapshot)
	return updated, nil
}

// SetProcessPID records the transient process id for a running/paused task.
func (r *Repository) SetProcessPID(id, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.runtime.ProcessPID = pid
	}
}

// ClearProcessPID removes the transient process id once an execution ends.
func (r *Repository) ClearProcessPID(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.runtime.ProcessPID = 0
	}
}

// Delete removes a task. Refuses while the task is running.
func (r *Repository) Delete(id int) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("task %d not found", id)
	}
	if e.task.Status == StatusRunning {
		r.mu.Unlock()
		return fmt.Errorf("cannot delete task %d while running", id)
	}
	delete(r.entries, id)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(snapshot)
	return nil
}

// snapshotLocked must be called with r.mu held.
func (r *Repository) snapshotLocked() persistedState {
	tasks := make([]Task, 0, len(r.entries))
	for _, e := range r.entries {
		tasks = append(tasks, e.task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return persistedState{Tasks: tasks, NextTaskID: r.nextID}
}

func (r *Repository) persist(state persistedState) {
	if err := r.store.SaveTasks(state); err != nil {
		slog.Warn("failed to persist task set", "error", err)
	}
}

package environment

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"scriptd/internal/apperr"
	"scriptd/internal/metrics"
	"scriptd/internal/persistence"
)

// defaultPythonVersion is used when Create is not given an explicit version,
// matching env_manager.py's "未知"/unknown fallback being replaced by a
// concrete default since this adapter never shells out to conda to probe one.
const defaultPythonVersion = "3.10"

// InMemoryManager is the reference Manager adapter: it tracks environment
// metadata and reverse task references without shelling out to the conda
// CLI, which is an external collaborator out of scope per spec.md §1. It is
// the Manager the scheduler and its tests run against.
type InMemoryManager struct {
	mu    sync.RWMutex
	envs  map[string]Record
	store *persistence.Store
	tasks TaskLister
}

// NewInMemoryManager creates a manager backed by store's env-metadata files,
// loading every previously persisted environment record, and consulting
// tasks for reverse in-use/rename lookups.
func NewInMemoryManager(store *persistence.Store, tasks TaskLister) (*InMemoryManager, error) {
	m := &InMemoryManager{
		envs:  make(map[string]Record),
		store: store,
		tasks: tasks,
	}

	names, err := store.ListEnvNames()
	if err != nil {
		return nil, fmt.Errorf("environment: list persisted envs: %w", err)
	}
	for _, name := range names {
		var rec Record
		ok, err := store.LoadEnv(name, &rec)
		if err != nil {
			slog.Warn("environment: failed to load env metadata", "name", name, "error", err)
			continue
		}
		if ok {
			m.envs[name] = rec
		}
	}
	slog.Info("environment manager loaded", "count", len(m.envs))
	return m, nil
}

// List returns every known environment, sorted by name. The base
// environment is never tracked here, so there is nothing to exclude.
func (m *InMemoryManager) List() ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.envs))
	for _, rec := range m.envs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Exists reports whether name is a known environment.
func (m *InMemoryManager) Exists(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.envs[name]
	return ok, nil
}

// Create provisions a new environment record. packages are accepted
// verbatim as name@version==unspecified placeholders resolved to "" version,
// since resolving actual package versions requires the external conda CLI.
func (m *InMemoryManager) Create(name, pythonVersion string, packages []string) (rec Record, aerr *apperr.Error) {
	defer recordEnvOp("create", &aerr)

	if name == "" {
		return Record{}, apperr.New(apperr.InvalidArgs, "environment name is required")
	}

	m.mu.Lock()
	if _, exists := m.envs[name]; exists {
		m.mu.Unlock()
		return Record{}, apperr.New(apperr.AlreadyExists, "environment %q already exists", name)
	}

	if pythonVersion == "" {
		pythonVersion = defaultPythonVersion
	}
	now := time.Now()
	rec = Record{
		Name:          name,
		PythonVersion: pythonVersion,
		Packages:      packagesFrom(packages),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.envs[name] = rec
	m.mu.Unlock()

	if err := m.store.SaveEnv(name, rec); err != nil {
		return Record{}, apperr.New(apperr.IO, "persist environment %q: %v", name, err)
	}
	return rec, nil
}

// Delete removes name. Fails with InUse if any live task references it.
func (m *InMemoryManager) Delete(name string) (aerr *apperr.Error) {
	defer recordEnvOp("delete", &aerr)

	inUse, referencing, err := m.CheckInUse(name)
	if err != nil {
		return apperr.New(apperr.IO, "check environment %q in use: %v", name, err)
	}
	if inUse {
		return apperr.WithPayload(apperr.InUse, referencing, "environment %q is referenced by %d task(s)", name, len(referencing))
	}

	m.mu.Lock()
	if _, exists := m.envs[name]; !exists {
		m.mu.Unlock()
		return apperr.New(apperr.NotFound, "environment %q not found", name)
	}
	delete(m.envs, name)
	m.mu.Unlock()

	if err := m.store.DeleteEnv(name); err != nil {
		return apperr.New(apperr.IO, "delete environment %q: %v", name, err)
	}
	return nil
}

// Rename moves oldName to newName, rewriting every task that references it.
// Rename is never blocked by in-use status — this is intentional (§9):
// renaming an environment a task currently references updates the
// reference rather than refusing the rename.
func (m *InMemoryManager) Rename(oldName, newName string) *apperr.Error {
	if newName == "" {
		return apperr.New(apperr.InvalidArgs, "new environment name is required")
	}

	m.mu.Lock()
	rec, exists := m.envs[oldName]
	if !exists {
		m.mu.Unlock()
		return apperr.New(apperr.NotFound, "environment %q not found", oldName)
	}
	if _, taken := m.envs[newName]; taken {
		m.mu.Unlock()
		return apperr.New(apperr.AlreadyExists, "environment %q already exists", newName)
	}
	rec.Name = newName
	rec.UpdatedAt = time.Now()
	delete(m.envs, oldName)
	m.envs[newName] = rec
	m.mu.Unlock()

	if err := m.store.RenameEnv(oldName, newName); err != nil {
		return apperr.New(apperr.IO, "rename environment %q -> %q: %v", oldName, newName, err)
	}
	if err := m.store.SaveEnv(newName, rec); err != nil {
		return apperr.New(apperr.IO, "persist renamed environment %q: %v", newName, err)
	}

	if m.tasks != nil {
		updated := m.tasks.RewriteCondaEnvReferences(oldName, newName)
		slog.Info("environment renamed", "old_name", oldName, "new_name", newName, "tasks_updated", updated)
	}
	return nil
}

// Install adds packages to an existing environment.
func (m *InMemoryManager) Install(name string, packages []string) (Record, *apperr.Error) {
	return m.mutatePackages(name, packages, true)
}

// Remove uninstalls packages from an existing environment.
func (m *InMemoryManager) Remove(name string, packages []string) (Record, *apperr.Error) {
	return m.mutatePackages(name, packages, false)
}

func (m *InMemoryManager) mutatePackages(name string, packages []string, add bool) (rec Record, aerr *apperr.Error) {
	operation := "remove"
	if add {
		operation = "install"
	}
	defer recordEnvOp(operation, &aerr)

	inUse, referencing, err := m.CheckInUse(name)
	if err != nil {
		return Record{}, apperr.New(apperr.IO, "check environment %q in use: %v", name, err)
	}
	if inUse {
		return Record{}, apperr.WithPayload(apperr.InUse, referencing, "environment %q is referenced by %d task(s)", name, len(referencing))
	}

	m.mu.Lock()
	rec, exists := m.envs[name]
	if !exists {
		m.mu.Unlock()
		return Record{}, apperr.New(apperr.NotFound, "environment %q not found", name)
	}

	if add {
		rec.Packages = mergePackages(rec.Packages, packagesFrom(packages))
	} else {
		rec.Packages = removePackages(rec.Packages, packages)
	}
	rec.UpdatedAt = time.Now()
	m.envs[name] = rec
	m.mu.Unlock()

	if err := m.store.SaveEnv(name, rec); err != nil {
		return Record{}, apperr.New(apperr.IO, "persist environment %q: %v", name, err)
	}
	return rec, nil
}

// CheckInUse reports whether name is referenced by any live task.
func (m *InMemoryManager) CheckInUse(name string) (bool, []TaskSummary, error) {
	if m.tasks == nil {
		return false, nil, nil
	}
	refs := m.tasks.TasksByCondaEnv(name)
	return len(refs) > 0, refs, nil
}

// recordEnvOp increments the environment-operations counter for operation,
// classifying it by whether it produced an error.
func recordEnvOp(operation string, aerr **apperr.Error) {
	outcome := "ok"
	if aerr != nil && *aerr != nil {
		outcome = "error"
	}
	metrics.EnvironmentOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

func packagesFrom(names []string) []Package {
	if len(names) == 0 {
		return nil
	}
	out := make([]Package, 0, len(names))
	for _, n := range names {
		out = append(out, Package{Name: n})
	}
	return out
}

func mergePackages(existing, add []Package) []Package {
	byName := make(map[string]Package, len(existing))
	for _, p := range existing {
		byName[p.Name] = p
	}
	for _, p := range add {
		byName[p.Name] = p
	}
	out := make([]Package, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func removePackages(existing []Package, remove []string) []Package {
	drop := make(map[string]bool, len(remove))
	for _, n := range remove {
		drop[n] = true
	}
	out := existing[:0:0]
	for _, p := range existing {
		if !drop[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

// Package environment defines the contract the scheduler uses to manage
// named Conda environments, plus an in-memory reference adapter.
//
// The real adapter that shells out to the conda CLI is an external
// collaborator (out of scope, per spec.md §1); this package only owns the
// interface and metadata bookkeeping the scheduler depends on.
package environment

import (
	"time"

	"scriptd/internal/apperr"
)

// Package is one resolved package in an environment, name+version.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Record is persisted metadata about a Conda environment known to the
// system.
type Record struct {
	Name          string    `json:"name"`
	PythonVersion string    `json:"python_version"`
	Packages      []Package `json:"packages"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TaskSummary is the minimal task projection check_in_use returns when an
// environment is referenced, avoiding an import of the task package.
type TaskSummary struct {
	TaskID   int    `json:"task_id"`
	TaskName string `json:"task_name"`
}

// Manager is the scheduler-facing contract for environment lifecycle
// operations (§4.D). Implementations must be safe for concurrent calls on
// different environment names; the core serializes calls against a single
// name itself (§5).
type Manager interface {
	// List returns every known environment record, excluding the base
	// environment.
	List() ([]Record, error)

	// Exists reports whether name is a known environment.
	Exists(name string) (bool, error)

	// Create provisions a new environment. Fails with AlreadyExists if
	// name is already known, PackageNotFound if a requested package
	// cannot be resolved.
	Create(name, pythonVersion string, packages []string) (Record, *apperr.Error)

	// Delete removes name. Fails with InUse if any live task references
	// it, NotFound if unknown.
	Delete(name string) *apperr.Error

	// Rename moves old to new, rewriting the reverse index
	// unconditionally — rename of an in-use environment is intended
	// behavior (§9 decision), not blocked by InUse.
	Rename(oldName, newName string) *apperr.Error

	// Install adds packages to an existing, unreferenced environment.
	Install(name string, packages []string) (Record, *apperr.Error)

	// Remove uninstalls packages from an existing, unreferenced
	// environment.
	Remove(name string, packages []string) (Record, *apperr.Error)

	// CheckInUse reports whether name is referenced by any live task,
	// and by which ones.
	CheckInUse(name string) (bool, []TaskSummary, error)
}

// TaskLister is the minimal slice of the task repository the environment
// manager needs to answer CheckInUse/Rename without importing the task
// package outright (broken out as an interface to avoid a dependency
// cycle: task.Repository doesn't need to know about environments, but
// environment.Manager needs to query tasks by conda_env).
type TaskLister interface {
	TasksByCondaEnv(name string) []TaskSummary
	RewriteCondaEnvReferences(oldName, newName string) int
}

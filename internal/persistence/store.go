// Package persistence implements atomic versioned JSON snapshots of task
// definitions, per-task execution history, and per-environment metadata.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CurrentVersion is the envelope version written by this build.
const CurrentVersion = "1.0.0"

// envelope is the on-disk wrapper for every persisted JSON document.
type envelope struct {
	Version   string          `json:"__version__"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updated_at"`
}

// Store is a single serializing point of access to the state directory tree:
//
//	<root>/config/tasks.json
//	<root>/config/system_config.json
//	<root>/data/task_history/<task_id>.json
//	<root>/data/env_info/<env_name>.json
//	<root>/data/stats/tasks_stats.json
//	<root>/data/stats/conda_stats.json
//	<root>/data/backup_<yyyymmdd_HHMMSS>/...
//	<root>/scripts/<task_id>/<filename>
//	<root>/scripts/git_scripts/<task_id>/...
type Store struct {
	root string
}

// New creates a Store rooted at root, creating the standard subdirectories.
func New(root string) (*Store, error) {
	dirs := []string{
		filepath.Join(root, "config"),
		filepath.Join(root, "data", "task_history"),
		filepath.Join(root, "data", "env_info"),
		filepath.Join(root, "data", "stats"),
		filepath.Join(root, "scripts", "git_scripts"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("persistence: create directory %q: %w", d, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) tasksPath() string        { return filepath.Join(s.root, "config", "tasks.json") }
func (s *Store) systemConfigPath() string { return filepath.Join(s.root, "config", "system_config.json") }
func (s *Store) historyPath(taskID int) string {
	return filepath.Join(s.root, "data", "task_history", fmt.Sprintf("%d.json", taskID))
}
func (s *Store) envPath(name string) string {
	return filepath.Join(s.root, "data", "env_info", name+".json")
}
func (s *Store) tasksStatsPath() string {
	return filepath.Join(s.root, "data", "stats", "tasks_stats.json")
}
func (s *Store) condaStatsPath() string {
	return filepath.Join(s.root, "data", "stats", "conda_stats.json")
}

// SaveTasks atomically writes the task set + next-id counter.
func (s *Store) SaveTasks(v any) error { return writeJSON(s.tasksPath(), v) }

// LoadTasks reads the task set; ok=false if absent.
func (s *Store) LoadTasks(v any) (ok bool, err error) { return readJSON(s.tasksPath(), v) }

// SaveHistory atomically writes one task's execution history.
func (s *Store) SaveHistory(taskID int, v any) error { return writeJSON(s.historyPath(taskID), v) }

// LoadHistory reads one task's execution history; ok=false if absent.
func (s *Store) LoadHistory(taskID int, v any) (ok bool, err error) {
	return readJSON(s.historyPath(taskID), v)
}

// ListHistoryTaskIDs returns the task ids that have a persisted history file.
func (s *Store) ListHistoryTaskIDs() ([]int, error) {
	dir := filepath.Join(s.root, "data", "task_history")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("persistence: read %q: %w", dir, err)
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(strings.TrimSuffix(name, ".json"), "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// SaveEnv atomically writes one environment's metadata.
func (s *Store) SaveEnv(name string, v any) error { return writeJSON(s.envPath(name), v) }

// LoadEnv reads one environment's metadata; ok=false if absent.
func (s *Store) LoadEnv(name string, v any) (ok bool, err error) {
	return readJSON(s.envPath(name), v)
}

// DeleteEnv removes an environment's metadata file. Idempotent.
func (s *Store) DeleteEnv(name string) error {
	err := os.Remove(s.envPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("persistence: delete env %q: %w", name, err)
	}
	return nil
}

// RenameEnv moves an environment's metadata file from old to new.
func (s *Store) RenameEnv(oldName, newName string) error {
	oldPath := s.envPath(oldName)
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(oldPath, s.envPath(newName)); err != nil {
		return fmt.Errorf("persistence: rename env %q -> %q: %w", oldName, newName, err)
	}
	return nil
}

// ListEnvNames returns the environment names that have persisted metadata.
func (s *Store) ListEnvNames() ([]string, error) {
	dir := filepath.Join(s.root, "data", "env_info")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("persistence: read %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}

// SaveTasksStats atomically writes the task-stats rollup snapshot.
func (s *Store) SaveTasksStats(v any) error { return writeJSON(s.tasksStatsPath(), v) }

// SaveCondaStats atomically writes the conda-stats rollup snapshot.
func (s *Store) SaveCondaStats(v any) error { return writeJSON(s.condaStatsPath(), v) }

// ScriptDir returns the directory a task's script/unpacked archive lives in.
func (s *Store) ScriptDir(taskID int) string {
	return filepath.Join(s.root, "scripts", fmt.Sprintf("%d", taskID))
}

// writeJSON serialises v wrapped in the version envelope and atomically
// replaces path via temp-file-then-rename, mirroring the teacher's
// FileTaskStore.Save pattern generalized to arbitrary payloads.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persistence: marshal %q: %w", path, err)
	}

	env := envelope{
		Version:   CurrentVersion,
		Data:      data,
		UpdatedAt: time.Now().Unix(),
	}
	payload, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal envelope for %q: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("persistence: create directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create temp file for %q: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("persistence: write temp file for %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persistence: close temp file for %q: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persistence: rename -> %q: %w", path, err)
	}
	return nil
}

// readJSON reads path and unmarshals its data field into v.
// Tolerates the unversioned legacy shape by treating the whole document as
// the data payload. ok is false when the file does not exist.
func readJSON(path string, v any) (ok bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("persistence: read %q: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Version != "" {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return false, fmt.Errorf("persistence: unmarshal data in %q: %w", path, err)
		}
		return true, nil
	}

	// Legacy unversioned shape: the whole file is the data.
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("persistence: unmarshal legacy %q: %w", path, err)
	}
	return true, nil
}

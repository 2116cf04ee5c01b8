// Package history maintains, per task, the ordered list of execution
// records produced by the supervisor, with log-append debouncing and
// retention-based pruning.
package history

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"scriptd/internal/persistence"
)

// ExecutionStatus is the lifecycle state of a single execution attempt.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// ExecutionRecord is one attempt to run a task.
type ExecutionRecord struct {
	ExecutionID     string          `json:"execution_id"`
	TaskID          int             `json:"task_id"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	Status          ExecutionStatus `json:"status"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	DurationSeconds float64         `json:"duration,omitempty"`
	MemoryUsageMB   []float64       `json:"memory_usage"`
	PeakMemoryMB    float64         `json:"peak_memory,omitempty"`
	AvgMemoryMB     float64         `json:"avg_memory,omitempty"`
	Logs            string          `json:"logs"`
}

// retentionWindow is the 30-day cutoff past which execution records become
// eligible for pruning (§3/§4.C).
const retentionWindow = 30 * 24 * time.Hour

// logAppendByteThreshold and the keyword list below implement the spec's
// exact persistence-debounce rule for AppendLog: persist when the chunk is
// long OR looks noteworthy, otherwise let it accumulate in memory only.
const logAppendByteThreshold = 100

var logAppendKeywords = []string{"error", "exception", "completed"}

// Store holds task_id -> ordered execution history, persisted per task id.
type Store struct {
	mu      sync.Mutex
	history map[int][]ExecutionRecord
	store   *persistence.Store
}

// NewStore creates a Store backed by store, loading any persisted
// histories for every task id that has one on disk.
func NewStore(backing *persistence.Store) (*Store, error) {
	s := &Store{
		history: make(map[int][]ExecutionRecord),
		store:   backing,
	}

	ids, err := backing.ListHistoryTaskIDs()
	if err != nil {
		return nil, fmt.Errorf("history: list persisted histories: %w", err)
	}
	for _, id := range ids {
		var records []ExecutionRecord
		ok, err := backing.LoadHistory(id, &records)
		if err != nil {
			slog.Warn("history: failed to load task history", "task_id", id, "error", err)
			continue
		}
		if ok {
			s.history[id] = records
		}
	}
	slog.Info("history store loaded", "tasks_with_history", len(s.history))
	return s, nil
}

// NewExecutionID generates a fresh 128-bit execution identifier.
func NewExecutionID() string {
	return uuid.NewV4().String()
}

// AddExecutionRecord appends rec to task_id's history and persists it.
func (s *Store) AddExecutionRecord(taskID int, rec ExecutionRecord) {
	s.mu.Lock()
	s.history[taskID] = append(s.history[taskID], rec)
	snapshot := append([]ExecutionRecord(nil), s.history[taskID]...)
	s.mu.Unlock()

	s.persist(taskID, snapshot)
}

// UpdateExecutionRecord applies mutate to the named execution record and
// persists the task's history afterward.
func (s *Store) UpdateExecutionRecord(taskID int, executionID string, mutate func(*ExecutionRecord)) error {
	s.mu.Lock()
	records, ok := s.history[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("history: no records for task %d", taskID)
	}
	found := false
	for i := range records {
		if records[i].ExecutionID == executionID {
			mutate(&records[i])
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("history: execution %q not found for task %d", executionID, taskID)
	}
	snapshot := append([]ExecutionRecord(nil), records...)
	s.mu.Unlock()

	s.persist(taskID, snapshot)
	return nil
}

// GetExecutionRecord returns a copy of one execution record.
func (s *Store) GetExecutionRecord(taskID int, executionID string) (ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.history[taskID] {
		if r.ExecutionID == executionID {
			return r, true
		}
	}
	return ExecutionRecord{}, false
}

// AppendLog concatenates chunk onto the named execution's log field.
// Persistence is debounced: it happens only when the chunk is longer than
// 100 bytes or contains one of "error", "exception", "completed"
// (case-insensitive) — a superset of the original implementation's plain
// length check, per spec.md's explicit append-threshold rule.
func (s *Store) AppendLog(taskID int, executionID, chunk string) error {
	s.mu.Lock()
	records, ok := s.history[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("history: no records for task %d", taskID)
	}
	found := false
	for i := range records {
		if records[i].ExecutionID == executionID {
			records[i].Logs += chunk
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("history: execution %q not found for task %d", executionID, taskID)
	}
	shouldPersist := len(chunk) > logAppendByteThreshold || containsAnyKeyword(chunk)
	var snapshot []ExecutionRecord
	if shouldPersist {
		snapshot = append([]ExecutionRecord(nil), records...)
	}
	s.mu.Unlock()

	if shouldPersist {
		s.persist(taskID, snapshot)
	}
	return nil
}

func containsAnyKeyword(chunk string) bool {
	lower := strings.ToLower(chunk)
	for _, kw := range logAppendKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// GetExecutionLogs returns the current in-memory log for a running or
// finished execution — it never reads from disk, so polling callers see
// freshly buffered output for tasks still in progress.
func (s *Store) GetExecutionLogs(taskID int, executionID string) (string, bool) {
	rec, ok := s.GetExecutionRecord(taskID, executionID)
	if !ok {
		return "", false
	}
	return rec.Logs, true
}

// ForTask returns a copy of all execution records belonging to a task,
// oldest first.
func (s *Store) ForTask(taskID int) []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutionRecord(nil), s.history[taskID]...)
}

// AllTaskIDs returns the task ids that currently have history entries.
func (s *Store) AllTaskIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.history))
	for id := range s.history {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// RecentAcrossTasks returns the n most recent executions across every
// task, most recent first.
func (s *Store) RecentAcrossTasks(n int) []ExecutionRecord {
	s.mu.Lock()
	all := make([]ExecutionRecord, 0)
	for _, records := range s.history {
		all = append(all, records...)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StartTime.After(all[j].StartTime) })
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// CleanOldRecords prunes execution records whose start time is older than
// the 30-day retention window, persisting any task whose list shrank.
func (s *Store) CleanOldRecords(now time.Time) {
	cutoff := now.Add(-retentionWindow)

	s.mu.Lock()
	var touched []int
	snapshots := make(map[int][]ExecutionRecord)
	for taskID, records := range s.history {
		kept := records[:0:0]
		for _, r := range records {
			if !r.StartTime.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) != len(records) {
			s.history[taskID] = kept
			touched = append(touched, taskID)
			snapshots[taskID] = append([]ExecutionRecord(nil), kept...)
		}
	}
	s.mu.Unlock()

	for _, taskID := range touched {
		s.persist(taskID, snapshots[taskID])
	}
	if len(touched) > 0 {
		slog.Info("history: pruned old execution records", "tasks_affected", len(touched))
	}
}

func (s *Store) persist(taskID int, records []ExecutionRecord) {
	if err := s.store.SaveHistory(taskID, records); err != nil {
		slog.Warn("history: failed to persist task history", "task_id", taskID, "error", err)
	}
}

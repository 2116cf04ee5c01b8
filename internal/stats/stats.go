// Package stats computes the on-demand statistics snapshot exposed by the
// stats.get control-plane method: per-status task counts, execution
// duration/success-rate aggregates, a 7-day success/fail timeline, a
// 24-hour memory/task-count timeline, and the upcoming schedule.
package stats

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"scriptd/internal/history"
	"scriptd/internal/task"
)

// Snapshot is the full stats.get result, computed fresh on every call — no
// caching, matching get_task_stats's behavior of recomputing from the live
// repository and history on each invocation.
type Snapshot struct {
	Total            int                 `json:"total"`
	Scheduled        int                 `json:"scheduled"`
	Running          int                 `json:"running"`
	Completed        int                 `json:"completed"`
	Failed           int                 `json:"failed"`
	Paused           int                 `json:"paused"`
	Stopped          int                 `json:"stopped"`
	AvgDurationSec   float64             `json:"avg_duration"`
	MinDurationSec   float64             `json:"min_duration"`
	MaxDurationSec   float64             `json:"max_duration"`
	SuccessRate      float64             `json:"success_rate"`
	Last7Days        Last7DaysStats      `json:"last_7_days"`
	RecentExecutions []RecentExecution   `json:"recent_tasks"`
	SystemResources  *SystemResources    `json:"system_resources"`
	TaskSuccessRate  TaskSuccessRate     `json:"task_success_rate"`
	UpcomingTasks    []UpcomingTask      `json:"upcoming_tasks"`
}

// Last7DaysStats is the trailing-week success/failure timeline.
type Last7DaysStats struct {
	Dates         []string `json:"dates"`
	SuccessCounts []int    `json:"success_counts"`
	FailedCounts  []int    `json:"failed_counts"`
}

// RecentExecution is one row of the 5 most recent executions across every
// task, most recent first.
type RecentExecution struct {
	TaskID    int     `json:"task_id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	StartTime string  `json:"start_time"`
	EndTime   string  `json:"end_time,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

// SystemResources is the 24-hour memory/task-count timeline. nil when no
// execution produced any memory sample in the window.
type SystemResources struct {
	Timestamps  []string   `json:"timestamps"`
	MemoryUsage []*float64 `json:"memory_usage"`
	TaskCounts  []int      `json:"task_counts"`
}

// TaskSuccessRate is the overall execution-outcome distribution.
type TaskSuccessRate struct {
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Abnormal  int `json:"abnormal"`
}

// UpcomingTask is one row of the soonest-scheduled tasks.
type UpcomingTask struct {
	TaskID         int    `json:"task_id"`
	TaskName       string `json:"task_name"`
	CondaEnv       string `json:"conda_env"`
	Command        string `json:"command"`
	ScheduledTime  string `json:"scheduled_time,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`
}

const recentExecutionLimit = 5
const upcomingTaskLimit = 10
const timeLayout = "2006-01-02 15:04:05"

// Calculator computes Snapshots from the live repository and history
// stores, plus exports a parallel set of Prometheus gauges so the same
// numbers are scrapeable without a stats.get round trip.
type Calculator struct {
	repo    *task.Repository
	history *history.Store

	gaugeTotal     prometheus.Gauge
	gaugeRunning   prometheus.Gauge
	gaugeScheduled prometheus.Gauge
	gaugeFailed    prometheus.Gauge
	successRate    prometheus.Gauge
}

// New creates a Calculator and registers its metrics with the default
// registry. A later Calculator reuses the gauges already registered there.
func New(repo *task.Repository, hist *history.Store) *Calculator {
	gauge := func(opts prometheus.GaugeOpts) prometheus.Gauge {
		g := prometheus.NewGauge(opts)
		if err := prometheus.Register(g); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			return are.ExistingCollector.(prometheus.Gauge)
		}
		return g
	}
	return &Calculator{
		repo:    repo,
		history: hist,
		gaugeTotal: gauge(prometheus.GaugeOpts{
			Namespace: "scriptd", Subsystem: "tasks", Name: "total",
			Help: "Total number of known tasks.",
		}),
		gaugeRunning: gauge(prometheus.GaugeOpts{
			Namespace: "scriptd", Subsystem: "tasks", Name: "running",
			Help: "Number of tasks currently running.",
		}),
		gaugeScheduled: gauge(prometheus.GaugeOpts{
			Namespace: "scriptd", Subsystem: "tasks", Name: "scheduled",
			Help: "Number of tasks awaiting their next run.",
		}),
		gaugeFailed: gauge(prometheus.GaugeOpts{
			Namespace: "scriptd", Subsystem: "tasks", Name: "failed",
			Help: "Number of tasks currently in failed state.",
		}),
		successRate: gauge(prometheus.GaugeOpts{
			Namespace: "scriptd", Subsystem: "executions", Name: "success_rate_percent",
			Help: "Percentage of completed-vs-failed executions across all tasks.",
		}),
	}
}

// Compute builds a fresh Snapshot and updates the exported gauges.
func (c *Calculator) Compute(now time.Time) Snapshot {
	tasks := c.repo.List()
	allExecutions := c.allExecutions()

	snap := Snapshot{}
	c.fillBasicStats(&snap, tasks)
	c.fillExecutionStats(&snap, allExecutions)
	snap.Last7Days = c.last7Days(allExecutions, now)
	snap.RecentExecutions = c.recentExecutions(tasks, allExecutions)
	snap.SystemResources = c.systemResources(allExecutions, now)
	snap.TaskSuccessRate = c.taskSuccessRate(allExecutions)
	snap.UpcomingTasks = c.upcomingTasks(tasks)

	c.gaugeTotal.Set(float64(snap.Total))
	c.gaugeRunning.Set(float64(snap.Running))
	c.gaugeScheduled.Set(float64(snap.Scheduled))
	c.gaugeFailed.Set(float64(snap.Failed))
	c.successRate.Set(snap.SuccessRate)

	return snap
}

type taggedExecution struct {
	taskID int
	record history.ExecutionRecord
}

func (c *Calculator) allExecutions() []taggedExecution {
	var out []taggedExecution
	for _, id := range c.history.AllTaskIDs() {
		for _, rec := range c.history.ForTask(id) {
			out = append(out, taggedExecution{taskID: id, record: rec})
		}
	}
	return out
}

func (c *Calculator) fillBasicStats(snap *Snapshot, tasks []task.Task) {
	snap.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case task.StatusScheduled:
			snap.Scheduled++
		case task.StatusRunning:
			snap.Running++
		case task.StatusCompleted:
			snap.Completed++
		case task.StatusFailed:
			snap.Failed++
		case task.StatusPaused:
			snap.Paused++
		case task.StatusStopped:
			snap.Stopped++
		}
	}
}

func (c *Calculator) fillExecutionStats(snap *Snapshot, executions []taggedExecution) {
	var durations []float64
	var completed, failed int
	for _, e := range executions {
		if e.record.EndTime != nil {
			durations = append(durations, e.record.DurationSeconds)
		}
		switch e.record.Status {
		case history.ExecutionCompleted:
			completed++
		case history.ExecutionFailed:
			failed++
		}
	}

	if len(durations) > 0 {
		sum, min, max := 0.0, durations[0], durations[0]
		for _, d := range durations {
			sum += d
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		snap.AvgDurationSec = sum / float64(len(durations))
		snap.MinDurationSec = min
		snap.MaxDurationSec = max
	}

	if total := completed + failed; total > 0 {
		snap.SuccessRate = (float64(completed) / float64(total)) * 100
	}
}

func (c *Calculator) last7Days(executions []taggedExecution, now time.Time) Last7DaysStats {
	dates := make([]string, 7)
	for i := 0; i < 7; i++ {
		dates[i] = now.AddDate(0, 0, -(6 - i)).Format("2006-01-02")
	}
	dateIndex := make(map[string]int, 7)
	for i, d := range dates {
		dateIndex[d] = i
	}

	success := make([]int, 7)
	failed := make([]int, 7)
	for _, e := range executions {
		day := e.record.StartTime.Format("2006-01-02")
		idx, ok := dateIndex[day]
		if !ok {
			continue
		}
		switch e.record.Status {
		case history.ExecutionCompleted:
			success[idx]++
		case history.ExecutionFailed:
			failed[idx]++
		}
	}

	return Last7DaysStats{Dates: dates, SuccessCounts: success, FailedCounts: failed}
}

func (c *Calculator) recentExecutions(tasks []task.Task, executions []taggedExecution) []RecentExecution {
	names := make(map[int]string, len(tasks))
	for _, t := range tasks {
		names[t.TaskID] = t.TaskName
	}

	sorted := append([]taggedExecution(nil), executions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].record.StartTime.After(sorted[j].record.StartTime) })
	if len(sorted) > recentExecutionLimit {
		sorted = sorted[:recentExecutionLimit]
	}

	out := make([]RecentExecution, 0, len(sorted))
	for _, e := range sorted {
		re := RecentExecution{
			TaskID:    e.taskID,
			Name:      names[e.taskID],
			Status:    string(e.record.Status),
			StartTime: e.record.StartTime.Format(timeLayout),
			Duration:  e.record.DurationSeconds,
		}
		if e.record.EndTime != nil {
			re.EndTime = e.record.EndTime.Format(timeLayout)
		}
		out = append(out, re)
	}
	return out
}

// systemResources approximates hourly memory usage by assuming each
// execution's memory samples are uniformly distributed across its
// start/end interval, per the Python source's documented approximation
// (§9 decision: implemented as specified, not "fixed").
func (c *Calculator) systemResources(executions []taggedExecution, now time.Time) *SystemResources {
	currentHour := now.Truncate(time.Hour)

	timestamps := make([]string, 24)
	hourStarts := make([]time.Time, 24)
	for i := 0; i < 24; i++ {
		h := currentHour.Add(-time.Duration(23-i) * time.Hour)
		hourStarts[i] = h
		timestamps[i] = h.Format(timeLayout)
	}

	taskCounts := make([]int, 24)
	memoryUsage := make([]*float64, 24)
	hasData := false

	for i, hourStart := range hourStarts {
		hourEnd := hourStart.Add(time.Hour)

		var samples []float64
		for _, e := range executions {
			start := e.record.StartTime

			end := now
			if e.record.EndTime != nil {
				end = *e.record.EndTime
			}

			// Only executions overlapping [hourStart, hourEnd) contribute.
			if !start.Before(hourEnd) || !end.After(hourStart) {
				continue
			}
			if len(e.record.MemoryUsageMB) == 0 {
				continue
			}

			duration := end.Sub(start).Seconds()
			if duration <= 0 {
				continue
			}
			perSample := duration / float64(len(e.record.MemoryUsageMB))
			for idx, mb := range e.record.MemoryUsageMB {
				sampleTime := start.Add(time.Duration(float64(idx) * perSample * float64(time.Second)))
				if !sampleTime.Before(hourStart) && sampleTime.Before(hourEnd) {
					samples = append(samples, mb)
				}
			}
		}

		taskCounts[i] = countTasksStartingInHour(executions, hourStart, hourEnd)
		if len(samples) > 0 {
			avg := average(samples)
			memoryUsage[i] = &avg
			hasData = true
		}
	}

	if !hasData {
		return nil
	}
	return &SystemResources{Timestamps: timestamps, MemoryUsage: memoryUsage, TaskCounts: taskCounts}
}

func countTasksStartingInHour(executions []taggedExecution, hourStart, hourEnd time.Time) int {
	count := 0
	for _, e := range executions {
		if !e.record.StartTime.Before(hourStart) && e.record.StartTime.Before(hourEnd) {
			count++
		}
	}
	return count
}

func average(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func (c *Calculator) taskSuccessRate(executions []taggedExecution) TaskSuccessRate {
	var rate TaskSuccessRate
	for _, e := range executions {
		switch e.record.Status {
		case history.ExecutionCompleted:
			rate.Success++
		case history.ExecutionFailed:
			rate.Failed++
		case history.ExecutionStopped:
			rate.Cancelled++
		}
	}
	return rate
}

func (c *Calculator) upcomingTasks(tasks []task.Task) []UpcomingTask {
	var scheduled []task.Task
	for _, t := range tasks {
		if t.Status == task.StatusScheduled {
			scheduled = append(scheduled, t)
		}
	}

	sort.Slice(scheduled, func(i, j int) bool {
		ti, tj := scheduled[i].NextRunTime, scheduled[j].NextRunTime
		if ti == nil {
			return false
		}
		if tj == nil {
			return true
		}
		return ti.Before(*tj)
	})

	if len(scheduled) > upcomingTaskLimit {
		scheduled = scheduled[:upcomingTaskLimit]
	}

	out := make([]UpcomingTask, 0, len(scheduled))
	for _, t := range scheduled {
		command := t.Command
		if command == "" {
			command = entryCommand(t.ScriptPath)
		}
		u := UpcomingTask{
			TaskID:         t.TaskID,
			TaskName:       t.TaskName,
			CondaEnv:       t.CondaEnv,
			Command:        command,
			CronExpression: t.CronExpression,
		}
		if t.NextRunTime != nil {
			u.ScheduledTime = t.NextRunTime.Format(timeLayout)
		}
		out = append(out, u)
	}
	return out
}

func entryCommand(scriptPath string) string {
	switch {
	case hasSuffix(scriptPath, ".py"):
		return "python " + scriptPath
	case hasSuffix(scriptPath, ".sh"):
		return "bash " + scriptPath
	default:
		return scriptPath
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

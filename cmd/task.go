// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"scriptd/internal/command"
	"scriptd/internal/task"
)

// taskCmd represents the task command group
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
	Long: `Manage Python script tasks scheduled on the scriptd daemon.

Subcommands:
  schedule  - Schedule a new task
  list      - List all tasks
  get       - Get a task's details
  update    - Update a task's mutable fields
  delete    - Delete a task
  trigger   - Trigger an immediate run
  pause     - Pause a running task
  resume    - Resume a paused task
  stop      - Stop a running task
  logs      - Show buffered logs for an execution`,
}

var (
	scheduleTaskName      string
	scheduleScriptPath    string
	scheduleScriptDir     string
	scheduleCommand       string
	scheduleCondaEnv      string
	scheduleRequirements  string
	scheduleCronExpr      string
	scheduleDelaySeconds  int
	schedulePriority      string
	scheduleMemoryLimitMB int
	scheduleReuseEnv      bool
)

var taskScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a new task",
	Long:  `Schedule a new Python script task, either on a cron expression or a one-shot delay.`,
	Run: func(cmd *cobra.Command, args []string) {
		runTaskSchedule()
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Run: func(cmd *cobra.Command, args []string) {
		runTaskList()
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Get a task's details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskGet(mustParseTaskID(args[0]))
	},
}

var (
	updateTaskName      string
	updateCommand       string
	updateCondaEnv      string
	updateCronExpr      string
	updatePriority      string
	updateMemoryLimitMB int
)

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Update a task's mutable fields",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskUpdate(cmd, mustParseTaskID(args[0]))
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskDelete(mustParseTaskID(args[0]))
	},
}

var taskTriggerCmd = &cobra.Command{
	Use:   "trigger <task-id>",
	Short: "Trigger an immediate run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskTrigger(mustParseTaskID(args[0]))
	},
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a running task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskPause(mustParseTaskID(args[0]))
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskResume(mustParseTaskID(args[0]))
	},
}

var taskStopCmd = &cobra.Command{
	Use:   "stop <task-id>",
	Short: "Stop a running task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskStop(mustParseTaskID(args[0]))
	},
}

var taskLogsExecutionID string

var taskLogsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Show buffered logs for an execution",
	Long:  `Show buffered logs for one execution of a task, defaulting to its most recent run.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskLogs(mustParseTaskID(args[0]))
	},
}

func init() {
	taskCmd.AddCommand(taskScheduleCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskUpdateCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskTriggerCmd)
	taskCmd.AddCommand(taskPauseCmd)
	taskCmd.AddCommand(taskResumeCmd)
	taskCmd.AddCommand(taskStopCmd)
	taskCmd.AddCommand(taskLogsCmd)

	taskScheduleCmd.Flags().StringVar(&scheduleTaskName, "name", "", "task name (required)")
	taskScheduleCmd.Flags().StringVar(&scheduleScriptPath, "script", "", "path to a single Python script file")
	taskScheduleCmd.Flags().StringVar(&scheduleScriptDir, "dir", "", "path to an unpacked script directory; its entry point is resolved automatically")
	taskScheduleCmd.Flags().StringVar(&scheduleCommand, "command", "", "override entry point command")
	taskScheduleCmd.Flags().StringVar(&scheduleCondaEnv, "conda-env", "", "Conda environment name (required)")
	taskScheduleCmd.Flags().StringVar(&scheduleRequirements, "requirements", "", "path to requirements.txt")
	taskScheduleCmd.Flags().StringVar(&scheduleCronExpr, "cron", "", "cron expression (mutually exclusive with --delay)")
	taskScheduleCmd.Flags().IntVar(&scheduleDelaySeconds, "delay", 0, "one-shot delay in seconds (mutually exclusive with --cron)")
	taskScheduleCmd.Flags().StringVar(&schedulePriority, "priority", string(task.PriorityNormal), "priority: high, normal, or low")
	taskScheduleCmd.Flags().IntVar(&scheduleMemoryLimitMB, "memory-limit", 0, "memory cap in MB (0 = unlimited)")
	taskScheduleCmd.Flags().BoolVar(&scheduleReuseEnv, "reuse-env", false, "reuse an existing Conda environment instead of creating one")
	taskScheduleCmd.MarkFlagRequired("name")
	taskScheduleCmd.MarkFlagRequired("conda-env")

	taskUpdateCmd.Flags().StringVar(&updateTaskName, "name", "", "new task name")
	taskUpdateCmd.Flags().StringVar(&updateCommand, "command", "", "new entry point command")
	taskUpdateCmd.Flags().StringVar(&updateCondaEnv, "conda-env", "", "new Conda environment name")
	taskUpdateCmd.Flags().StringVar(&updateCronExpr, "cron", "", "new cron expression")
	taskUpdateCmd.Flags().StringVar(&updatePriority, "priority", "", "new priority: high, normal, or low")
	taskUpdateCmd.Flags().IntVar(&updateMemoryLimitMB, "memory-limit", -1, "new memory cap in MB")

	taskLogsCmd.Flags().StringVar(&taskLogsExecutionID, "execution", "", "execution id (defaults to the task's last execution)")
}

func mustParseTaskID(s string) int {
	id, err := strconv.Atoi(s)
	if err != nil {
		exitWithError(fmt.Sprintf("invalid task id %q", s), err)
	}
	return id
}

func runTaskSchedule() {
	if scheduleScriptPath == "" && scheduleScriptDir == "" {
		exitWithError("one of --script or --dir is required", nil)
	}
	if scheduleScriptPath != "" && scheduleScriptDir != "" {
		exitWithError("--script and --dir are mutually exclusive", nil)
	}
	scriptPath := scheduleScriptPath
	if scheduleScriptDir != "" {
		scriptPath = scheduleScriptDir
	}

	var delay *int
	if scheduleDelaySeconds > 0 {
		delay = &scheduleDelaySeconds
	}

	requirements := ""
	if scheduleRequirements != "" {
		data, err := os.ReadFile(scheduleRequirements)
		if err != nil {
			exitWithError("failed to read requirements file", err)
		}
		requirements = string(data)
	}

	params := command.TaskScheduleParams{
		TaskName:       scheduleTaskName,
		ScriptPath:     scriptPath,
		Command:        scheduleCommand,
		CondaEnv:       scheduleCondaEnv,
		Requirements:   requirements,
		CronExpression: scheduleCronExpr,
		DelaySeconds:   delay,
		Priority:       task.Priority(schedulePriority),
		MemoryLimitMB:  scheduleMemoryLimitMB,
		ReuseEnv:       scheduleReuseEnv,
	}

	client := command.NewUDSClient(socketPath, 30*time.Second)
	ctx := context.Background()

	resp, err := client.TaskSchedule(ctx, params)
	if err != nil {
		exitWithError("failed to send schedule command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.schedule failed: %s", resp.Error.Message), nil)
	}

	printJSON(resp.Result)
}

func runTaskList() {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.TaskList(ctx)
	if err != nil {
		exitWithError("failed to list tasks", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.list failed: %s", resp.Error.Message), nil)
	}

	printJSON(resp.Result)
}

func runTaskGet(taskID int) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.TaskGet(ctx, taskID)
	if err != nil {
		exitWithError("failed to get task", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.get failed: %s", resp.Error.Message), nil)
	}

	printJSON(resp.Result)
}

func runTaskUpdate(cmd *cobra.Command, taskID int) {
	params := command.TaskUpdateParams{TaskID: taskID}
	if cmd.Flags().Changed("name") {
		params.TaskName = &updateTaskName
	}
	if cmd.Flags().Changed("command") {
		params.Command = &updateCommand
	}
	if cmd.Flags().Changed("conda-env") {
		params.CondaEnv = &updateCondaEnv
	}
	if cmd.Flags().Changed("cron") {
		params.CronExpression = &updateCronExpr
	}
	if cmd.Flags().Changed("priority") {
		p := task.Priority(updatePriority)
		params.Priority = &p
	}
	if cmd.Flags().Changed("memory-limit") {
		params.MemoryLimitMB = &updateMemoryLimitMB
	}

	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.TaskUpdate(ctx, params)
	if err != nil {
		exitWithError("failed to update task", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.update failed: %s", resp.Error.Message), nil)
	}

	printJSON(resp.Result)
}

func runTaskDelete(taskID int) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.TaskDelete(ctx, taskID)
	if err != nil {
		exitWithError("failed to delete task", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.delete failed: %s", resp.Error.Message), nil)
	}

	fmt.Printf("Task %d deleted.\n", taskID)
}

func runTaskTrigger(taskID int) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.TaskTrigger(ctx, taskID)
	if err != nil {
		exitWithError("failed to trigger task", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.trigger failed: %s", resp.Error.Message), nil)
	}

	fmt.Printf("Task %d triggered.\n", taskID)
}

func runTaskPause(taskID int) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.TaskPause(ctx, taskID)
	if err != nil {
		exitWithError("failed to pause task", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.pause failed: %s", resp.Error.Message), nil)
	}

	printJSON(resp.Result)
}

func runTaskResume(taskID int) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.TaskResume(ctx, taskID)
	if err != nil {
		exitWithError("failed to resume task", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.resume failed: %s", resp.Error.Message), nil)
	}

	printJSON(resp.Result)
}

func runTaskStop(taskID int) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.TaskStop(ctx, taskID)
	if err != nil {
		exitWithError("failed to stop task", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.stop failed: %s", resp.Error.Message), nil)
	}

	printJSON(resp.Result)
}

func runTaskLogs(taskID int) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.TaskLogs(ctx, taskID, taskLogsExecutionID)
	if err != nil {
		exitWithError("failed to fetch task logs", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task.logs failed: %s", resp.Error.Message), nil)
	}

	printJSON(resp.Result)
}

func printJSON(v interface{}) {
	resultJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitWithError("failed to format result", err)
	}
	fmt.Println(string(resultJSON))
}

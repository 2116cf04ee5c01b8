// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"scriptd/internal/task"
)

// validateCmd checks a task specification for structural validity before
// it is sent to the daemon, mirroring the original implementation's
// pre-flight parameter check (script path, conda env, priority,
// cron/delay exclusivity, memory limit) entirely offline.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a task specification without scheduling it",
	Long: `Validate a task specification's structural invariants locally,
without contacting the daemon: a required script path and Conda
environment, a cron expression XOR a delay, a recognized priority, and a
non-negative memory limit. If a cron expression is given, it is also
parsed to catch syntax errors early.`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

var (
	validateScriptPath     string
	validateCondaEnv       string
	validateCronExpr       string
	validateDelaySeconds   int
	validatePriority       string
	validateMemoryLimitMB  int
)

func init() {
	validateCmd.Flags().StringVar(&validateScriptPath, "script", "", "path to the Python script or package (required)")
	validateCmd.Flags().StringVar(&validateCondaEnv, "conda-env", "", "Conda environment name (required)")
	validateCmd.Flags().StringVar(&validateCronExpr, "cron", "", "cron expression (mutually exclusive with --delay)")
	validateCmd.Flags().IntVar(&validateDelaySeconds, "delay", 0, "one-shot delay in seconds (mutually exclusive with --cron)")
	validateCmd.Flags().StringVar(&validatePriority, "priority", string(task.PriorityNormal), "priority: high, normal, or low")
	validateCmd.Flags().IntVar(&validateMemoryLimitMB, "memory-limit", 0, "memory cap in MB (0 = unlimited)")
	validateCmd.MarkFlagRequired("script")
	validateCmd.MarkFlagRequired("conda-env")
}

func runValidateCommand() {
	var delay *int
	if validateDelaySeconds > 0 {
		delay = &validateDelaySeconds
	}

	spec := task.Spec{
		ScriptPath:     validateScriptPath,
		CondaEnv:       validateCondaEnv,
		CronExpression: validateCronExpr,
		DelaySeconds:   delay,
		Priority:       task.Priority(validatePriority),
		MemoryLimitMB:  validateMemoryLimitMB,
	}

	if err := spec.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	if spec.CronExpression != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(spec.CronExpression); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: invalid cron expression %q: %v\n", spec.CronExpression, err)
			os.Exit(1)
		}
	}

	fmt.Printf("VALID: script=%q conda_env=%q priority=%s\n", spec.ScriptPath, spec.CondaEnv, spec.Priority)
}

// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scriptd/internal/command"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show rolling execution statistics",
	Long: `Query the scriptd daemon for execution statistics.

Shows task counts by status, execution duration and success-rate aggregates,
a 7-day success/failure timeline, the most recent executions, a 24-hour
memory timeline, and the next upcoming tasks.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStatsCommand()
	},
}

func runStatsCommand() {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.StatsGet(ctx)
	if err != nil {
		exitWithError("failed to query stats", err)
	}

	if resp.Error != nil {
		exitWithError(fmt.Sprintf("stats.get failed: %s", resp.Error.Message), nil)
	}

	printJSON(resp.Result)
}

// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scriptd/internal/command"
)

// reloadCmd represents the reload command
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the scriptd daemon configuration",
	Long: `Reload the global configuration of the scriptd daemon.

This sends a config_reload command to the running daemon via Unix Domain
Socket. The daemon reloads its configuration file without restarting;
hot-reloadable settings (log level/format) apply immediately, others
(data_dir, control.socket, metrics.listen) are logged as requiring restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		runReloadCommand()
	},
}

func runReloadCommand() {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	// Send reload command
	fmt.Println("Sending reload signal to daemon...")
	resp, err := client.ConfigReload(ctx)
	if err != nil {
		exitWithError("failed to send reload command", err)
	}

	if resp.Error != nil {
		exitWithError(fmt.Sprintf("config_reload failed: %s", resp.Error.Message), nil)
	}

	fmt.Println("Configuration reloaded successfully.")
}

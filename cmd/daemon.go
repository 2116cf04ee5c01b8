// Package cmd implements CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"scriptd/internal/daemon"
)

// daemonCmd runs the daemon process itself, in the foreground. This is the
// subcommand manager.go's startDaemon spawns into a detached process; it
// is not meant to be invoked directly by operators (use "start" instead).
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the scriptd daemon in the foreground",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (overrides config file's control.pid_file)")
}

func runDaemon() error {
	d, err := daemon.New(configFile, socketPath, pidFile)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	return d.Run()
}

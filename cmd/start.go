package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"scriptd/internal/daemon"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scriptd daemon",
	Long: `Start the scriptd daemon.

By default this spawns a detached background process and returns once its
control socket file exists. Pass --foreground to run the
daemon in-process instead (for systemd or container entrypoints).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if foreground {
			return runDaemon()
		}
		return runStart(cmd.OutOrStdout())
	},
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in foreground instead of spawning a background daemon")
}

func runStart(out io.Writer) error {
	if err := daemon.EnsureDaemonRunning(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ scriptd daemon started")
	return nil
}

// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scriptd/internal/command"
)

// envCmd represents the env command group
var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage Conda environments",
	Long: `Manage Conda environments used by scheduled tasks.

Subcommands:
  list     - List all managed environments
  create   - Create a new environment
  delete   - Delete an environment
  install  - Install packages into an environment
  remove   - Remove packages from an environment`,
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all managed environments",
	Run: func(cmd *cobra.Command, args []string) {
		client := command.NewUDSClient(socketPath, 10*time.Second)
		resp, err := client.EnvList(context.Background())
		if err != nil {
			exitWithError("failed to list environments", err)
		}
		if resp.Error != nil {
			exitWithError(fmt.Sprintf("env.list failed: %s", resp.Error.Message), nil)
		}
		printJSON(resp.Result)
	},
}

var (
	envCreatePythonVersion string
	envCreatePackages      []string
)

var envCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new environment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := command.NewUDSClient(socketPath, 2*time.Minute)
		resp, err := client.EnvCreate(context.Background(), command.EnvCreateParams{
			Name:          args[0],
			PythonVersion: envCreatePythonVersion,
			Packages:      envCreatePackages,
		})
		if err != nil {
			exitWithError("failed to create environment", err)
		}
		if resp.Error != nil {
			exitWithError(fmt.Sprintf("env.create failed: %s", resp.Error.Message), nil)
		}
		printJSON(resp.Result)
	},
}

var envDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an environment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := command.NewUDSClient(socketPath, 30*time.Second)
		resp, err := client.EnvDelete(context.Background(), args[0])
		if err != nil {
			exitWithError("failed to delete environment", err)
		}
		if resp.Error != nil {
			exitWithError(fmt.Sprintf("env.delete failed: %s", resp.Error.Message), nil)
		}
		fmt.Printf("Environment %q deleted.\n", args[0])
	},
}

var envInstallCmd = &cobra.Command{
	Use:   "install <name> <package...>",
	Short: "Install packages into an environment",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		client := command.NewUDSClient(socketPath, 2*time.Minute)
		resp, err := client.EnvInstall(context.Background(), command.EnvPackagesParams{
			Name:     args[0],
			Packages: args[1:],
		})
		if err != nil {
			exitWithError("failed to install packages", err)
		}
		if resp.Error != nil {
			exitWithError(fmt.Sprintf("env.install failed: %s", resp.Error.Message), nil)
		}
		printJSON(resp.Result)
	},
}

var envRemoveCmd = &cobra.Command{
	Use:   "remove <name> <package...>",
	Short: "Remove packages from an environment",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		client := command.NewUDSClient(socketPath, 30*time.Second)
		resp, err := client.EnvRemove(context.Background(), command.EnvPackagesParams{
			Name:     args[0],
			Packages: args[1:],
		})
		if err != nil {
			exitWithError("failed to remove packages", err)
		}
		if resp.Error != nil {
			exitWithError(fmt.Sprintf("env.remove failed: %s", resp.Error.Message), nil)
		}
		printJSON(resp.Result)
	},
}

func init() {
	envCmd.AddCommand(envListCmd)
	envCmd.AddCommand(envCreateCmd)
	envCmd.AddCommand(envDeleteCmd)
	envCmd.AddCommand(envInstallCmd)
	envCmd.AddCommand(envRemoveCmd)

	envCreateCmd.Flags().StringVar(&envCreatePythonVersion, "python", "", "Python version for the new environment")
	envCreateCmd.Flags().StringSliceVar(&envCreatePackages, "packages", nil, "comma-separated packages to install at creation")
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the control API of a running launcher
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// StartFlags holds flags for the start command
type StartFlags struct {
	APIFlags
	Follow bool
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)

	api := &APIFlags{}
	start := &StartFlags{}
	root.AddCommand(
		createRunCommand(global),
		createStatusCommand(global, api),
		createStartCommand(global, start),
		createStopCommand(global, api),
		createPathsCommand(global),
	)
	return root
}

func createRootCommand(global *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "booklore-runner",
		Short: "Run BookLore locally: database, backend and gateway under one launcher",
		Long: `booklore-runner starts a private MariaDB, a Java runtime and the BookLore
backend, then serves the web UI through a loopback gateway.

Examples:
  booklore-runner                       # same as "run"
  booklore-runner run --config runner.toml
  booklore-runner status
  booklore-runner start --follow
  booklore-runner stop
  booklore-runner paths`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLauncher(cmd, global)
		},
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func createRunCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start every component and wait for a shutdown signal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLauncher(cmd, global)
		},
	}
}

func addAPIFlags(cmd *cobra.Command, api *APIFlags) {
	cmd.Flags().StringVar(&api.APIUrl, "api-url", "", "control API base URL (default: derived from config)")
	cmd.Flags().DurationVar(&api.APITimeout, "api-timeout", 10*time.Second, "control API request timeout")
}

func createStatusCommand(global *GlobalFlags, api *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the lifecycle state of a running launcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, global, api)
		},
	}
	addAPIFlags(cmd, api)
	return cmd
}

func createStartCommand(global *GlobalFlags, start *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Ask a running launcher to (re)run its startup sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, global, start)
		},
	}
	addAPIFlags(cmd, &start.APIFlags)
	cmd.Flags().BoolVarP(&start.Follow, "follow", "f", false, "stream stage events until startup finishes")
	return cmd
}

func createStopCommand(global *GlobalFlags, api *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running launcher to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, global, api)
		},
	}
	addAPIFlags(cmd, api)
	return cmd
}

func createPathsCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the resolved on-disk layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg.Paths())
		},
	}
}

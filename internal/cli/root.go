// Package cli implements the taskpilot command-line interface using Cobra.
// Each subcommand maps to one task-engine capability (serve, create, run,
// progress, config, etc.).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/daemon"
	"github.com/taskpilot/taskpilot/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "taskpilot: queue tasks and run them through an agent CLI",
	Long: `taskpilot keeps a durable queue of tasks and runs them, a bounded number
at a time, through an external coding agent. Output is streamed for
pollers and every outcome is recorded.

Start the daemon with 'taskpilot serve', add work with 'taskpilot create'
and turn execution on with 'taskpilot config toggle'.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

var (
	logLevel   string
	serverAddr string

	// appConfig is loaded once before any subcommand runs.
	appConfig daemon.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Daemon address for status and progress (default from config)")
}

// verboseCommands log at the configured level; everything else only warns.
var verboseCommands = map[string]bool{"serve": true, "run": true}

func loadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	appConfig = cfg

	level := cfg.Logging.Level
	if !verboseCommands[cmd.Name()] {
		level = "warn"
	}
	if logLevel != "" {
		level = logLevel
	}
	logging.Setup(logging.Options{Level: level, Format: cfg.Logging.Format})
	return nil
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler, workers and ops API",
	Long: `Start the daemon: the admission loop, the worker pool, the archive sweeper,
health checks and the ops HTTP API (default 127.0.0.1:7433).

Execution starts disabled; enable it with 'taskpilot config toggle'.
Changes to the exec config file are picked up without a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// Override config from flags
	if serveHost != "" {
		appConfig.API.Host = serveHost
	}
	if servePort > 0 {
		appConfig.API.Port = servePort
	}

	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(cmd.Context())
}

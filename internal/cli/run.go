package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/daemon"
	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/engine"
	"github.com/taskpilot/taskpilot/internal/infra/scheduler"
)

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Agent timeout (overrides config)")
	rootCmd.AddCommand(runCmd)
}

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run ID",
	Short: "Execute one Pending task in the foreground",
	Long: `Execute one Pending task now, in this process, streaming the agent's
output to stdout. The outcome is recorded exactly as a daemon worker would
record it. Interrupting kills the agent and marks the task Failed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	t, err := d.DB.RequireTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskPending {
		return &domain.TransitionError{TaskID: id, From: t.Status, To: domain.TaskProcessing}
	}

	ec := daemon.ExecutorConfig(appConfig.Agent)
	if runTimeout > 0 {
		ec.Timeout = runTimeout
	}
	printer := &linePrinter{out: cmd.OutOrStdout(), info: cmd.ErrOrStderr()}
	runner := scheduler.NewRunner(d.DB, engine.NewExecutor(ec), printer, d.Notifier)
	if err := runner.Execute(ctx, id); err != nil {
		return err
	}

	t, err = d.DB.RequireTask(cmd.Context(), id)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskFailed {
		return fmt.Errorf("task %s failed: %s", id, domain.Truncate(t.Error, 200))
	}
	fmt.Fprintf(printer.info, "==> %s %s in %s\n", id, t.Status, t.Duration().Round(100*time.Millisecond))
	return nil
}

// linePrinter streams agent output to a terminal instead of the cache.
type linePrinter struct {
	mu   sync.Mutex
	out  io.Writer
	info io.Writer
}

func (p *linePrinter) Begin(taskID, runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.info, "==> running %s (run %s)\n", taskID, runID)
}

func (p *linePrinter) Append(_, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func (p *linePrinter) Finish(string, domain.TaskStatus) {}

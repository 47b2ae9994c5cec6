package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/domain"
)

func init() {
	progressCmd.Flags().BoolVarP(&progressFollow, "follow", "f", false, "Keep polling until the run completes")
	progressCmd.Flags().DurationVar(&progressInterval, "interval", time.Second, "Poll interval with --follow")
	progressCmd.Flags().BoolVar(&progressClear, "clear", false, "Drop the cached progress instead of printing it")
	rootCmd.AddCommand(progressCmd)
}

var (
	progressFollow   bool
	progressInterval time.Duration
	progressClear    bool
)

var progressCmd = &cobra.Command{
	Use:   "progress ID",
	Short: "Print the streamed output of a task from the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgress,
}

func runProgress(cmd *cobra.Command, args []string) error {
	client := newAPIClient(appConfig, serverAddr)
	path := "/api/tasks/" + url.PathEscape(args[0]) + "/progress"
	ctx := cmd.Context()

	if progressClear {
		if err := client.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared progress for %s\n", args[0])
		return nil
	}

	f := &progressFollower{}
	for {
		var p domain.Progress
		if err := client.do(ctx, http.MethodGet, path, nil, &p); err != nil {
			return err
		}
		for _, line := range f.next(p) {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		if !progressFollow || p.Completed {
			fmt.Fprintf(cmd.ErrOrStderr(), "==> %s %s (%d lines)\n", args[0], p.Status, len(p.Lines))
			return nil
		}
		if err := sleepCtx(ctx, progressInterval); err != nil {
			return err
		}
	}
}

// progressFollower tracks which lines were already printed. A new run id or
// a shorter record restarts from the first line.
type progressFollower struct {
	runID   string
	printed int
}

func (f *progressFollower) next(p domain.Progress) []string {
	if p.RunID != f.runID || len(p.Lines) < f.printed {
		f.runID = p.RunID
		f.printed = 0
	}
	lines := p.Lines[f.printed:]
	f.printed = len(p.Lines)
	return lines
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package cli

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/infra/scheduler"
)

func init() {
	addOutputFlag(statusCmd, &statusOutput)
	rootCmd.AddCommand(statusCmd)
}

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's scheduler state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st scheduler.Status
	if err := newAPIClient(appConfig, serverAddr).do(cmd.Context(), http.MethodGet, "/api/status", nil, &st); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if done, err := printStructured(out, statusOutput, st); done {
		return err
	}
	return printStatus(out, st)
}

func printStatus(out io.Writer, st scheduler.Status) error {
	execution := "disabled"
	if st.Enabled {
		execution = "enabled"
	}
	next := "-"
	if !st.NextCheckAt.IsZero() {
		next = fmt.Sprintf("in %ds (%s)", st.CountdownSeconds, formatTime(st.NextCheckAt))
	}

	w := newTable(out)
	fmt.Fprintf(w, "Execution:\t%s\n", execution)
	fmt.Fprintf(w, "Interval:\t%ds\n", st.Interval)
	fmt.Fprintf(w, "Max concurrent:\t%d\n", st.MaxConcurrent)
	fmt.Fprintf(w, "Priority order:\t%s\n", strings.Join(st.PriorityOrder, ", "))
	fmt.Fprintf(w, "Pending:\t%d\n", st.PendingCount)
	fmt.Fprintf(w, "Processing:\t%d\n", st.ProcessingCount)
	fmt.Fprintf(w, "Queued:\t%d\n", st.QueueSize)
	fmt.Fprintf(w, "Workers:\t%d\n", st.WorkerCount)
	fmt.Fprintf(w, "Last check:\t%s\n", formatTime(st.LastTickAt))
	fmt.Fprintf(w, "Next check:\t%s\n", next)
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", st.LastError)
	}
	fmt.Fprintf(w, "Admitted:\t%d (manual %d, duplicates skipped %d)\n",
		st.Stats.TotalAdmitted, st.Stats.TotalManual, st.Stats.TotalDuplicates)
	return w.Flush()
}

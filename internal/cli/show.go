package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	addOutputFlag(showCmd, &showOutput)
	rootCmd.AddCommand(showCmd)
}

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one task with its result or error",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	t, err := d.DB.RequireTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if done, err := printStructured(out, showOutput, t); done {
		return err
	}

	fmt.Fprintf(out, "ID:        %s\n", t.ID)
	fmt.Fprintf(out, "Status:    %s\n", t.Status)
	fmt.Fprintf(out, "Priority:  %s\n", t.Priority)
	fmt.Fprintf(out, "User:      %s\n", t.UserID)
	fmt.Fprintf(out, "Created:   %s\n", formatTime(t.CreatedAt))
	fmt.Fprintf(out, "Started:   %s\n", formatTime(t.StartedAt))
	fmt.Fprintf(out, "Finished:  %s\n", formatTime(t.CompletedAt))
	if dur := t.Duration(); dur > 0 {
		fmt.Fprintf(out, "Duration:  %s\n", dur.Round(100*time.Millisecond))
	}
	fmt.Fprintf(out, "\nMessage:\n%s\n", t.Message)
	if t.Result != "" {
		fmt.Fprintf(out, "\nResult:\n%s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Fprintf(out, "\nError:\n%s\n", t.Error)
	}
	return nil
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/domain"
)

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only tasks in this status")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum tasks to show")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Tasks to skip")
	addOutputFlag(listCmd, &listOutput)
	rootCmd.AddCommand(listCmd)
}

var (
	listStatus string
	listLimit  int
	listOffset int
	listOutput string
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks, newest first",
	RunE:    runList,
}

func runList(cmd *cobra.Command, args []string) error {
	f := domain.TaskFilter{Limit: listLimit, Offset: listOffset}
	if listStatus != "" {
		st, ok := domain.ParseStatus(listStatus)
		if !ok {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		f.Status = st
	}

	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	tasks, err := d.DB.ListTasks(cmd.Context(), f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if tasks == nil {
		tasks = []domain.Task{}
	}
	if done, err := printStructured(out, listOutput, tasks); done {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks. Run 'taskpilot create <message>' to add one.")
		return nil
	}

	w := newTable(out)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tCREATED\tMESSAGE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Priority,
			formatTime(t.CreatedAt),
			domain.Truncate(strings.Join(strings.Fields(t.Message), " "), 60),
		)
	}
	return w.Flush()
}

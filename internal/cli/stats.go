package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/domain"
)

func init() {
	addOutputFlag(statsCmd, &statsOutput)
	rootCmd.AddCommand(statsCmd)
}

var statsOutput string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tasks per status",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	stats, err := d.DB.Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if done, err := printStructured(out, statsOutput, stats); done {
		return err
	}

	w := newTable(out)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	total := 0
	for _, st := range domain.AllStatuses {
		fmt.Fprintf(w, "%s\t%d\n", st, stats[st])
		total += stats[st]
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	return w.Flush()
}

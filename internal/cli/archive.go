package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/domain"
)

func init() {
	archiveCmd.Flags().BoolVar(&archiveSweep, "sweep", false, "Archive every task past archive.after now")
	exportCmd.Flags().StringVar(&exportStatus, "status", string(domain.TaskArchived), "Export tasks in this status")
	rootCmd.AddCommand(archiveCmd, exportCmd)
}

var (
	archiveSweep bool
	exportStatus string
)

var archiveCmd = &cobra.Command{
	Use:   "archive [ID...]",
	Short: "Snapshot finished tasks to archive storage and mark them Archived",
	RunE:  runArchive,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write YAML snapshots of tasks to archive storage without changing them",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func runArchive(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !archiveSweep {
		return fmt.Errorf("pass task ids or --sweep")
	}

	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	out := cmd.OutOrStdout()
	for _, id := range args {
		p, err := d.Archive.Archive(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Archived %s -> %s\n", id, p)
	}
	if archiveSweep {
		n, err := d.Archive.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Swept %d task(s)\n", n)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	st, ok := domain.ParseStatus(exportStatus)
	if !ok {
		return fmt.Errorf("unknown status %q", exportStatus)
	}

	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	paths, err := d.Archive.Export(cmd.Context(), st)
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d %s task(s)\n", len(paths), st)
	return nil
}

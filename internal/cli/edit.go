package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	editCmd.Flags().StringVarP(&editMessage, "message", "m", "", "New message")
	editCmd.Flags().StringVarP(&editPriority, "priority", "p", "", "New priority label")
	rootCmd.AddCommand(editCmd)
}

var (
	editMessage  string
	editPriority string
)

var editCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Change the message or priority of a Pending task",
	Args:  cobra.ExactArgs(1),
	RunE:  runEdit,
}

func runEdit(cmd *cobra.Command, args []string) error {
	var message, priority *string
	if cmd.Flags().Changed("message") {
		message = &editMessage
	}
	if cmd.Flags().Changed("priority") {
		priority = &editPriority
	}
	if message == nil && priority == nil {
		return fmt.Errorf("nothing to change: pass --message and/or --priority")
	}

	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.DB.EditTask(cmd.Context(), args[0], message, priority); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", args[0])
	return nil
}

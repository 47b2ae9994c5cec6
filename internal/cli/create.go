package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/metrics"
)

func init() {
	createCmd.Flags().StringVarP(&createPriority, "priority", "p", domain.DefaultPriority, "Priority label (see exec config priority_order)")
	createCmd.Flags().StringVarP(&createUser, "user", "u", "", "Submitting user (default $USER)")
	rootCmd.AddCommand(createCmd)
}

var (
	createPriority string
	createUser     string
)

var createCmd = &cobra.Command{
	Use:   "create MESSAGE...",
	Short: "Add a Pending task",
	Long: `Add a Pending task whose message is the joined arguments.
Use "-" to read the message from stdin.

Example:
  taskpilot create -p high "Fix the failing test in pkg/parser"
  git diff | taskpilot create -`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

func runCreate(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")
	if message == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		message = string(data)
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message is empty")
	}

	user := createUser
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "cli"
	}

	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.DB.CreateTask(cmd.Context(), user, message, createPriority)
	if err != nil {
		return err
	}
	metrics.TasksCreated.Inc()
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

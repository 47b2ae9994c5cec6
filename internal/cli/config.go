package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/execconfig"
)

func init() {
	addOutputFlag(configGetCmd, &configOutput)
	configCmd.AddCommand(configGetCmd, configSetCmd, configToggleCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or change the execution config",
	Long: `Read or change the hot-reloaded execution config. A running daemon picks
up every change on its next check, or immediately when it watches the file.

Keys: ` + strings.Join(execconfig.Keys, ", "),
}

var configGetCmd = &cobra.Command{
	Use:   "get [KEY]",
	Short: "Print the config, or one key",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Change one key and print the diff",
	Example: `  taskpilot config set max_concurrent 3
  taskpilot config set priority_order urgent,high,normal,low`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configToggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Turn task execution on or off",
	Args:  cobra.NoArgs,
	RunE:  runConfigToggle,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), execStore().Path())
	},
}

func execStore() *execconfig.Store {
	return execconfig.NewStore(appConfig.Scheduler.ExecConfig)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg, err := execStore().Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		v, err := configValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
		return nil
	}
	if done, err := printStructured(out, configOutput, cfg); done {
		return err
	}

	w := newTable(out)
	for _, key := range execconfig.Keys {
		v, _ := configValue(cfg, key)
		fmt.Fprintf(w, "%s\t%s\n", key, v)
	}
	return w.Flush()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	store := execStore()
	before, after, err := store.Set(args[0], args[1])
	if err != nil {
		return err
	}
	diff, err := configDiff(store.Path(), before, after)
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "No change.")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), diff)
	return nil
}

func runConfigToggle(cmd *cobra.Command, args []string) error {
	cfg, err := execStore().Toggle()
	if err != nil {
		return err
	}
	state := "disabled"
	if cfg.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task execution %s.\n", state)
	return nil
}

func configValue(cfg domain.ExecConfig, key string) (string, error) {
	switch key {
	case "enabled":
		return strconv.FormatBool(cfg.Enabled), nil
	case "interval":
		return strconv.Itoa(cfg.Interval), nil
	case "max_concurrent":
		return strconv.Itoa(cfg.MaxConcurrent), nil
	case "priority_order":
		return strings.Join(cfg.PriorityOrder, ","), nil
	default:
		return "", fmt.Errorf("%w: unknown key %q (valid: %s)", domain.ErrInvalidConfig, key, strings.Join(execconfig.Keys, ", "))
	}
}

// configDiff renders a unified diff of the two configs as indented JSON.
// It is empty when nothing changed.
func configDiff(path string, before, after domain.ExecConfig) (string, error) {
	a, err := json.MarshalIndent(before, "", "  ")
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(after, "", "  ")
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a) + "\n"),
		B:        difflib.SplitLines(string(b) + "\n"),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	})
}

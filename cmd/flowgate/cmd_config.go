package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/user/flowgate/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the config file",
	Long: `Inspect and edit the flowgate config file. Values are addressed by
dot-separated keys (run "flowgate config list" to see them all); secret
values are masked in output.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every configuration key and its value",
	Args:  cobra.NoArgs,
	RunE:  runConfigList,
}

var configGetCmd = &cobra.Command{
	Use:     "get <key>",
	Short:   "Print one configuration value",
	Example: "  flowgate config get queue.max_concurrent_sends",
	Args:    cobra.ExactArgs(1),
	RunE:    runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one configuration value",
	Example: `  flowgate config set log_level debug
  flowgate config set context.ttl_seconds 7200`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func runConfigList(cmd *cobra.Command, args []string) error {
	values, err := config.ListValues(loadConfig(), true)
	if err != nil {
		return fmt.Errorf("list config: %w", err)
	}
	for _, key := range config.Keys(values) {
		fmt.Fprintf(os.Stdout, "%s = %v\n", key, values[key])
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	val, err := config.GetValue(cfgPath, args[0])
	if err != nil {
		return err
	}
	if config.IsSecretKey(args[0]) {
		masked := config.MaskSecrets(map[string]any{args[0]: val})
		val = masked[args[0]]
	}
	fmt.Fprintln(os.Stdout, val)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if err := config.SetValue(cfgPath, key, value); err != nil {
		return err
	}
	if config.IsSecretKey(key) {
		value = "***"
	}
	fmt.Fprintf(os.Stdout, "Set %s = %s\n", key, value)
	return nil
}

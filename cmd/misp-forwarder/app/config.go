package app

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/misp-secops-forwarder/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the configuration file",
	Long: `Inspect and edit the configuration file.

Changes made with 'config set' are validated before the file is written and are
picked up by a running forwarder without a restart.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all settings with their effective values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := settingsStore().List()
		if err != nil {
			return err
		}
		return renderSettings(cmd.OutOrStdout(), settings)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := settingsStore().Get(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := settingsStore().Set(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
		return err
	},
}

func init() {
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

func settingsStore() *config.SettingsStore {
	return config.NewSettingsStore(viper.GetString("config"))
}

func renderSettings(w io.Writer, settings []config.Setting) error {
	table := tablewriter.NewWriter(w)
	table.Header("Key", "Value")
	for _, s := range settings {
		value := ""
		if s.Value != nil {
			value = fmt.Sprint(s.Value)
		}
		if err := table.Append([]string{s.Key, value}); err != nil {
			return fmt.Errorf("failed to render settings: %w", err)
		}
	}
	return table.Render()
}

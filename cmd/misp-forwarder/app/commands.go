// Package app provides the command line interface of the forwarder.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/misp-secops-forwarder/internal/versions"
)

const defaultConfigPath = "config.yaml"

// levelVar is the process log level, updated by the supervisor on every applied snapshot
var levelVar = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:               "misp-forwarder",
	DisableAutoGenTag: true,
	Short:             "Forward MISP threat indicators to Google SecOps",
	Long: `misp-forwarder periodically fetches threat indicators from a MISP instance,
converts them to entity context records and delivers them to the Google SecOps
entity ingestion API. Progress is tracked by a durable cursor so every indicator
is delivered at least once.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates the root command. level is adjusted whenever the
// configured log_level changes.
func NewRootCmd(level *slog.LevelVar) *cobra.Command {
	if level != nil {
		levelVar = level
	}

	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to the configuration file (YAML or JSON)")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cursorCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return fmt.Errorf("failed to get format flag: %w", err)
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to format version info: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), info.String())
		return err
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}

package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/misp-secops-forwarder/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL cursor table",
	Long: `Manage the PostgreSQL cursor table. Use with 'up' or 'down' subcommands.

'run' applies pending migrations automatically when --database-url is set.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create the cursor table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigration(cmd, false)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Drop the cursor table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigration(cmd, true)
	},
}

func init() {
	migrateDownCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

func runMigration(cmd *cobra.Command, down bool) error {
	ctx := cmd.Context()
	dsn := viper.GetString(keyDatabaseURL)
	if dsn == "" {
		return errors.New("--database-url or DATABASE_URL is required")
	}

	if down {
		yes, err := cmd.Flags().GetBool("yes")
		if err != nil {
			return fmt.Errorf("failed to get yes flag: %w", err)
		}
		if !yes {
			_, _ = fmt.Fprint(cmd.OutOrStdout(), "This deletes the stored cursor. Continue? (yes/no): ")
			var response string
			if _, err := fmt.Fscanln(cmd.InOrStdin(), &response); err != nil {
				return fmt.Errorf("failed to read user input: %w", err)
			}
			if response != "yes" && response != "y" {
				slog.Info("Migration cancelled by user")
				return nil
			}
		}
	}

	pool, err := openPool(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	if down {
		if err := database.MigrateDown(ctx, pool); err != nil {
			return err
		}
		slog.Info("Cursor table dropped")
		return nil
	}
	if err := database.MigrateUp(ctx, pool); err != nil {
		return err
	}
	slog.Info("Cursor table is up to date")
	return nil
}

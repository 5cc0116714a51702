package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/misp-secops-forwarder/internal/config"
	"github.com/stacklok/misp-secops-forwarder/internal/cursor"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect and reset the synchronization cursor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored cursor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		c, err := store.Load(cmd.Context())
		out := cmd.OutOrStdout()
		switch {
		case errors.Is(err, cursor.ErrCorrupt):
			_, _ = fmt.Fprintf(out, "corrupt: %v\nrun 'misp-forwarder cursor reset' to recover\n", err)
			return err
		case err != nil:
			return err
		case c == nil:
			_, err = fmt.Fprintln(out, "absent")
		default:
			_, err = fmt.Fprintln(out, c.String())
		}
		return err
	},
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Overwrite the stored cursor",
	Long: `Overwrite the stored cursor, clearing any corruption.

By default the cursor is set to the start of the configured historical polling
window (historical_polling_days), or to the current time when historical polling
is disabled. --lookback and --timestamp select a different position.`,
	Args: cobra.NoArgs,
	RunE: runCursorReset,
}

func init() {
	cursorResetCmd.Flags().String("lookback", "", "Number of days or YYYY-MM-DD date to reset to")
	cursorResetCmd.Flags().Int64("timestamp", 0, "Unix timestamp to reset to")
	cursorResetCmd.MarkFlagsMutuallyExclusive("lookback", "timestamp")

	cursorCmd.AddCommand(cursorShowCmd)
	cursorCmd.AddCommand(cursorResetCmd)
}

func runCursorReset(cmd *cobra.Command, _ []string) error {
	lookback, err := cmd.Flags().GetString("lookback")
	if err != nil {
		return fmt.Errorf("failed to get lookback flag: %w", err)
	}
	timestamp, err := cmd.Flags().GetInt64("timestamp")
	if err != nil {
		return fmt.Errorf("failed to get timestamp flag: %w", err)
	}

	target, err := resetTarget(lookback, timestamp, cmd.Flags().Changed("timestamp"), time.Now())
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Reset(cmd.Context(), target); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "cursor reset to %s\n", target.String())
	return err
}

// resetTarget decides where cursor reset moves the cursor to
func resetTarget(lookback string, timestamp int64, hasTimestamp bool, now time.Time) (cursor.Cursor, error) {
	if hasTimestamp {
		if timestamp < 0 {
			return cursor.Cursor{}, fmt.Errorf("timestamp must not be negative, got %d", timestamp)
		}
		return cursor.Cursor{LastTimestamp: timestamp}, nil
	}

	if lookback == "" {
		cfg, err := config.LoadConfig(config.WithConfigPath(viper.GetString("config")))
		if err != nil {
			return cursor.Cursor{}, fmt.Errorf("failed to read historical_polling_days, pass --lookback: %w", err)
		}
		lookback = cfg.HistoricalPollingDays
	}

	lb, err := config.ParseLookback(lookback, now)
	if err != nil {
		return cursor.Cursor{}, fmt.Errorf("invalid lookback: %w", err)
	}
	return cursor.FromTime(lb.Start(now)), nil
}

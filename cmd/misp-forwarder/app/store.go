package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"

	"github.com/stacklok/misp-secops-forwarder/database"
	"github.com/stacklok/misp-secops-forwarder/internal/cursor"
)

const (
	defaultStateFile = "misp_data/state.json"

	keyStateFile   = "state_file"
	keyDatabaseURL = "database_url"
)

func init() {
	rootCmd.PersistentFlags().String("state-file", defaultStateFile, "Path of the cursor state file")
	rootCmd.PersistentFlags().String("database-url", "",
		"PostgreSQL connection string; when set the cursor is stored in the database instead of the state file")

	if err := viper.BindPFlag(keyStateFile, rootCmd.PersistentFlags().Lookup("state-file")); err != nil {
		slog.Error("Error binding state-file flag", "error", err)
	}
	if err := viper.BindPFlag(keyDatabaseURL, rootCmd.PersistentFlags().Lookup("database-url")); err != nil {
		slog.Error("Error binding database-url flag", "error", err)
	}
	if err := viper.BindEnv(keyDatabaseURL, "DATABASE_URL"); err != nil {
		slog.Error("Error binding DATABASE_URL", "error", err)
	}
}

// openStore opens the cursor store selected by the command line.
// The returned close function must be called once the store is no longer used.
func openStore(ctx context.Context) (cursor.Store, func(), error) {
	if dsn := viper.GetString(keyDatabaseURL); dsn != "" {
		pool, err := openPool(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := database.MigrateUp(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("Using PostgreSQL cursor store")
		return cursor.NewPostgresStore(pool), pool.Close, nil
	}

	path := viper.GetString(keyStateFile)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	slog.Info("Using file cursor store", "path", path)
	return cursor.NewFileStore(path), func() {}, nil
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

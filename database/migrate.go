// Package database holds the schema used by the PostgreSQL cursor store.
package database

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/000001_cursor.up.sql
var cursorMigrationUp string

//go:embed migrations/000001_cursor.down.sql
var cursorMigrationDown string

// Execer is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// MigrateUp creates the cursor table if it does not exist
func MigrateUp(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, cursorMigrationUp); err != nil {
		return fmt.Errorf("failed to apply cursor migration: %w", err)
	}
	return nil
}

// MigrateDown drops the cursor table
func MigrateDown(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, cursorMigrationDown); err != nil {
		return fmt.Errorf("failed to revert cursor migration: %w", err)
	}
	return nil
}

package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	selectCursorSQL = `SELECT last_timestamp FROM forwarder_cursor WHERE id = 1`

	selectCursorForUpdateSQL = selectCursorSQL + ` FOR UPDATE`

	upsertCursorSQL = `
INSERT INTO forwarder_cursor (id, last_timestamp, updated_at)
VALUES (1, $1, now())
ON CONFLICT (id) DO UPDATE
SET last_timestamp = EXCLUDED.last_timestamp, updated_at = EXCLUDED.updated_at`
)

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a cursor store backed by the forwarder_cursor table.
// The table is created by database.MigrateUp.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

// Load returns the stored cursor, nil if the row does not exist
func (p *postgresStore) Load(ctx context.Context) (*Cursor, error) {
	return scanCursor(p.pool.QueryRow(ctx, selectCursorSQL))
}

// Commit replaces the cursor inside a transaction that holds the row lock
func (p *postgresStore) Commit(ctx context.Context, c Cursor) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := scanCursor(tx.QueryRow(ctx, selectCursorForUpdateSQL))
	if err != nil {
		return err
	}
	if err := checkAdvance(current, c); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, upsertCursorSQL, c.LastTimestamp); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}

// Reset overwrites the cursor row
func (p *postgresStore) Reset(ctx context.Context, c Cursor) error {
	if _, err := p.pool.Exec(ctx, upsertCursorSQL, c.LastTimestamp); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

func scanCursor(row pgx.Row) (*Cursor, error) {
	var ts *int64
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	if ts == nil || *ts < 0 {
		return nil, fmt.Errorf("%w: forwarder_cursor holds an invalid timestamp", ErrCorrupt)
	}
	return &Cursor{LastTimestamp: *ts}, nil
}

func checkAdvance(current *Cursor, next Cursor) error {
	if current != nil && next.LastTimestamp < current.LastTimestamp {
		return fmt.Errorf("%w: stored %d, commit %d", ErrRegression, current.LastTimestamp, next.LastTimestamp)
	}
	return nil
}

// Package cursor provides durable storage of synchronization progress.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

var (
	// ErrCorrupt is returned when the stored cursor cannot be decoded.
	// A corrupt store refuses commits until it is explicitly reset.
	ErrCorrupt = errors.New("cursor store is corrupt")

	// ErrLocked is returned when another process holds the store lock for too long
	ErrLocked = errors.New("cursor store is locked by another process")

	// ErrRegression is returned when a commit would move the cursor backwards
	ErrRegression = errors.New("cursor must not move backwards")
)

// Cursor records the newest source timestamp that has been fully delivered
type Cursor struct {
	LastTimestamp int64 `json:"last_timestamp"`
}

// FromTime builds a cursor from a wall clock time
func FromTime(t time.Time) Cursor {
	return Cursor{LastTimestamp: t.Unix()}
}

// Time returns the cursor as a UTC time
func (c Cursor) Time() time.Time {
	return time.Unix(c.LastTimestamp, 0).UTC()
}

// String implements fmt.Stringer
func (c Cursor) String() string {
	return fmt.Sprintf("%d (%s)", c.LastTimestamp, c.Time().Format(time.RFC3339))
}

// Store persists the synchronization cursor
type Store interface {
	// Load returns the stored cursor, or nil if none has been written yet.
	// Returns ErrCorrupt if the stored record cannot be decoded.
	Load(ctx context.Context) (*Cursor, error)

	// Commit atomically replaces the stored cursor.
	// Fails with ErrCorrupt on a corrupt store and ErrRegression if c is older than the stored cursor.
	Commit(ctx context.Context, c Cursor) error

	// Reset unconditionally overwrites the stored cursor, clearing any corruption
	Reset(ctx context.Context, c Cursor) error
}

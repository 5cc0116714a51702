package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	// DefaultStatePath is where the cursor file lives unless configured otherwise
	DefaultStatePath = "misp_data/state.json"

	lockRetryDelay = 50 * time.Millisecond
	lockTimeout    = 5 * time.Second
)

// fileRecord mirrors the on-disk format. A missing field is treated as corruption.
type fileRecord struct {
	LastTimestamp *int64 `json:"last_timestamp"`
}

type fileStore struct {
	path string
}

// NewFileStore creates a cursor store backed by a JSON file.
// Writes go to a temporary file that is renamed over the target, under an advisory lock.
func NewFileStore(path string) Store {
	if path == "" {
		path = DefaultStatePath
	}
	return &fileStore{path: path}
}

// Load reads the cursor file
func (f *fileStore) Load(ctx context.Context) (*Cursor, error) {
	unlock, err := f.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return f.read()
}

// Commit replaces the cursor if the store is healthy and the cursor does not regress
func (f *fileStore) Commit(ctx context.Context, c Cursor) error {
	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := f.read()
	if err != nil {
		return err
	}
	if err := checkAdvance(current, c); err != nil {
		return err
	}

	return f.write(c)
}

// Reset overwrites the cursor file whatever its current content
func (f *fileStore) Reset(ctx context.Context, c Cursor) error {
	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return f.write(c)
}

func (f *fileStore) read() (*Cursor, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, f.path, err)
	}
	if rec.LastTimestamp == nil || *rec.LastTimestamp < 0 {
		return nil, fmt.Errorf("%w: %s: missing or negative last_timestamp", ErrCorrupt, f.path)
	}

	return &Cursor{LastTimestamp: *rec.LastTimestamp}, nil
}

func (f *fileStore) write(c Cursor) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0750); err != nil {
		return fmt.Errorf("failed to create cursor directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary cursor file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename cursor file: %w", err)
	}

	return nil
}

func (f *fileStore) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create cursor directory: %w", err)
	}

	fl := flock.New(f.path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if errors.Is(err, context.DeadlineExceeded) || err == nil {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock cursor file: %w", err)
	}

	return func() {
		_ = fl.Unlock()
	}, nil
}

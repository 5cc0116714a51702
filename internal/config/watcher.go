package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for a burst of file events to settle
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes the configuration file and emits one change signal per burst of edits.
//
// The parent directory is watched rather than the file itself so that editors
// and the settings store, which replace the file by rename, keep being observed.
type Watcher struct {
	path     string
	debounce time.Duration
	changes  chan struct{}
}

// NewWatcher creates a watcher for the configuration file at path
func NewWatcher(path string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		changes:  make(chan struct{}, 1),
	}
}

// Changes returns the channel on which change signals are delivered.
// Signals are coalesced: a pending signal is never duplicated.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Run watches the configuration file until the context is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	slog.Info("Started watching configuration file", "path", w.path)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping config file watcher")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				slog.Debug("Configuration file event", "op", event.Op.String())
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			slog.Error("Config file watcher error", "error", err)
		}
	}
}

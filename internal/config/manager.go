package config

import (
	"fmt"
	"sync/atomic"
)

// Manager owns the current configuration snapshot.
//
// Snapshots are immutable. A reload never mutates the current snapshot in place:
// callers load a candidate with Load, decide whether to apply it and then
// publish it with Swap, which only succeeds if nobody else replaced the
// snapshot in the meantime.
type Manager struct {
	path    string
	opts    []Option
	current atomic.Pointer[Config]
}

// NewManager creates a Manager and loads the initial snapshot from path.
// Returns an error if the initial configuration cannot be loaded or is invalid.
func NewManager(path string, opts ...Option) (*Manager, error) {
	m := &Manager{
		path: path,
		opts: opts,
	}

	cfg, err := m.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}
	cfg.Version = 1
	m.current.Store(cfg)

	return m, nil
}

// Path returns the configuration file path
func (m *Manager) Path() string {
	return m.path
}

// Current returns the snapshot in force.
// Multiple goroutines can safely call this method concurrently.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Load reads and validates a candidate snapshot without applying it
func (m *Manager) Load() (*Config, error) {
	opts := append([]Option{WithConfigPath(m.path)}, m.opts...)
	return LoadConfig(opts...)
}

// Swap publishes next if old is still the current snapshot.
// next must not have been shared with any other goroutine yet.
func (m *Manager) Swap(old, next *Config) bool {
	if old != nil {
		next.Version = old.Version + 1
	}
	return m.current.CompareAndSwap(old, next)
}

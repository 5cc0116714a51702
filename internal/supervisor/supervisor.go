// Package supervisor owns the lifecycle of the synchronization loop and applies
// configuration changes to it.
//
// On every change event the supervisor loads and validates a candidate snapshot,
// builds the replacement loop, and only then stops the running one. A rejected
// candidate leaves the running loop and the current snapshot untouched.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/misp-secops-forwarder/internal/config"
	"github.com/stacklok/misp-secops-forwarder/internal/cursor"
	"github.com/stacklok/misp-secops-forwarder/internal/status"
	"github.com/stacklok/misp-secops-forwarder/internal/sync/coordinator"
	"github.com/stacklok/misp-secops-forwarder/internal/telemetry"
)

// Reload results, as recorded in metrics
const (
	ReloadApplied   = "applied"
	ReloadRejected  = "rejected"
	ReloadUnchanged = "unchanged"
)

const (
	defaultResetMaxTries uint = 3
	defaultResetInterval      = 500 * time.Millisecond
)

// Factory builds a loop instance bound to cfg. It must not start it.
type Factory func(ctx context.Context, cfg *config.Config) (Runner, error)

// Option configures the Supervisor
type Option func(*Supervisor)

// WithLevelVar sets the log level variable updated from each applied snapshot
func WithLevelVar(level *slog.LevelVar) Option {
	return func(s *Supervisor) {
		s.level = level
	}
}

// WithTracker sets the status tracker
func WithTracker(t *status.Tracker) Option {
	return func(s *Supervisor) {
		s.tracker = t
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *telemetry.ForwarderMetrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithClock sets the clock used for lookback resets
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// WithResetBackOff sets the backoff policy factory used when a lookback cursor reset fails
func WithResetBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Supervisor) {
		s.newResetBackOff = newBackOff
	}
}

// Supervisor restarts the loop whenever the configuration changes
type Supervisor struct {
	manager *config.Manager
	changes <-chan struct{}
	factory Factory
	store   cursor.Store
	level   *slog.LevelVar
	tracker *status.Tracker
	metrics *telemetry.ForwarderMetrics
	now     func() time.Time

	newResetBackOff func() backoff.BackOff
	// pendingReset is a lookback whose cursor reset has not reached the store yet
	pendingReset *config.Lookback
}

// New creates a Supervisor. changes delivers one value per detected configuration
// modification, typically config.Watcher.Changes().
func New(manager *config.Manager, changes <-chan struct{}, factory Factory, store cursor.Store, opts ...Option) *Supervisor {
	s := &Supervisor{
		manager: manager,
		changes: changes,
		factory: factory,
		store:   store,
		now:     time.Now,

		newResetBackOff: defaultResetBackOff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = status.NewTracker()
	}
	return s
}

func defaultResetBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultResetInterval
	return b
}

// Tracker returns the status tracker fed by the supervisor
func (s *Supervisor) Tracker() *status.Tracker {
	return s.tracker
}

// Run starts a loop for the current snapshot and supervises it until ctx is cancelled.
// It returns coordinator.ErrTestLimitReached when the test mode budget is spent,
// and an error if the initial loop cannot be built.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.manager.Current()
	s.applyLevel(cfg)

	runner, err := s.factory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build synchronization loop: %w", err)
	}
	s.tracker.RecordApplied(cfg)
	slog.Info("Starting synchronization loop",
		"config_version", cfg.Version,
		"fetch_interval", cfg.Interval(),
		"test_mode", cfg.TestMode)
	done := s.start(ctx, runner)

	changes := s.changes
	for {
		select {
		case <-ctx.Done():
			runner.Stop()
			<-done
			s.tracker.SetLoop(nil)
			return nil

		case err := <-done:
			s.tracker.SetLoop(nil)
			return s.exited(ctx, err)

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			next, nextDone, err := s.reload(ctx, runner, done)
			if err != nil {
				return err
			}
			runner, done = next, nextDone
		}
	}
}

func (s *Supervisor) start(ctx context.Context, r Runner) <-chan error {
	s.tracker.SetLoop(r.LoopState)
	done := make(chan error, 1)
	go func() {
		done <- r.Start(ctx)
	}()
	return done
}

// exited handles a loop that stopped on its own
func (*Supervisor) exited(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, coordinator.ErrTestLimitReached):
		return err
	case err != nil:
		return fmt.Errorf("synchronization loop failed: %w", err)
	case ctx.Err() != nil:
		return nil
	default:
		return errors.New("synchronization loop stopped unexpectedly")
	}
}

// reload applies one change event. It returns the runner and done channel that are
// active afterwards, which are the old ones when the change was not applied.
//
// An event whose content matches the snapshot in force still restarts the loop
// when a lookback cursor reset is pending, so that the reset is retried.
func (s *Supervisor) reload(ctx context.Context, runner Runner, done <-chan error) (Runner, <-chan error, error) {
	current := s.manager.Current()

	next, err := s.manager.Load()
	if err != nil {
		s.reject(ctx, err)
		return runner, done, nil
	}
	unchanged := next.Hash == current.Hash
	if unchanged {
		s.tracker.ClearRejection()
		if s.pendingReset == nil {
			slog.Debug("Configuration unchanged, ignoring event", "config_version", current.Version)
			s.metrics.RecordConfigReload(ctx, ReloadUnchanged)
			return runner, done, nil
		}
		next = current
	}

	nextRunner, err := s.factory(ctx, next)
	if err != nil {
		s.reject(ctx, fmt.Errorf("failed to build synchronization loop: %w", err))
		return runner, done, nil
	}

	if unchanged {
		slog.Info("Retrying pending cursor reset, restarting synchronization loop", "config_version", current.Version)
	} else {
		slog.Info("Configuration changed, restarting synchronization loop", "config_version", current.Version)
	}
	runner.Stop()
	stopErr := <-done
	s.tracker.SetLoop(nil)
	if errors.Is(stopErr, coordinator.ErrTestLimitReached) {
		return nil, nil, stopErr
	}

	if !unchanged {
		if !s.manager.Swap(current, next) {
			return nil, nil, errors.New("configuration snapshot replaced concurrently")
		}
		s.planCursorReset(current, next)
		s.applyLevel(next)
		s.tracker.RecordApplied(next)
		s.metrics.RecordConfigReload(ctx, ReloadApplied)
		slog.Info("Configuration applied",
			"config_version", next.Version,
			"hash", next.Hash[:min(len(next.Hash), 8)],
			"fetch_interval", next.Interval())
	}
	s.resetPendingCursor(ctx)

	return nextRunner, s.start(ctx, nextRunner), nil
}

func (s *Supervisor) reject(ctx context.Context, err error) {
	slog.Error("Configuration change rejected, keeping previous configuration", "error", err)
	s.tracker.RecordRejection(err)
	s.metrics.RecordConfigReload(ctx, ReloadRejected)
}

// planCursorReset marks the cursor for a reset to the new lookback start.
// A lookback that was switched off leaves the cursor where it is and drops any pending reset.
func (s *Supervisor) planCursorReset(current, next *config.Config) {
	now := s.now()
	before, after := current.Lookback(now), next.Lookback(now)
	if before.String() == after.String() {
		return
	}
	if after.Disabled() {
		if s.pendingReset != nil {
			slog.Info("Historical polling disabled, pending cursor reset dropped")
		} else {
			slog.Info("Historical polling disabled, cursor kept")
		}
		s.pendingReset = nil
		return
	}
	slog.Info("Lookback changed", "from", before.String(), "to", after.String())
	s.pendingReset = &after
}

// resetPendingCursor writes a pending lookback reset while no loop runs. When the store
// keeps failing the reset stays pending, the failure is reported as a rejection, and the
// next change event retries it.
func (s *Supervisor) resetPendingCursor(ctx context.Context) {
	if s.pendingReset == nil {
		return
	}
	lookback := *s.pendingReset

	var c cursor.Cursor
	operation := func() (struct{}, error) {
		c = cursor.FromTime(lookback.Start(s.now()))
		return struct{}{}, s.store.Reset(ctx, c)
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Cursor reset failed, retrying", "lookback", lookback.String(), "wait", wait, "error", err)
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.newResetBackOff()),
		backoff.WithMaxTries(defaultResetMaxTries),
		backoff.WithNotify(notify),
	)
	if err != nil {
		slog.Error("Failed to reset cursor after lookback change, will retry on the next change event",
			"lookback", lookback.String(),
			"error", err)
		s.tracker.RecordRejection(fmt.Errorf("cursor reset to lookback %s pending: %w", lookback.String(), err))
		return
	}

	s.pendingReset = nil
	s.metrics.RecordCursor(ctx, c.LastTimestamp)
	slog.Info("Cursor reset to lookback start", "lookback", lookback.String(), "cursor", c.String())
}

func (s *Supervisor) applyLevel(cfg *config.Config) {
	if s.level == nil {
		return
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return
	}
	if s.level.Level() != level {
		slog.Info("Log level changed", "level", cfg.LogLevel)
		s.level.Set(level)
	}
}

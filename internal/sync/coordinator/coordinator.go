package coordinator

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	pkgsync "github.com/stacklok/misp-secops-forwarder/internal/sync"
	"github.com/stacklok/misp-secops-forwarder/internal/telemetry"
)

// ErrTestLimitReached is returned by Start once the test mode delivery budget is spent
var ErrTestLimitReached = errors.New("test mode event limit reached")

// Runner executes synchronization cycles. *sync.Loop implements it.
type Runner interface {
	RunCycle(ctx context.Context, interrupt <-chan struct{}) (*pkgsync.Result, *pkgsync.Error)
	Budget() *pkgsync.Budget
}

// CycleObserver is notified after every cycle with its result or error
type CycleObserver func(*pkgsync.Result, *pkgsync.Error)

// Option is a function that configures the coordinator
type Option func(*Coordinator)

// WithMetrics sets the metrics used for dropped ticks
func WithMetrics(m *telemetry.ForwarderMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithObserver registers a callback invoked after each cycle
func WithObserver(fn CycleObserver) Option {
	return func(c *Coordinator) {
		c.observer = fn
	}
}

// Coordinator drives one Runner on a fixed interval
type Coordinator struct {
	runner   Runner
	interval time.Duration
	metrics  *telemetry.ForwarderMetrics
	observer CycleObserver

	busy    atomic.Bool
	dropped atomic.Uint64
	wg      gosync.WaitGroup

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce gosync.Once
	limit    chan struct{}
	done     chan struct{}
}

// New creates a coordinator for runner. interval must be positive.
func New(runner Runner, interval time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		runner:   runner,
		interval: interval,
		stopCh:   make(chan struct{}),
		limit:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the first cycle immediately and then one per interval.
// It blocks until Stop is called or ctx is cancelled, in which case it returns nil,
// or until the test mode budget is spent, in which case it returns ErrTestLimitReached.
// Any in-flight cycle has finished by the time Start returns.
func (c *Coordinator) Start(ctx context.Context) error {
	c.started.Store(true)
	defer close(c.done)

	select {
	case <-c.stopCh:
		return nil
	default:
	}
	if c.runner.Budget().Exhausted() {
		return ErrTestLimitReached
	}

	slog.Info("Starting sync coordinator", "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.trigger(ctx)

	for {
		select {
		case <-ticker.C:
			c.trigger(ctx)
		case <-c.limit:
			c.wg.Wait()
			slog.Info("Test mode event limit reached, stopping")
			return ErrTestLimitReached
		case <-c.stopCh:
			c.wg.Wait()
			slog.Info("Sync coordinator stopped")
			return nil
		case <-ctx.Done():
			c.wg.Wait()
			slog.Info("Sync coordinator stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// Stop interrupts the running cycle at its next safe point and waits for Start to return.
// It is safe to call more than once, and before Start.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		slog.Info("Stopping sync coordinator")
		close(c.stopCh)
	})
	if c.started.Load() {
		<-c.done
	}
}

// Busy reports whether a cycle is running
func (c *Coordinator) Busy() bool {
	return c.busy.Load()
}

// DroppedTicks returns the number of ticks dropped because a cycle was running
func (c *Coordinator) DroppedTicks() uint64 {
	return c.dropped.Load()
}

// trigger starts a cycle unless one is already running or the coordinator is stopping.
// A tick and Stop can be ready together, and select does not prefer either.
func (c *Coordinator) trigger(ctx context.Context) {
	select {
	case <-c.stopCh:
		return
	case <-ctx.Done():
		return
	default:
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.dropped.Add(1)
		c.metrics.RecordDroppedTick(ctx)
		slog.Debug("Cycle still running, dropping tick")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Store(false)

		res, err := c.runner.RunCycle(ctx, c.stopCh)
		if c.observer != nil {
			c.observer(res, err)
		}
		if c.runner.Budget().Exhausted() {
			select {
			case c.limit <- struct{}{}:
			default:
			}
		}
	}()
}

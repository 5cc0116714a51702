package sync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/misp-secops-forwarder/internal/config"
	"github.com/stacklok/misp-secops-forwarder/internal/cursor"
	"github.com/stacklok/misp-secops-forwarder/internal/entity"
	"github.com/stacklok/misp-secops-forwarder/internal/misp"
	"github.com/stacklok/misp-secops-forwarder/internal/telemetry"
)

// State is the position of a Loop inside its cycle
type State string

// Loop states
const (
	StateIdle       State = "IDLE"
	StateFetching   State = "FETCHING"
	StateConverting State = "CONVERTING"
	StateDelivering State = "DELIVERING"
	StateCommitting State = "COMMITTING"
)

// Failure reasons reported in Error.Reason
const (
	ReasonCursorUnavailable = "cursor-unavailable"
	ReasonSourceUnavailable = "source-unavailable"
	ReasonDeliveryFailed    = "delivery-failed"
	ReasonCommitFailed      = "commit-failed"
	ReasonInterrupted       = "interrupted"
)

// Cycle outcomes, as recorded in metrics
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

// ErrInterrupted is returned when a reconfiguration request stopped a cycle before delivery
var ErrInterrupted = errors.New("cycle interrupted before delivery")

// Error is a structured cycle failure
type Error struct {
	Err     error
	Message string
	// Phase is the state in which the cycle stopped
	Phase  State
	Reason string
	// Delivered counts entities accepted before a delivery failure
	Delivered int
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result describes a completed cycle
type Result struct {
	CycleID   string
	Fetched   int
	Converted int
	Skipped   int
	Delivered int
	// Partial is set when the source returned a malformed page and only the
	// indicators read before it were processed
	Partial error
	// Cursor is the stored cursor after the cycle
	Cursor cursor.Cursor
	// Advanced reports whether the cycle committed a new cursor
	Advanced bool
}

// IndicatorSource reads indicators newer than a cursor
//
//go:generate mockgen -destination=mocks/mock_loop.go -package=mocks -source=loop.go IndicatorSource,Ingester
type IndicatorSource interface {
	FetchSince(ctx context.Context, since int64, pageSize int, allowedTypes []string) iter.Seq2[misp.Indicator, error]
}

// Ingester delivers entities downstream and reports how many were accepted
type Ingester interface {
	Deliver(ctx context.Context, entities []entity.Entity, batchSize int) (int, error)
}

// LoopOption configures a Loop
type LoopOption func(*Loop)

// WithMetrics sets the metrics sink
func WithMetrics(m *telemetry.ForwarderMetrics) LoopOption {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithBudget caps deliveries, see Budget
func WithBudget(b *Budget) LoopOption {
	return func(l *Loop) {
		l.budget = b
	}
}

// WithTracer sets the tracer for cycle spans
func WithTracer(t trace.Tracer) LoopOption {
	return func(l *Loop) {
		l.tracer = t
	}
}

// WithClock sets the clock used for lookback and conversion
func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		l.now = now
	}
}

// Loop runs synchronization cycles against one immutable configuration snapshot
type Loop struct {
	cfg       *config.Config
	source    IndicatorSource
	ingester  Ingester
	store     cursor.Store
	converter *entity.Converter
	metrics   *telemetry.ForwarderMetrics
	tracer    trace.Tracer
	budget    *Budget
	now       func() time.Time

	state atomic.Value
}

// NewLoop creates a Loop bound to cfg
func NewLoop(cfg *config.Config, source IndicatorSource, ingester Ingester, store cursor.Store, opts ...LoopOption) *Loop {
	l := &Loop{
		cfg:      cfg,
		source:   source,
		ingester: ingester,
		store:    store,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.converter = entity.NewConverter(cfg.TTL(), entity.WithClock(l.now))
	l.state.Store(StateIdle)
	return l
}

// Config returns the snapshot the Loop is bound to
func (l *Loop) Config() *config.Config {
	return l.cfg
}

// State returns the current cycle state
func (l *Loop) State() State {
	return l.state.Load().(State)
}

// Budget returns the delivery budget, nil when unlimited
func (l *Loop) Budget() *Budget {
	return l.budget
}

func (l *Loop) enter(s State) {
	l.state.Store(s)
}

// sourced pairs an entity with the timestamp of the indicator it came from
type sourced struct {
	entity    entity.Entity
	timestamp int64
}

// RunCycle executes one complete cycle.
//
// Closing interrupt before DELIVERING starts abandons the cycle with ErrInterrupted
// and leaves the cursor untouched. Once delivery has begun the cycle runs to completion.
func (l *Loop) RunCycle(ctx context.Context, interrupt <-chan struct{}) (*Result, *Error) {
	cycleID := uuid.NewString()
	ctx, span := telemetry.StartSpan(ctx, l.tracer, "sync.cycle",
		trace.WithAttributes(
			telemetry.AttrCycleID.String(cycleID),
			telemetry.AttrConfigVersion.Int64(int64(l.cfg.Version)),
		))
	defer span.End()

	res, cerr := l.runCycle(ctx, interrupt, cycleID)
	if cerr != nil {
		span.SetAttributes(
			telemetry.AttrPhase.String(string(cerr.Phase)),
			telemetry.AttrReason.String(cerr.Reason),
			telemetry.AttrDelivered.Int(cerr.Delivered),
		)
		if cerr.Reason != ReasonInterrupted {
			telemetry.RecordError(span, cerr)
		}
		return nil, cerr
	}
	span.SetAttributes(
		telemetry.AttrFetched.Int(res.Fetched),
		telemetry.AttrSkipped.Int(res.Skipped),
		telemetry.AttrDelivered.Int(res.Delivered),
		telemetry.AttrCursor.Int64(res.Cursor.LastTimestamp),
	)
	return res, nil
}

func (l *Loop) runCycle(ctx context.Context, interrupt <-chan struct{}, cycleID string) (*Result, *Error) {
	res := &Result{CycleID: cycleID}
	logger := slog.With("cycle_id", res.CycleID)
	start := l.now()

	outcome := OutcomeFailed
	defer func() {
		l.enter(StateIdle)
		l.metrics.RecordCycle(ctx, outcome, l.now().Sub(start))
	}()

	current, cerr := l.loadCursor(ctx, logger)
	if cerr != nil {
		return nil, cerr
	}
	res.Cursor = current

	// FETCHING
	l.enter(StateFetching)
	logger.Info("Fetching indicators", "since", current.String())
	indicators, ferr := l.fetch(ctx, current.LastTimestamp, interrupt, res)
	if ferr != nil {
		if ferr.Reason == ReasonInterrupted {
			outcome = OutcomeInterrupted
			logger.Info("Cycle interrupted during fetch, cursor unchanged")
			return nil, ferr
		}
		logger.Error("Fetch failed, cursor unchanged", "error", ferr.Err)
		return nil, ferr
	}
	res.Fetched = len(indicators)
	l.metrics.AddFetched(ctx, res.Fetched)
	if res.Partial != nil {
		logger.Warn("Source returned a malformed page, continuing with partial results",
			"fetched", res.Fetched, "error", res.Partial)
	}
	if res.Fetched == 0 {
		logger.Info("No new indicators")
		outcome = OutcomeSuccess
		return res, nil
	}

	// CONVERTING
	l.enter(StateConverting)
	converted := l.convert(ctx, logger, indicators, res)
	maxTS := indicators[len(indicators)-1].Timestamp

	if allowed := l.budget.Allow(len(converted)); allowed < len(converted) {
		logger.Info("Test mode budget reached, truncating cycle",
			"allowed", allowed, "converted", len(converted))
		if allowed == 0 {
			outcome = OutcomeSuccess
			return res, nil
		}
		converted = converted[:allowed]
		maxTS = converted[allowed-1].timestamp
	}

	if isInterrupted(interrupt) {
		outcome = OutcomeInterrupted
		return nil, interruptedError(StateConverting)
	}

	// DELIVERING
	l.enter(StateDelivering)
	if len(converted) > 0 {
		entities := make([]entity.Entity, len(converted))
		for i, s := range converted {
			entities[i] = s.entity
		}
		delivered, err := l.deliver(ctx, entities)
		res.Delivered = delivered
		l.metrics.AddDelivered(ctx, delivered)
		l.budget.Consume(delivered)
		if err != nil {
			logger.Error("Delivery failed, cursor unchanged",
				"delivered", delivered,
				"total", len(entities),
				"error", err)
			return nil, &Error{
				Err:       err,
				Message:   fmt.Sprintf("Delivery failed after %d of %d entities: %v", delivered, len(entities), err),
				Phase:     StateDelivering,
				Reason:    ReasonDeliveryFailed,
				Delivered: delivered,
			}
		}
	}

	// COMMITTING
	l.enter(StateCommitting)
	if maxTS > current.LastTimestamp {
		next := cursor.Cursor{LastTimestamp: maxTS}
		if err := l.store.Commit(ctx, next); err != nil {
			logger.Error("Cursor commit failed", "cursor", next.String(), "error", err)
			return nil, &Error{
				Err:       err,
				Message:   fmt.Sprintf("Failed to commit cursor: %v", err),
				Phase:     StateCommitting,
				Reason:    ReasonCommitFailed,
				Delivered: res.Delivered,
			}
		}
		res.Cursor = next
		res.Advanced = true
		l.metrics.RecordCursor(ctx, maxTS)
	}

	outcome = OutcomeSuccess
	logger.Info("Cycle completed",
		"fetched", res.Fetched,
		"converted", res.Converted,
		"skipped", res.Skipped,
		"delivered", res.Delivered,
		"cursor", res.Cursor.String(),
		"advanced", res.Advanced)
	return res, nil
}

func (l *Loop) deliver(ctx context.Context, entities []entity.Entity) (int, error) {
	batchSize := l.cfg.EffectiveBatchSize()
	ctx, span := telemetry.StartSpan(ctx, l.tracer, "sync.deliver",
		trace.WithAttributes(telemetry.AttrBatchSize.Int(batchSize)))
	defer span.End()

	delivered, err := l.ingester.Deliver(ctx, entities, batchSize)
	span.SetAttributes(telemetry.AttrDelivered.Int(delivered))
	telemetry.RecordError(span, err)
	return delivered, err
}

// loadCursor returns the stored cursor, deriving and committing the initial one on first run
func (l *Loop) loadCursor(ctx context.Context, logger *slog.Logger) (cursor.Cursor, *Error) {
	stored, err := l.store.Load(ctx)
	if err != nil {
		logger.Error("Failed to load cursor", "error", err)
		return cursor.Cursor{}, &Error{
			Err:     err,
			Message: fmt.Sprintf("Failed to load cursor: %v", err),
			Phase:   StateIdle,
			Reason:  ReasonCursorUnavailable,
		}
	}
	if stored != nil {
		return *stored, nil
	}

	now := l.now()
	lb := l.cfg.Lookback(now)
	initial := cursor.FromTime(lb.Start(now))
	if err := l.store.Reset(ctx, initial); err != nil {
		logger.Error("Failed to store initial cursor", "error", err)
		return cursor.Cursor{}, &Error{
			Err:     err,
			Message: fmt.Sprintf("Failed to store initial cursor: %v", err),
			Phase:   StateIdle,
			Reason:  ReasonCursorUnavailable,
		}
	}
	logger.Info("No cursor found, starting from lookback",
		"lookback", lb.String(),
		"cursor", initial.String())
	l.metrics.RecordCursor(ctx, initial.LastTimestamp)
	return initial, nil
}

// fetch drains the source. A malformed page ends the fetch but keeps what was read,
// recording the page error in res.Partial. The returned indicators are sorted by source timestamp.
func (l *Loop) fetch(ctx context.Context, since int64, interrupt <-chan struct{}, res *Result) ([]misp.Indicator, *Error) {
	ctx, span := telemetry.StartSpan(ctx, l.tracer, "sync.fetch",
		trace.WithAttributes(telemetry.AttrCursor.Int64(since)))
	defer span.End()

	var out []misp.Indicator
	for ind, err := range l.source.FetchSince(ctx, since, l.cfg.FetchPageSize, entity.SupportedTypes()) {
		if err != nil {
			telemetry.RecordError(span, err)
			if errors.Is(err, misp.ErrSourceMalformed) {
				res.Partial = err
				break
			}
			return nil, &Error{
				Err:     err,
				Message: fmt.Sprintf("Fetch failed: %v", err),
				Phase:   StateFetching,
				Reason:  ReasonSourceUnavailable,
			}
		}
		if isInterrupted(interrupt) {
			return nil, interruptedError(StateFetching)
		}
		out = append(out, ind)
	}

	slices.SortStableFunc(out, func(a, b misp.Indicator) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	span.SetAttributes(telemetry.AttrFetched.Int(len(out)))
	return out, nil
}

// convert maps indicators to entities, counting skips. It never fails.
func (l *Loop) convert(ctx context.Context, logger *slog.Logger, indicators []misp.Indicator, res *Result) []sourced {
	out := make([]sourced, 0, len(indicators))
	for _, ind := range indicators {
		e, skip := l.converter.Convert(ind)
		if skip != entity.SkipNone {
			res.Skipped++
			l.metrics.RecordSkip(ctx, string(skip))
			logger.Debug("Skipped indicator",
				"type", ind.Type,
				"uuid", ind.UUID,
				"reason", skip)
			continue
		}
		out = append(out, sourced{entity: e, timestamp: ind.Timestamp})
	}
	res.Converted = len(out)
	return out
}

func isInterrupted(interrupt <-chan struct{}) bool {
	select {
	case <-interrupt:
		return true
	default:
		return false
	}
}

func interruptedError(phase State) *Error {
	return &Error{
		Err:     ErrInterrupted,
		Message: "Cycle interrupted by reconfiguration",
		Phase:   phase,
		Reason:  ReasonInterrupted,
	}
}

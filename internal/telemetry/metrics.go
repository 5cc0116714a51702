package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// ForwarderMetricsMeterName is the name used for the forwarder metrics meter
	ForwarderMetricsMeterName = "github.com/stacklok/misp-secops-forwarder/forwarder"
)

// ForwarderMetrics holds the OpenTelemetry instruments for synchronization cycles.
// All methods are no-ops on a nil receiver.
type ForwarderMetrics struct {
	cycles            metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	indicatorsFetched metric.Int64Counter
	entitiesDelivered metric.Int64Counter
	conversionSkips   metric.Int64Counter
	ticksDropped      metric.Int64Counter
	configReloads     metric.Int64Counter
	cursorTimestamp   metric.Int64Gauge
}

// NewForwarderMetrics creates the forwarder instruments on provider.
// If provider is nil, it returns nil (no-op metrics).
func NewForwarderMetrics(provider metric.MeterProvider) (*ForwarderMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ForwarderMetricsMeterName)
	m := &ForwarderMetrics{}
	var err error

	if m.cycles, err = meter.Int64Counter(
		"misp_fwd_cycles",
		metric.WithDescription("Synchronization cycles by outcome"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return nil, err
	}

	if m.cycleDuration, err = meter.Float64Histogram(
		"misp_fwd_cycle_duration",
		metric.WithDescription("Duration of synchronization cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	); err != nil {
		return nil, err
	}

	if m.indicatorsFetched, err = meter.Int64Counter(
		"misp_fwd_indicators_fetched",
		metric.WithDescription("Indicators read from MISP"),
		metric.WithUnit("{indicator}"),
	); err != nil {
		return nil, err
	}

	if m.entitiesDelivered, err = meter.Int64Counter(
		"misp_fwd_entities_delivered",
		metric.WithDescription("Entities accepted by the ingestion API"),
		metric.WithUnit("{entity}"),
	); err != nil {
		return nil, err
	}

	if m.conversionSkips, err = meter.Int64Counter(
		"misp_fwd_conversion_skips",
		metric.WithDescription("Indicators skipped during conversion by reason"),
		metric.WithUnit("{indicator}"),
	); err != nil {
		return nil, err
	}

	if m.ticksDropped, err = meter.Int64Counter(
		"misp_fwd_ticks_dropped",
		metric.WithDescription("Scheduler ticks dropped because a cycle was running"),
		metric.WithUnit("{tick}"),
	); err != nil {
		return nil, err
	}

	if m.configReloads, err = meter.Int64Counter(
		"misp_fwd_config_reloads",
		metric.WithDescription("Configuration change events by result"),
		metric.WithUnit("{reload}"),
	); err != nil {
		return nil, err
	}

	if m.cursorTimestamp, err = meter.Int64Gauge(
		"misp_fwd_cursor_timestamp",
		metric.WithDescription("Last committed source timestamp (unix seconds)"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordCycle records a finished cycle with its outcome ("success", "failed", "interrupted")
func (m *ForwarderMetrics) RecordCycle(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddFetched counts indicators read from the source
func (m *ForwarderMetrics) AddFetched(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.indicatorsFetched.Add(ctx, int64(n))
}

// AddDelivered counts entities accepted by the sink
func (m *ForwarderMetrics) AddDelivered(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.entitiesDelivered.Add(ctx, int64(n))
}

// RecordSkip counts one skipped indicator
func (m *ForwarderMetrics) RecordSkip(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.conversionSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDroppedTick counts one dropped scheduler tick
func (m *ForwarderMetrics) RecordDroppedTick(ctx context.Context) {
	if m == nil {
		return
	}
	m.ticksDropped.Add(ctx, 1)
}

// RecordConfigReload counts a configuration event ("applied", "rejected", "unchanged")
func (m *ForwarderMetrics) RecordConfigReload(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.configReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCursor records the committed cursor position
func (m *ForwarderMetrics) RecordCursor(ctx context.Context, timestamp int64) {
	if m == nil {
		return
	}
	m.cursorTimestamp.Record(ctx, timestamp)
}

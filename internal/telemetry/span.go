package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by forwarder spans
const (
	AttrCycleID       = attribute.Key("forwarder.cycle_id")
	AttrConfigVersion = attribute.Key("forwarder.config.version")
	AttrPhase         = attribute.Key("forwarder.phase")
	AttrReason        = attribute.Key("forwarder.reason")
	AttrCursor        = attribute.Key("forwarder.cursor")
	AttrFetched       = attribute.Key("forwarder.indicators.fetched")
	AttrSkipped       = attribute.Key("forwarder.indicators.skipped")
	AttrDelivered     = attribute.Key("forwarder.entities.delivered")
	AttrBatchSize     = attribute.Key("forwarder.batch_size")
)

// StartSpan starts a span on tracer, or returns the span already in ctx when tracer is nil
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed. The status description stays generic so that
// URLs and credentials carried by errors only appear in the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}

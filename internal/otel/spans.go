package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for runcoord spans.
var (
	AttrRunID       = attribute.Key("runcoord.run.id")
	AttrSessionID   = attribute.Key("runcoord.session.id")
	AttrWorkerID    = attribute.Key("runcoord.worker.id")
	AttrRuntimeMode = attribute.Key("runcoord.run.mode")
	AttrRunState    = attribute.Key("runcoord.run.state")
	AttrAttempt     = attribute.Key("runcoord.run.attempt")
	AttrEventType   = attribute.Key("runcoord.event.type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

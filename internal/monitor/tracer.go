package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "safe-code-sandbox"

// Tracer wraps OpenTelemetry tracing for the sandbox system.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider. With no
// provider installed every span is a no-op.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// NewTracerFromProvider creates a Tracer bound to a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(tracerName),
	}
}

// StartSpan creates a new span named sandbox.<name> and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("sandbox.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for sandbox tracing.
var (
	AttrExecID   = attribute.Key("sandbox.execution.id")
	AttrCodeHash = attribute.Key("sandbox.code_hash")
	AttrVerdict  = attribute.Key("sandbox.policy.verdict")
	AttrKind     = attribute.Key("sandbox.outcome.kind")
	AttrStatus   = attribute.Key("sandbox.outcome.status")
	AttrCached   = attribute.Key("sandbox.cached")
)

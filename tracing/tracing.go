// Package tracing wraps the OpenTelemetry trace API with context helpers.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	tracerKey contextKey = "tracer"

	fallbackTracerName = "ritemark-sync"
	keyValuePairSize   = 2
)

var (
	defaultTracer trace.Tracer //nolint:gochecknoglobals // guarded by tracerMu
	tracerMu      sync.RWMutex //nolint:gochecknoglobals // guards defaultTracer
)

// InitializeTracer binds the default tracer to the global tracer provider.
func InitializeTracer(serviceName string) {
	tracerMu.Lock()
	defaultTracer = otel.Tracer(serviceName)
	tracerMu.Unlock()
}

// WithTracer adds a tracer to the context.
func WithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey, tracer)
}

// FromContext retrieves the tracer from context or returns the default.
func FromContext(ctx context.Context) trace.Tracer {
	if ctxTracer, ok := ctx.Value(tracerKey).(trace.Tracer); ok {
		return ctxTracer
	}

	tracerMu.RLock()
	tracer := defaultTracer
	tracerMu.RUnlock()

	if tracer == nil {
		return otel.Tracer(fallbackTracerName)
	}

	return tracer
}

// StartSpan starts a new span with the given name.
func StartSpan(ctx context.Context, spanName string, attrs ...string) (context.Context, trace.Span) {
	return FromContext(ctx).Start(ctx, spanName, trace.WithAttributes(toAttributes(attrs...)...))
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(toAttributes(attrs...)...))
	}
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(toAttributes(attrs...)...)
	}
}

// SetError records an error on the current span.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetOK sets the span status to OK.
func SetOK(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
}

// WithSpan runs function inside a span and records its outcome.
func WithSpan(ctx context.Context, spanName string, function func(context.Context) error, attrs ...string) error {
	ctx, span := StartSpan(ctx, spanName, attrs...)
	defer span.End()

	err := function(ctx)
	if err != nil {
		SetError(ctx, err)
	} else {
		SetOK(ctx)
	}

	return err
}

func toAttributes(keyValues ...string) []attribute.KeyValue {
	if len(keyValues)%keyValuePairSize != 0 {
		keyValues = keyValues[:len(keyValues)-1]
	}

	attrs := make([]attribute.KeyValue, 0, len(keyValues)/keyValuePairSize)

	for i := 0; i < len(keyValues); i += keyValuePairSize {
		attrs = append(attrs, attribute.String(keyValues[i], keyValues[i+1]))
	}

	return attrs
}

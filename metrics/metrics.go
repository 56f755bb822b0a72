// Package metrics records engine counters and histograms through the
// OpenTelemetry metric API.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type contextKey string

const (
	meterKey contextKey = "meter"

	fallbackMeterName = "ritemark-sync"
	attributePairSize = 2
)

var (
	defaultMeter metric.Meter //nolint:gochecknoglobals // guarded by meterMu
	meterMu      sync.RWMutex //nolint:gochecknoglobals // guards defaultMeter
)

// InitializeMeter binds the default meter to the global meter provider.
func InitializeMeter(serviceName string) {
	meterMu.Lock()
	defaultMeter = otel.Meter(serviceName)
	meterMu.Unlock()
}

// WithMeter adds a meter to the context.
func WithMeter(ctx context.Context, meter metric.Meter) context.Context {
	return context.WithValue(ctx, meterKey, meter)
}

// FromContext retrieves the meter from context, the default meter, or the
// global provider's meter, in that order.
func FromContext(ctx context.Context) metric.Meter {
	if ctxMeter, ok := ctx.Value(meterKey).(metric.Meter); ok {
		return ctxMeter
	}

	meterMu.RLock()
	meter := defaultMeter
	meterMu.RUnlock()

	if meter == nil {
		return otel.Meter(fallbackMeterName)
	}

	return meter
}

// RecordCounter adds incr to the named counter.
func RecordCounter(ctx context.Context, name string, incr int64, attrs ...string) {
	counter, err := FromContext(ctx).Int64Counter(name)
	if err != nil {
		return
	}

	counter.Add(ctx, incr, metric.WithAttributes(toAttributes(attrs...)...))
}

// RecordHistogram records value in the named histogram.
func RecordHistogram(ctx context.Context, name string, value float64, attrs ...string) {
	histogram, err := FromContext(ctx).Float64Histogram(name)
	if err != nil {
		return
	}

	histogram.Record(ctx, value, metric.WithAttributes(toAttributes(attrs...)...))
}

// RecordDuration records the milliseconds elapsed since start.
func RecordDuration(ctx context.Context, name string, start time.Time, attrs ...string) {
	RecordHistogram(ctx, name, float64(time.Since(start).Milliseconds()), attrs...)
}

// RecordGauge adds delta to the named up-down counter.
func RecordGauge(ctx context.Context, name string, delta int64, attrs ...string) {
	gauge, err := FromContext(ctx).Int64UpDownCounter(name)
	if err != nil {
		return
	}

	gauge.Add(ctx, delta, metric.WithAttributes(toAttributes(attrs...)...))
}

// toAttributes pairs up keys and values; a trailing odd key is dropped.
func toAttributes(keyValues ...string) []attribute.KeyValue {
	if len(keyValues)%attributePairSize != 0 {
		keyValues = keyValues[:len(keyValues)-1]
	}

	attrs := make([]attribute.KeyValue, 0, len(keyValues)/attributePairSize)

	for i := 0; i < len(keyValues); i += attributePairSize {
		attrs = append(attrs, attribute.String(keyValues[i], keyValues[i+1]))
	}

	return attrs
}

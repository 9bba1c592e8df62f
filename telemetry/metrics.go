// Package telemetry provides simple metrics and span-event emission for the
// coordination layer. It writes through the OpenTelemetry global providers:
// when the embedding application installs no SDK, every call is a no-op.
//
// The API is deliberately small: Counter, Histogram, Duration for metrics,
// AddSpanEvent for trace annotations. Labels are passed as alternating
// key-value string pairs.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/danubecloud/que"

var (
	meter = otel.Meter(instrumentationName)

	countersMu sync.Mutex
	counters   = make(map[string]metric.Float64Counter)

	histogramsMu sync.Mutex
	histograms   = make(map[string]metric.Float64Histogram)
)

// Counter increments a counter metric by 1.
// Example: Counter("que.tasks.submitted", "queue", "fast")
func Counter(name string, labels ...string) {
	c, err := counterFor(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(labelAttrs(labels)...))
}

// Histogram records a value in a distribution.
// Example: Histogram("que.tasks.duration_ms", 125.3, "queue", "slow")
func Histogram(name string, value float64, labels ...string) {
	h, err := histogramFor(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(labelAttrs(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// AddSpanEvent attaches an event to the span active in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func counterFor(name string) (metric.Float64Counter, error) {
	countersMu.Lock()
	defer countersMu.Unlock()
	if c, ok := counters[name]; ok {
		return c, nil
	}
	c, err := meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	counters[name] = c
	return c, nil
}

func histogramFor(name string) (metric.Float64Histogram, error) {
	histogramsMu.Lock()
	defer histogramsMu.Unlock()
	if h, ok := histograms[name]; ok {
		return h, nil
	}
	h, err := meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	histograms[name] = h
	return h, nil
}

func labelAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

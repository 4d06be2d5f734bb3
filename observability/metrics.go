// Package observability records eventproc metrics and traces with
// OpenTelemetry.
//
// Both features are opt-in: the processor uses NoopMetrics and
// NoopSpanManager unless configured with eventproc.WithMetrics and
// eventproc.WithTracing.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/bjaus/eventproc"

// MetricsRecorder records eventproc metrics.
// Use NewMetricsRecorder for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordInvocation records one Invoke call with the shape of its outcome
	// ("single", "many" or "none") and its error, if any.
	RecordInvocation(ctx context.Context, shape string, duration time.Duration, err error)

	// RecordProcessor records one processor call. captured reports whether
	// the error strategy stored err in the result instead of returning it.
	RecordProcessor(ctx context.Context, processor string, duration time.Duration, err error, captured bool)
}

type otelMetrics struct {
	invocations       metric.Int64Counter
	invocationLatency metric.Float64Histogram
	invocationErrors  metric.Int64Counter
	processorCalls    metric.Int64Counter
	processorLatency  metric.Float64Histogram
	processorErrors   metric.Int64Counter
}

// NewMetricsRecorder returns a MetricsRecorder backed by mp. A nil mp uses
// the global meter provider.
func NewMetricsRecorder(mp metric.MeterProvider) (MetricsRecorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	invocations, err := meter.Int64Counter("eventproc.invocations",
		metric.WithDescription("Number of Invoke calls"),
	)
	if err != nil {
		return nil, err
	}

	invocationLatency, err := meter.Float64Histogram("eventproc.invocation.latency_ms",
		metric.WithDescription("Invoke latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	invocationErrors, err := meter.Int64Counter("eventproc.invocation.errors",
		metric.WithDescription("Number of Invoke calls that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	processorCalls, err := meter.Int64Counter("eventproc.processor.calls",
		metric.WithDescription("Number of processor calls"),
	)
	if err != nil {
		return nil, err
	}

	processorLatency, err := meter.Float64Histogram("eventproc.processor.latency_ms",
		metric.WithDescription("Processor latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	processorErrors, err := meter.Int64Counter("eventproc.processor.errors",
		metric.WithDescription("Number of failed processor calls"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		invocations:       invocations,
		invocationLatency: invocationLatency,
		invocationErrors:  invocationErrors,
		processorCalls:    processorCalls,
		processorLatency:  processorLatency,
		processorErrors:   processorErrors,
	}, nil
}

// RecordInvocation records an Invoke call.
func (m *otelMetrics) RecordInvocation(ctx context.Context, shape string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("shape", shape),
		attribute.Bool("success", err == nil),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.invocationLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.invocationErrors.Add(ctx, 1, attrs)
	}
}

// RecordProcessor records a processor call.
func (m *otelMetrics) RecordProcessor(ctx context.Context, processor string, duration time.Duration, err error, captured bool) {
	attrs := metric.WithAttributes(
		attribute.String("processor", processor),
	)
	m.processorCalls.Add(ctx, 1, attrs)
	m.processorLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.processorErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("processor", processor),
			attribute.Bool("captured", captured),
		))
	}
}

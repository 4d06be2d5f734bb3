package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics is a MetricsRecorder that exports to a Prometheus
// registry. Use it when the process is scraped rather than pushing OTLP.
type PrometheusMetrics struct {
	Invocations        *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	InvocationErrors   *prometheus.CounterVec
	ProcessorCalls     *prometheus.CounterVec
	ProcessorDuration  *prometheus.HistogramVec
	ProcessorErrors    *prometheus.CounterVec
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the eventproc metrics and registers them with
// registry.
//
// Pass an instance registry (prometheus.NewRegistry()) rather than
// prometheus.DefaultRegisterer when processors are rebuilt at runtime, so
// re-registration does not panic.
//
//	registry := prometheus.NewRegistry()
//	p := eventproc.New(eventproc.WithMetrics(observability.NewPrometheusMetrics(registry)))
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventproc_invocations_total",
			Help: "Total number of Invoke calls",
		}, []string{"shape", "success"}),
		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventproc_invocation_duration_seconds",
			Help:    "Time spent in Invoke",
			Buckets: prometheus.DefBuckets,
		}, []string{"shape"}),
		InvocationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventproc_invocation_errors_total",
			Help: "Total number of Invoke calls that returned an error",
		}, []string{"shape"}),
		ProcessorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventproc_processor_calls_total",
			Help: "Total number of processor calls",
		}, []string{"processor"}),
		ProcessorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventproc_processor_duration_seconds",
			Help:    "Time spent in processors",
			Buckets: prometheus.DefBuckets,
		}, []string{"processor"}),
		ProcessorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventproc_processor_errors_total",
			Help: "Total number of failed processor calls",
		}, []string{"processor", "captured"}),
	}

	registry.MustRegister(
		m.Invocations,
		m.InvocationDuration,
		m.InvocationErrors,
		m.ProcessorCalls,
		m.ProcessorDuration,
		m.ProcessorErrors,
	)
	return m
}

// RecordInvocation implements MetricsRecorder.
func (m *PrometheusMetrics) RecordInvocation(_ context.Context, shape string, duration time.Duration, err error) {
	m.Invocations.WithLabelValues(shape, strconv.FormatBool(err == nil)).Inc()
	m.InvocationDuration.WithLabelValues(shape).Observe(duration.Seconds())
	if err != nil {
		m.InvocationErrors.WithLabelValues(shape).Inc()
	}
}

// RecordProcessor implements MetricsRecorder.
func (m *PrometheusMetrics) RecordProcessor(_ context.Context, processor string, duration time.Duration, err error, captured bool) {
	m.ProcessorCalls.WithLabelValues(processor).Inc()
	m.ProcessorDuration.WithLabelValues(processor).Observe(duration.Seconds())
	if err != nil {
		m.ProcessorErrors.WithLabelValues(processor, strconv.FormatBool(captured)).Inc()
	}
}

// Package telemetry wires OpenTelemetry into the server: HTTP tracing via
// otelecho and the pipeline engine's transition metrics.
package telemetry

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/lims/lims/pipeline"

// TracingMiddleware starts a server span per request using the global
// tracer provider. Skipped paths (health probes) produce no spans.
func TracingMiddleware(serviceName string, skip func(path string) bool) echo.MiddlewareFunc {
	opts := []otelecho.Option{}
	if skip != nil {
		opts = append(opts, otelecho.WithSkipper(echomw.Skipper(func(c echo.Context) bool {
			return skip(c.Request().URL.Path)
		})))
	}
	return otelecho.Middleware(serviceName, opts...)
}

// Outcome labels for pipeline transitions.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "precondition"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// PipelineMetrics records transition counts, latency and retries. A nil
// *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	transitions metric.Int64Counter
	latency     metric.Float64Histogram
	retries     metric.Int64Counter
}

// NewPipelineMetrics creates the instruments on mp, or on the global meter
// provider when mp is nil.
func NewPipelineMetrics(mp metric.MeterProvider) (*PipelineMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	transitions, err := meter.Int64Counter("lims.pipeline.transitions",
		metric.WithDescription("Pipeline operations by operation and outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("lims.pipeline.transition.duration",
		metric.WithDescription("Pipeline operation latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("lims.pipeline.retries",
		metric.WithDescription("Pipeline transaction retries by operation"))
	if err != nil {
		return nil, err
	}
	return &PipelineMetrics{transitions: transitions, latency: latency, retries: retries}, nil
}

// RecordTransition counts one finished operation and its latency.
func (m *PipelineMetrics) RecordTransition(ctx context.Context, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	m.transitions.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// RecordRetry counts one retried transaction attempt.
func (m *PipelineMetrics) RecordRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

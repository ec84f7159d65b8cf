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

// MeterName is the instrumentation scope of the reducer metrics.
const MeterName = "brickflow.engine"

var (
	metricsOnce              sync.Once
	metricsInitErr           error
	stepExecutionCounter     metric.Int64Counter
	stepSkippedCounter       metric.Int64Counter
	stepLatencyHistogram     metric.Float64Histogram
	fanOutDestinationCounter metric.Int64Counter
	fanOutFailureCounter     metric.Int64Counter
)

// StepMetrics captures the fields needed to record step telemetry.
type StepMetrics struct {
	PipelineID   string
	ModID        string
	BrickID      string
	BrickVersion string
	Target       string
	// Outcome is one of ok, headless, skipped, or an error kind.
	Outcome  string
	Duration time.Duration
}

// RecordStepMetrics emits counters and histograms that describe step execution.
func RecordStepMetrics(ctx context.Context, m StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.id", m.PipelineID),
		attribute.String("mod.id", m.ModID),
		attribute.String("brick.id", m.BrickID),
		attribute.String("brick.version", m.BrickVersion),
		attribute.String("step.target", m.Target),
		attribute.String("step.outcome", m.Outcome),
	)

	if m.Outcome == "skipped" {
		stepSkippedCounter.Add(ctx, 1, attrs)
		return
	}
	stepExecutionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		stepLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// FanOutMetrics describes one broadcast or all_frames dispatch.
type FanOutMetrics struct {
	BrickID      string
	Target       string
	Destinations int
	Failed       int
}

// RecordFanOut counts destinations contacted by a fan-out step and how many failed.
func RecordFanOut(ctx context.Context, m FanOutMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("brick.id", m.BrickID),
		attribute.String("step.target", m.Target),
	)
	fanOutDestinationCounter.Add(ctx, int64(m.Destinations), attrs)
	if m.Failed > 0 {
		fanOutFailureCounter.Add(ctx, int64(m.Failed), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(MeterName)

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"brickflow.step.executions_total",
			metric.WithDescription("Pipeline step executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepSkippedCounter, metricsInitErr = meter.Int64Counter(
			"brickflow.step.skipped_total",
			metric.WithDescription("Steps skipped because their condition was falsy"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"brickflow.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		fanOutDestinationCounter, metricsInitErr = meter.Int64Counter(
			"brickflow.fanout.destinations_total",
			metric.WithDescription("Destinations invoked by fan-out steps"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		fanOutFailureCounter, metricsInitErr = meter.Int64Counter(
			"brickflow.fanout.failures_total",
			metric.WithDescription("Fan-out destinations that returned an error"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordGateDecision annotates span with the outcome of a remote gate evaluation.
func RecordGateDecision(span trace.Span, brickID string, allowed bool, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("gate.brick_id", brickID),
		attribute.Bool("gate.allowed", allowed),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("gate.reason", reason))
	}
	span.AddEvent("remote.gate", trace.WithAttributes(attrs...))
}

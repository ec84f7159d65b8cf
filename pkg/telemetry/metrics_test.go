package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func TestRecordStepMetrics(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordStepMetrics(ctx, StepMetrics{
		PipelineID: "mod-1/component",
		BrickID:    "core/echo",
		Target:     "self",
		Outcome:    "ok",
		Duration:   150 * time.Millisecond,
	})
	RecordStepMetrics(ctx, StepMetrics{BrickID: "core/alert", Outcome: "skipped"})

	metrics := collect(t, reader)

	exec, ok := metrics["brickflow.step.executions_total"]
	if !ok {
		t.Fatalf("missing brickflow.step.executions_total")
	}
	execData := exec.Data.(metricdata.Sum[int64])
	if len(execData.DataPoints) != 1 || execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected one execution datapoint with value 1, got %+v", execData.DataPoints)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("brick.id")); !ok || value.AsString() != "core/echo" {
		t.Fatalf("expected brick.id core/echo, got %v", value)
	}

	skipped := metrics["brickflow.step.skipped_total"].Data.(metricdata.Sum[int64])
	if skipped.DataPoints[0].Value != 1 {
		t.Fatalf("expected one skipped step, got %d", skipped.DataPoints[0].Value)
	}

	hist := metrics["brickflow.step.duration_ms"].Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 1 || hist.DataPoints[0].Sum != 150 {
		t.Fatalf("unexpected histogram datapoint %+v", hist.DataPoints[0])
	}
}

func TestRecordFanOut(t *testing.T) {
	reader := installReader(t)

	RecordFanOut(context.Background(), FanOutMetrics{BrickID: "core/identity", Target: "broadcast", Destinations: 3, Failed: 1})

	metrics := collect(t, reader)
	dests := metrics["brickflow.fanout.destinations_total"].Data.(metricdata.Sum[int64])
	if dests.DataPoints[0].Value != 3 {
		t.Fatalf("expected 3 destinations, got %d", dests.DataPoints[0].Value)
	}
	failed := metrics["brickflow.fanout.failures_total"].Data.(metricdata.Sum[int64])
	if failed.DataPoints[0].Value != 1 {
		t.Fatalf("expected 1 failure, got %d", failed.DataPoints[0].Value)
	}
}

func TestRecordGateDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("test").Start(context.Background(), "step")
	RecordGateDecision(span, "core/http-get", false, "not allow-listed")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 || len(spans[0].Events()) != 1 {
		t.Fatalf("expected one span with one event")
	}
	event := spans[0].Events()[0]
	if event.Name != "remote.gate" {
		t.Fatalf("unexpected event name %q", event.Name)
	}
	attrs := attribute.NewSet(event.Attributes...)
	if value, ok := attrs.Value("gate.allowed"); !ok || value.AsBool() {
		t.Fatalf("expected gate.allowed=false")
	}
	if value, ok := attrs.Value("gate.reason"); !ok || value.AsString() != "not allow-listed" {
		t.Fatalf("unexpected gate.reason %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestRedactAttributes(t *testing.T) {
	policy := &RedactionPolicy{
		Drop:       []string{"ssn"},
		Strategies: map[string]string{"email": "mask", "user": "hash"},
	}
	attrs := []attribute.KeyValue{
		attribute.String("brick.arg.password", "hunter2"),
		attribute.String("brick.arg.ssn", "000-00-0000"),
		attribute.String("brick.arg.email", "person@example.com"),
		attribute.String("brick.arg.user", "alice"),
		attribute.String("brick.arg.message", "hello"),
	}

	filtered := RedactAttributes(policy, attrs)
	if len(filtered) != 3 {
		t.Fatalf("expected 3 attributes after redaction, got %d", len(filtered))
	}
	for _, kv := range filtered {
		switch kv.Key {
		case "brick.arg.email":
			if got := kv.Value.AsString(); got != "pers***.com" {
				t.Fatalf("unexpected masked email %q", got)
			}
		case "brick.arg.user":
			if got := kv.Value.AsString(); !strings.HasPrefix(got, "[REDACTED:hash:") {
				t.Fatalf("unexpected hashed user %q", got)
			}
		case "brick.arg.message":
			if kv.Value.AsString() != "hello" {
				t.Fatalf("unexpected message %q", kv.Value.AsString())
			}
		default:
			t.Fatalf("unexpected attribute %q present after redaction", kv.Key)
		}
	}
}

func TestAgentMetricsHandler(t *testing.T) {
	m := NewAgentMetrics()
	m.ObserveEnvelope("core/display", "broadcast", "headless", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`brickflow_agent_envelopes_total{brick_id="core/display",status="headless",target="broadcast"} 1`,
		`brickflow_agent_headless_total{brick_id="core/display"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}

	var nilMetrics *AgentMetrics
	nilMetrics.ObserveEnvelope("x", "self", "ok", time.Millisecond)
}

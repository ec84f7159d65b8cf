package engine

import (
	"context"
	"testing"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTracer := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTracer)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("tracer provider shutdown: %v", err)
		}
	})
	return recorder
}

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prevMeter := otel.GetMeterProvider()
	otel.SetMeterProvider(meterProvider)
	telemetry.ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMeter)
		telemetry.ResetMetricsForTest()
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Logf("meter provider shutdown: %v", err)
		}
	})
	return reader
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func spansNamed(spans []sdktrace.ReadOnlySpan, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, span := range spans {
		if span.Name() == name {
			out = append(out, span)
		}
	}
	return out
}

func TestRunEmitsSpans(t *testing.T) {
	recorder := setupTestTracer(t)
	e := newTestEngine(EngineConfig{
		Redaction: &telemetry.RedactionPolicy{Drop: []string{"pin"}},
	})

	_, err := e.Run(context.Background(), &domain.Pipeline{ID: "traced", Version: 4, Steps: []domain.BrickStepConfig{
		{BrickID: "test/frame", Config: map[string]any{"value": "v", "secret": "hunter2", "pin": "1234"}, Label: "first", InstanceID: "i-1"},
		{BrickID: "core/echo", If: false, Config: map[string]any{"message": "skipped"}},
		{BrickID: "test/fail"},
	}}, domain.InitialContext{}, RunOptions{Meta: domain.RunMetadata{RunID: "run-7", ModID: "mod-1"}})
	if err == nil {
		t.Fatal("expected run to fail")
	}

	spans := recorder.Ended()
	runs := spansNamed(spans, "brickflow.run")
	steps := spansNamed(spans, "brickflow.step")
	if len(runs) != 1 {
		t.Fatalf("expected one run span, got %d", len(runs))
	}
	if len(steps) != 2 {
		t.Fatalf("expected two step spans (skipped steps have none), got %d", len(steps))
	}

	run := runs[0]
	if v, _ := spanAttr(run, "pipeline.id"); v.AsString() != "traced" {
		t.Errorf("pipeline.id = %q", v.AsString())
	}
	if v, _ := spanAttr(run, "run.id"); v.AsString() != "run-7" {
		t.Errorf("run.id = %q", v.AsString())
	}
	if v, _ := spanAttr(run, "run.state"); v.AsString() != string(domain.RunFailed) {
		t.Errorf("run.state = %q", v.AsString())
	}
	if run.Status().Code != codes.Error {
		t.Errorf("expected run span error status, got %v", run.Status().Code)
	}

	first := steps[0]
	if first.Parent().SpanID() != run.SpanContext().SpanID() {
		t.Error("step span should be a child of the run span")
	}
	if v, _ := spanAttr(first, "step.path"); v.AsString() != "steps[0]" {
		t.Errorf("step.path = %q", v.AsString())
	}
	if v, _ := spanAttr(first, "step.instance_id"); v.AsString() != "i-1" {
		t.Errorf("step.instance_id = %q", v.AsString())
	}
	if v, ok := spanAttr(first, "brick.arg.value"); !ok || v.AsString() != "v" {
		t.Errorf("expected brick.arg.value attribute, got %v", v)
	}
	for _, key := range []string{"brick.arg.secret", "brick.arg.pin"} {
		if _, ok := spanAttr(first, key); ok {
			t.Errorf("redacted argument %s leaked into span attributes", key)
		}
	}

	failed := steps[1]
	if v, _ := spanAttr(failed, "step.path"); v.AsString() != "steps[2]" {
		t.Errorf("failed step.path = %q", v.AsString())
	}
	if failed.Status().Code != codes.Error {
		t.Error("expected failed step span to carry error status")
	}
}

func TestRunRecordsStepMetrics(t *testing.T) {
	reader := setupTestMeter(t)
	e := newTestEngine(EngineConfig{})

	_, err := e.Run(context.Background(), pipeline(
		domain.BrickStepConfig{BrickID: "core/echo", Config: map[string]any{"message": "x"}},
		domain.BrickStepConfig{BrickID: "core/echo", If: "", Config: map[string]any{"message": "y"}},
	), domain.InitialContext{}, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	found := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					found[m.Name] += dp.Value
				}
			}
		}
	}
	if found["brickflow.step.executions_total"] != 1 {
		t.Errorf("expected one executed step, got %d", found["brickflow.step.executions_total"])
	}
	if found["brickflow.step.skipped_total"] != 1 {
		t.Errorf("expected one skipped step, got %d", found["brickflow.step.skipped_total"])
	}
}

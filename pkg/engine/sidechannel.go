package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/polisai/brickflow/pkg/domain"
)

// TraceSink receives one record per step. Sinks must not block the run for long.
type TraceSink interface {
	Record(ctx context.Context, record domain.TraceRecord)
}

// NoopTraceSink drops trace records.
type NoopTraceSink struct{}

// Record implements TraceSink.
func (NoopTraceSink) Record(context.Context, domain.TraceRecord) {}

// MemoryTraceSink keeps records in memory. It is used by the simulator and tests.
type MemoryTraceSink struct {
	mu      sync.Mutex
	records []domain.TraceRecord
}

// Record implements TraceSink.
func (s *MemoryTraceSink) Record(_ context.Context, record domain.TraceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

// Records returns a copy of the recorded entries.
func (s *MemoryTraceSink) Records() []domain.TraceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TraceRecord, len(s.records))
	copy(out, s.records)
	return out
}

// LogTraceSink writes trace records through slog at debug level.
type LogTraceSink struct {
	Logger *slog.Logger
}

// Record implements TraceSink.
func (s LogTraceSink) Record(ctx context.Context, record domain.TraceRecord) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"run_id", record.RunID,
		"instance_id", record.InstanceID,
		"brick_id", record.BrickID,
		"step", record.StepPath,
		"state", record.State,
		"skipped", record.Skipped,
		"duration_ms", record.Duration.Milliseconds(),
	}
	if record.Error != nil {
		attrs = append(attrs, "error", record.Error.Message)
	}
	logger.DebugContext(ctx, "brick trace", attrs...)
}

// Alert is the onError.alert side-channel payload.
type Alert struct {
	Meta     domain.RunMetadata `json:"meta"`
	BrickID  string             `json:"brickId"`
	StepPath string             `json:"stepPath"`
	Label    string             `json:"label,omitempty"`
	Err      error              `json:"-"`
}

// MarshalJSON emits the error through its serialized form.
func (a Alert) MarshalJSON() ([]byte, error) {
	type plain Alert
	out := struct {
		plain
		Error *domain.SerializedError `json:"error,omitempty"`
	}{plain: plain(a)}
	if a.Err != nil {
		serialized := domain.SerializeError(a.Err)
		out.Error = &serialized
	}
	return json.Marshal(out)
}

// Notifier delivers step failure alerts. It never affects run control flow.
type Notifier interface {
	Alert(ctx context.Context, alert Alert)
}

// LogNotifier emits alerts as warn-level log lines.
type LogNotifier struct {
	Logger *slog.Logger
}

// Alert implements Notifier.
func (n LogNotifier) Alert(ctx context.Context, alert Alert) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "brick failed",
		"mod_id", alert.Meta.ModID,
		"run_id", alert.Meta.RunID,
		"brick_id", alert.BrickID,
		"step", alert.StepPath,
		"label", alert.Label,
		"error", alert.Err,
	)
}

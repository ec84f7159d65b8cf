package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
	"github.com/polisai/brickflow/pkg/storage"
)

// Simulator performs dry-run executions of registered pipelines. Displays and
// alerts are captured instead of delivered, shared state is a scratch store and
// non-local destinations are not contacted.
type Simulator struct {
	registry *PipelineRegistry
	base     EngineConfig
	logger   *slog.Logger
}

// SimulationRequest selects the pipeline and initial context of a dry run.
type SimulationRequest struct {
	ComponentID string                `json:"componentId"`
	Initial     domain.InitialContext `json:"initial"`
	Meta        domain.RunMetadata    `json:"meta,omitempty"`
	// SharedState seeds the scratch store by namespace.
	SharedState map[string]map[string]any `json:"sharedState,omitempty"`
}

// SimulatedRender is a display captured during a dry run.
type SimulatedRender struct {
	BrickID string         `json:"brickId"`
	Args    map[string]any `json:"args"`
}

// SimulationResponse contains the outcome and the captured side effects.
type SimulationResponse struct {
	PipelineID string               `json:"pipelineId"`
	Outcome    domain.Outcome       `json:"outcome"`
	Trace      []domain.TraceRecord `json:"trace"`
	Renders    []SimulatedRender    `json:"renders,omitempty"`
	Alerts     []Alert              `json:"alerts,omitempty"`
	Duration   time.Duration        `json:"duration"`
}

// NewSimulator creates a simulator. base supplies the brick registry, frames,
// evaluator and document used for simulated runs.
func NewSimulator(registry *PipelineRegistry, base EngineConfig) *Simulator {
	logger := base.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{registry: registry, base: base, logger: logger}
}

// Simulate runs the selected pipeline once. The returned error covers request
// problems only; run failures are reported in the outcome.
func (s *Simulator) Simulate(ctx context.Context, req SimulationRequest) (*SimulationResponse, error) {
	pipeline, err := s.registry.SelectPipeline(req.ComponentID)
	if err != nil {
		return nil, fmt.Errorf("select pipeline: %w", err)
	}

	state := storage.NewMemoryStateStore()
	for ns, values := range req.SharedState {
		if _, err := state.Merge(ctx, ns, values); err != nil {
			return nil, fmt.Errorf("seed shared state %q: %w", ns, err)
		}
	}

	sink := &MemoryTraceSink{}
	capture := &captureSurface{}
	cfg := s.base
	cfg.Trace = sink
	cfg.Display = capture
	cfg.Notifier = capture
	cfg.SharedState = state
	cfg.Transport = nil
	cfg.Logger = s.logger

	s.logger.DebugContext(ctx, "simulating pipeline",
		"pipeline_id", pipeline.ID,
		"component_id", req.ComponentID,
	)

	meta := req.Meta
	if meta.ComponentID == "" {
		meta.ComponentID = req.ComponentID
	}
	start := time.Now()
	outcome, _ := NewEngine(cfg).Run(ctx, pipeline, req.Initial, RunOptions{Meta: meta})

	return &SimulationResponse{
		PipelineID: pipeline.ID,
		Outcome:    outcome,
		Trace:      sink.Records(),
		Renders:    capture.renders(),
		Alerts:     capture.alerts(),
		Duration:   time.Since(start),
	}, nil
}

// captureSurface records displays and alerts of a simulated run.
type captureSurface struct {
	mu        sync.Mutex
	displayed []SimulatedRender
	raised    []Alert
}

var (
	_ runtime.DisplaySurface = (*captureSurface)(nil)
	_ Notifier               = (*captureSurface)(nil)
)

func (c *captureSurface) Display(_ context.Context, brickID string, args map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayed = append(c.displayed, SimulatedRender{BrickID: brickID, Args: args})
	return nil
}

func (c *captureSurface) Alert(_ context.Context, alert Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raised = append(c.raised, alert)
}

func (c *captureSurface) renders() []SimulatedRender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SimulatedRender(nil), c.displayed...)
}

func (c *captureSurface) alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.raised...)
}

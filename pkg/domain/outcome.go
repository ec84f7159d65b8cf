package domain

import (
	"errors"
	"time"
)

// HeadlessSignal asks the run initiator to relay a renderer payload to a surface
// that can display it. At most one is produced per run.
type HeadlessSignal struct {
	BrickID       string         `json:"brickId"`
	RenderArgs    map[string]any `json:"renderArgs,omitempty"`
	RenderContext map[string]any `json:"renderContext,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// RunState is the terminal (or pending) state of a run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunCompleted RunState = "completed"
	RunHeadless  RunState = "headless"
	RunFailed    RunState = "failed"
	RunAborted   RunState = "aborted"
)

// StepState records where a step ended in the per-step state machine.
type StepState string

const (
	StepPending             StepState = "pending"
	StepEvaluatingCondition StepState = "evaluating_condition"
	StepSkipped             StepState = "skipped"
	StepResolvingRoot       StepState = "resolving_root"
	StepResolvingTarget     StepState = "resolving_target"
	StepRendering           StepState = "rendering"
	StepValidating          StepState = "validating"
	StepExecuting           StepState = "executing"
	StepBound               StepState = "bound"
)

// Failure is the user-facing description of a failed run.
type Failure struct {
	Kind     ErrorKind `json:"kind"`
	StepPath string    `json:"stepPath,omitempty"`
	Message  string    `json:"message"`
}

// NewFailure builds a failure from err. Internal errors get a generic message.
func NewFailure(err error) *Failure {
	kind := Classify(err)
	f := &Failure{Kind: kind, Message: err.Error()}
	var step *StepError
	if errors.As(err, &step) {
		f.StepPath = step.StepPath
		f.Message = step.Err.Error()
	}
	if kind == KindInternal {
		f.Message = GenericErrorMessage
	}
	return f
}

// Outcome is the result of one run: exactly one of a value, a headless signal,
// or a failure depending on State.
type Outcome struct {
	State    RunState        `json:"state"`
	Value    any             `json:"value,omitempty"`
	Headless *HeadlessSignal `json:"headless,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
	Context  map[string]any  `json:"context,omitempty"`
	RunID    string          `json:"runId"`
}

// TraceRecord is emitted once per step as an observability side-channel.
type TraceRecord struct {
	RunID        string           `json:"runId"`
	InstanceID   string           `json:"instanceId"`
	BrickID      string           `json:"brickId"`
	Label        string           `json:"label,omitempty"`
	StepPath     string           `json:"stepPath"`
	State        StepState        `json:"state"`
	RenderedArgs map[string]any   `json:"renderedArgs,omitempty"`
	Output       any              `json:"output,omitempty"`
	Error        *SerializedError `json:"error,omitempty"`
	Skipped      bool             `json:"skipped"`
	Duration     time.Duration    `json:"durationNs"`
	Timestamp    time.Time        `json:"timestamp"`
}

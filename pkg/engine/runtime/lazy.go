package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/brickflow/pkg/domain"
)

// LazyKey marks a serialized LazyPipeline inside an argument tree.
const LazyKey = "__lazyPipeline__"

// ErrNotHydrated is returned when a deserialized LazyPipeline is invoked before
// an engine has been attached.
var ErrNotHydrated = errors.New("lazy pipeline has no engine attached")

// Invoker runs the steps of a LazyPipeline.
type Invoker interface {
	InvokePipeline(ctx context.Context, lp *LazyPipeline, extraArgs map[string]any) (Result, error)
}

// LazyPipeline is a compiled sub-pipeline bound to a snapshot of the context it
// was rendered in. It is inert data until Invoke is called.
type LazyPipeline struct {
	Steps      []domain.BrickStepConfig `json:"steps"`
	APIVersion string                   `json:"apiVersion,omitempty"`
	Engine     string                   `json:"templateEngine,omitempty"`
	Snapshot   map[string]any           `json:"snapshot"`
	Meta       domain.RunMetadata       `json:"meta"`
	// StepPath is the path of the step that compiled the pipeline.
	StepPath string  `json:"stepPath,omitempty"`
	Root     Element `json:"-"`
	// Display and DestinationTimeout are inherited from the invoking run. They
	// stay in process; a destination uses its own display.
	Display            DisplaySurface `json:"-"`
	DestinationTimeout time.Duration  `json:"-"`

	invoker Invoker
}

// NewLazyPipeline binds steps to a context snapshot and an invoker.
func NewLazyPipeline(steps []domain.BrickStepConfig, snapshot map[string]any, root Element, meta domain.RunMetadata, invoker Invoker) *LazyPipeline {
	return &LazyPipeline{Steps: steps, Snapshot: snapshot, Root: root, Meta: meta, invoker: invoker}
}

// Invoke runs the sub-pipeline synchronously. extraArgs are bound as additional
// context keys and may not shadow keys of the snapshot.
func (lp *LazyPipeline) Invoke(ctx context.Context, extraArgs map[string]any) (Result, error) {
	if lp == nil {
		return Result{}, fmt.Errorf("invoke: nil lazy pipeline")
	}
	if lp.invoker == nil {
		return Result{}, ErrNotHydrated
	}
	return lp.invoker.InvokePipeline(ctx, lp, extraArgs)
}

// Hydrate returns a copy attached to invoker.
func (lp *LazyPipeline) Hydrate(invoker Invoker) *LazyPipeline {
	out := *lp
	out.invoker = invoker
	return &out
}

// MarshalJSON wraps the pipeline under LazyKey so it survives transport.
func (lp *LazyPipeline) MarshalJSON() ([]byte, error) {
	type plain LazyPipeline
	return json.Marshal(map[string]any{LazyKey: (*plain)(lp)})
}

// HydrateArgs walks a decoded argument tree and converts serialized LazyPipelines
// back into values attached to invoker.
func HydrateArgs(node any, invoker Invoker) (any, error) {
	return hydrate(node, invoker, false)
}

// RehomeArgs is HydrateArgs for args received by a destination frame. Every
// LazyPipeline, including ones passed in process, is attached to invoker and
// loses the sender's root and display.
func RehomeArgs(node any, invoker Invoker) (any, error) {
	return hydrate(node, invoker, true)
}

func hydrate(node any, invoker Invoker, rehome bool) (any, error) {
	switch v := node.(type) {
	case *LazyPipeline:
		if rehome {
			out := v.Hydrate(invoker)
			out.Root = nil
			out.Display = nil
			return out, nil
		}
		if v.invoker == nil {
			return v.Hydrate(invoker), nil
		}
		return v, nil
	case map[string]any:
		if raw, ok := v[LazyKey]; ok && len(v) == 1 {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("hydrate lazy pipeline: %w", err)
			}
			lp := &LazyPipeline{}
			type plain LazyPipeline
			if err := json.Unmarshal(data, (*plain)(lp)); err != nil {
				return nil, fmt.Errorf("hydrate lazy pipeline: %w", err)
			}
			lp.invoker = invoker
			return lp, nil
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			hydrated, err := hydrate(child, invoker, rehome)
			if err != nil {
				return nil, err
			}
			out[k] = hydrated
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			hydrated, err := hydrate(child, invoker, rehome)
			if err != nil {
				return nil, err
			}
			out[i] = hydrated
		}
		return out, nil
	}
	return node, nil
}

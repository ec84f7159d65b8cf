package policy

import (
	"context"

	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// Request is what the gate knows about a brick asked to run remotely.
type Request struct {
	BrickID      string
	Capabilities runtime.Capabilities
}

// Verdict is the answer of a Decider.
type Verdict struct {
	Allow  bool
	Reason string
	// Labels are free-form annotations returned by the policy.
	Labels map[string]string
}

// Decider produces a verdict for a remote execution request.
type Decider interface {
	Decide(ctx context.Context, req Request) (Verdict, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req Request) (Verdict, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, req Request) (Verdict, error) {
	return f(ctx, req)
}

// AllOf allows a request only when every decider allows it. Deciders run in
// order and the first refusal is returned. No deciders means allow.
func AllOf(deciders ...Decider) Decider {
	list := append([]Decider(nil), deciders...)
	return DeciderFunc(func(ctx context.Context, req Request) (Verdict, error) {
		for _, d := range list {
			verdict, err := d.Decide(ctx, req)
			if err != nil {
				return Verdict{}, err
			}
			if !verdict.Allow {
				return verdict, nil
			}
		}
		return Verdict{Allow: true}, nil
	})
}

// capabilityInput is the Rego view of declared capabilities.
func capabilityInput(caps runtime.Capabilities) map[string]any {
	return map[string]any{
		"pure":               caps.Pure,
		"needs_root":         caps.NeedsRoot,
		"needs_shared_state": caps.NeedsSharedState,
		"renderer":           caps.Renderer,
	}
}

// capabilityBits packs capabilities into a cache key component.
func capabilityBits(caps runtime.Capabilities) byte {
	var b byte
	for i, set := range []bool{caps.Pure, caps.NeedsRoot, caps.NeedsSharedState, caps.Renderer} {
		if set {
			b |= 1 << i
		}
	}
	return b
}

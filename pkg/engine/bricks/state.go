package bricks

import (
	"context"
	"errors"

	"github.com/polisai/brickflow/pkg/engine/runtime"
)

var errNoSharedState = errors.New("shared state is not available in this frame")

func stateGetBrick() runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(ctx context.Context, args map[string]any, opts runtime.Options) (runtime.Result, error) {
			if opts.SharedState == nil {
				return runtime.Result{}, errNoSharedState
			}
			namespace, _ := args["namespace"].(string)
			state, err := opts.SharedState.Get(ctx, namespace)
			if err != nil {
				return runtime.Result{}, err
			}
			if key, _ := args["key"].(string); key != "" {
				return runtime.Value(state[key]), nil
			}
			return runtime.Value(state), nil
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"namespace": {Type: runtime.TypeString, Required: true, Rules: "min=1"},
			"key":       {Type: runtime.TypeString},
		}},
		Capabilities: runtime.Capabilities{NeedsSharedState: true},
	}
}

func stateSetBrick() runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(ctx context.Context, args map[string]any, opts runtime.Options) (runtime.Result, error) {
			if opts.SharedState == nil {
				return runtime.Result{}, errNoSharedState
			}
			namespace, _ := args["namespace"].(string)
			values, _ := args["values"].(map[string]any)
			state, err := opts.SharedState.Merge(ctx, namespace, values)
			if err != nil {
				return runtime.Result{}, err
			}
			return runtime.Value(state), nil
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"namespace": {Type: runtime.TypeString, Required: true, Rules: "min=1"},
			"values":    {Type: runtime.TypeObject, Required: true},
		}},
		Capabilities: runtime.Capabilities{NeedsSharedState: true},
	}
}

package bricks

import (
	"context"

	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// displayBrick renders its args inline or hands them off to the run initiator.
func displayBrick() runtime.ResolvedBrick {
	const id = "core/display"
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(ctx context.Context, args map[string]any, opts runtime.Options) (runtime.Result, error) {
			return runtime.RenderOrHandoff(ctx, id, args, opts)
		}),
		Schema: runtime.Schema(map[string]runtime.FieldSchema{
			"title": {Type: runtime.TypeString},
		}),
		Capabilities: runtime.Capabilities{Renderer: true},
	}
}

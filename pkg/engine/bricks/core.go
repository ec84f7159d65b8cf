package bricks

import (
	"context"
	"fmt"
	"maps"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// identityBrick returns its value argument unchanged.
func identityBrick() runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(_ context.Context, args map[string]any, _ runtime.Options) (runtime.Result, error) {
			return runtime.Value(args["value"]), nil
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"value": {},
		}},
		Capabilities: runtime.Capabilities{Pure: true},
	}
}

func echoBrick() runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(_ context.Context, args map[string]any, _ runtime.Options) (runtime.Result, error) {
			return runtime.Value(args["message"]), nil
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"message": {Required: true},
		}},
		Capabilities: runtime.Capabilities{Pure: true},
	}
}

func alertBrick(deliver AlertFunc) runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(ctx context.Context, args map[string]any, opts runtime.Options) (runtime.Result, error) {
			level, _ := args["level"].(string)
			if level == "" {
				level = "info"
			}
			message := fmt.Sprint(args["message"])
			if deliver != nil {
				deliver(ctx, level, message)
				return runtime.Value(nil), nil
			}
			log := logger(opts)
			switch level {
			case "error":
				log.ErrorContext(ctx, message, "run_id", opts.Meta.RunID)
			case "warn":
				log.WarnContext(ctx, message, "run_id", opts.Meta.RunID)
			default:
				log.InfoContext(ctx, message, "run_id", opts.Meta.RunID)
			}
			return runtime.Value(nil), nil
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"message": {Required: true},
			"level":   {Type: runtime.TypeString, Rules: "oneof=info warn error"},
		}},
	}
}

// assignModVariableBrick patches the mod variable slot with its values argument.
func assignModVariableBrick() runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(_ context.Context, args map[string]any, _ runtime.Options) (runtime.Result, error) {
			values, _ := args["values"].(map[string]any)
			return runtime.Result{Value: maps.Clone(values), ModVariable: maps.Clone(values)}, nil
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"values": {Type: runtime.TypeObject, Required: true},
		}},
	}
}

// rootBrick describes the step root. With a selector it lists the ids of the
// matching elements below the root instead.
func rootBrick() runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(ctx context.Context, args map[string]any, opts runtime.Options) (runtime.Result, error) {
			if opts.Root == nil {
				return runtime.Result{}, domain.NewBusinessError(domain.ErrRootNotFound, "step has no root")
			}
			selector, _ := args["selector"].(string)
			if selector == "" {
				return runtime.Value(map[string]any{"elementId": opts.Root.ElementID()}), nil
			}
			if opts.Document == nil {
				return runtime.Result{}, domain.NewBusinessError(domain.ErrRootNotFound, "frame has no document")
			}
			matches, err := opts.Document.Query(ctx, opts.Root, domain.Selector(selector))
			if err != nil {
				return runtime.Result{}, err
			}
			ids := make([]any, len(matches))
			for i, m := range matches {
				ids[i] = m.ElementID()
			}
			return runtime.Value(ids), nil
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"selector": {Type: runtime.TypeString},
		}},
		Capabilities: runtime.Capabilities{Pure: true, NeedsRoot: true},
	}
}

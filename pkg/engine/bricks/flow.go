package bricks

import (
	"context"
	"fmt"

	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// runBrick invokes its pipeline argument once. A headless result of the
// sub-pipeline is returned to the caller unchanged.
func runBrick() runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(ctx context.Context, args map[string]any, _ runtime.Options) (runtime.Result, error) {
			lp, _ := args["pipeline"].(*runtime.LazyPipeline)
			extra, _ := args["args"].(map[string]any)
			return lp.Invoke(ctx, extra)
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"pipeline": {Type: runtime.TypePipeline, Required: true},
			"args":     {Type: runtime.TypeObject},
		}},
	}
}

// forEachBrick invokes its pipeline once per item with the item bound under
// @element (or the "as" name) and its position under @index.
func forEachBrick() runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(ctx context.Context, args map[string]any, _ runtime.Options) (runtime.Result, error) {
			lp, _ := args["pipeline"].(*runtime.LazyPipeline)
			items, _ := runtime.AsSlice(args["items"])
			as := stringOr(args["as"], "element")
			indexAs := stringOr(args["indexAs"], "index")
			if as == indexAs {
				return runtime.Result{}, fmt.Errorf("for-each: as and indexAs must differ")
			}

			results := make([]any, 0, len(items))
			for i, item := range items {
				if err := ctx.Err(); err != nil {
					return runtime.Result{}, err
				}
				res, err := lp.Invoke(ctx, map[string]any{as: item, indexAs: float64(i)})
				if err != nil {
					return runtime.Result{}, err
				}
				if res.IsHeadless() {
					return res, nil
				}
				results = append(results, res.Value)
			}
			return runtime.Value(results), nil
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"items":    {Type: runtime.TypeArray, Required: true},
			"pipeline": {Type: runtime.TypePipeline, Required: true},
			"as":       {Type: runtime.TypeString, Rules: "output_key"},
			"indexAs":  {Type: runtime.TypeString, Rules: "output_key"},
		}},
	}
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

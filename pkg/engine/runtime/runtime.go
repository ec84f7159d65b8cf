// Package runtime defines the core contracts shared by the pipeline engine and brick
// implementations, keeping brick logic decoupled from execution mechanics.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/brickflow/pkg/domain"
)

// Result is the variant returned by a brick: either a value or a headless signal.
// ModVariable optionally carries a patch the engine merges into the mod variable slot.
type Result struct {
	Value       any
	Headless    *domain.HeadlessSignal
	ModVariable map[string]any
}

// Value constructs a value result.
func Value(v any) Result {
	return Result{Value: v}
}

// Headless constructs a headless hand-off result.
func Headless(signal domain.HeadlessSignal) Result {
	return Result{Headless: &signal}
}

// IsHeadless reports whether the result is the headless variant.
func (r Result) IsHeadless() bool {
	return r.Headless != nil
}

// Capabilities are the declared behaviours of a brick.
type Capabilities struct {
	Pure             bool `json:"pure"`
	NeedsRoot        bool `json:"needsRoot"`
	NeedsSharedState bool `json:"needsSharedState"`
	Renderer         bool `json:"renderer"`
}

// Brick executes one reusable operation.
type Brick interface {
	Run(ctx context.Context, args map[string]any, opts Options) (Result, error)
}

// BrickFunc adapts a function to the Brick interface.
type BrickFunc func(ctx context.Context, args map[string]any, opts Options) (Result, error)

// Run calls f.
func (f BrickFunc) Run(ctx context.Context, args map[string]any, opts Options) (Result, error) {
	return f(ctx, args, opts)
}

// ResolvedBrick is what a registry returns for a brick id.
type ResolvedBrick struct {
	ID           string
	Version      string
	Brick        Brick
	Schema       InputSchema
	Capabilities Capabilities
}

// Registry resolves brick identifiers to runnable bricks.
type Registry interface {
	Resolve(ctx context.Context, brickID string) (ResolvedBrick, error)
}

// Element is an element of a host document.
type Element interface {
	ElementID() string
}

// Document resolves roots for a frame.
type Document interface {
	Root() Element
	Lookup(ctx context.Context, ref domain.ElementRef) (Element, error)
	Query(ctx context.Context, root Element, selector domain.Selector) ([]Element, error)
}

// DisplaySurface renders brick output inline in the current frame.
type DisplaySurface interface {
	Display(ctx context.Context, brickID string, args map[string]any) error
}

// SharedState is page-scoped durable state that outlives a single run.
type SharedState interface {
	Get(ctx context.Context, namespace string) (map[string]any, error)
	Merge(ctx context.Context, namespace string, patch map[string]any) (map[string]any, error)
}

// Options are passed to every brick invocation.
type Options struct {
	Meta       domain.RunMetadata
	StepPath   string
	InstanceID string
	Target     domain.TargetKind
	// Root is nil for fan-out steps executed remotely until the destination resolves it.
	Root        Element
	Document    Document
	Display     DisplaySurface
	SharedState SharedState
	Logger      *slog.Logger
}

// RenderOrHandoff displays args on the local surface or, when the frame has none,
// returns the headless signal for the run initiator.
func RenderOrHandoff(ctx context.Context, brickID string, args map[string]any, opts Options) (Result, error) {
	if opts.Display != nil {
		if err := opts.Display.Display(ctx, brickID, args); err != nil {
			return Result{}, fmt.Errorf("display %s: %w", brickID, err)
		}
		return Value(nil), nil
	}
	return Headless(domain.HeadlessSignal{
		BrickID:    brickID,
		RenderArgs: args,
		RenderContext: map[string]any{
			"instanceId":  opts.InstanceID,
			"stepPath":    opts.StepPath,
			"modId":       opts.Meta.ModID,
			"componentId": opts.Meta.ComponentID,
		},
		CorrelationID: opts.Meta.RunID,
	}), nil
}

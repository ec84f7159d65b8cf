package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/bricks"
	"github.com/polisai/brickflow/pkg/engine/runtime"
	"github.com/polisai/brickflow/pkg/frames"
	"github.com/polisai/brickflow/pkg/transport"
)

var errBoom = errors.New("boom")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRegistry registers the core bricks plus test bricks bound to frameID:
//
//	test/frame  returns frameID, fails when frameID is in args.fail, goes
//	            headless when frameID is in args.headless and sleeps
//	            args.sleepMs when frameID is in args.slow
//	test/fail   fails with a business error
//	test/boom   fails with an internal error
//	test/count  increments calls and returns the count
func newTestRegistry(frameID string, calls *atomic.Int32) *BrickRegistry {
	reg := NewBrickRegistry()
	bricks.Register(reg, bricks.Options{})

	reg.Register("test/frame", "1", runtime.ResolvedBrick{
		Schema:       runtime.Schema(nil),
		Capabilities: runtime.Capabilities{Pure: true},
		Brick: runtime.BrickFunc(func(ctx context.Context, args map[string]any, opts runtime.Options) (runtime.Result, error) {
			if listed(args["slow"], frameID) {
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return runtime.Result{}, ctx.Err()
				}
			}
			if listed(args["fail"], frameID) {
				return runtime.Result{}, domain.NewBusinessError(errBoom, "frame %s", frameID)
			}
			if listed(args["headless"], frameID) {
				return runtime.RenderOrHandoff(ctx, "test/frame", args, opts)
			}
			return runtime.Value(frameID), nil
		}),
	})
	reg.Register("test/fail", "1", runtime.ResolvedBrick{
		Schema: runtime.Schema(nil),
		Brick: runtime.BrickFunc(func(context.Context, map[string]any, runtime.Options) (runtime.Result, error) {
			return runtime.Result{}, domain.NewBusinessError(errBoom, "refused")
		}),
	})
	reg.Register("test/boom", "1", runtime.ResolvedBrick{
		Schema: runtime.Schema(nil),
		Brick: runtime.BrickFunc(func(context.Context, map[string]any, runtime.Options) (runtime.Result, error) {
			return runtime.Result{}, errors.New("nil pointer somewhere")
		}),
	})
	reg.Register("test/count", "1", runtime.ResolvedBrick{
		Schema: runtime.Schema(nil),
		Brick: runtime.BrickFunc(func(context.Context, map[string]any, runtime.Options) (runtime.Result, error) {
			if calls == nil {
				return runtime.Value(0), nil
			}
			return runtime.Value(int(calls.Add(1))), nil
		}),
	})
	return reg
}

func listed(v any, id string) bool {
	list, ok := v.([]any)
	return ok && slices.Contains(list, any(id))
}

// newTestEngine creates a single-frame engine with the test registry.
func newTestEngine(cfg EngineConfig) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = newTestRegistry("local", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	return NewEngine(cfg)
}

func run(t *testing.T, e *Engine, p *domain.Pipeline, initial domain.InitialContext, opts RunOptions) (domain.Outcome, error) {
	t.Helper()
	return e.Run(context.Background(), p, initial, opts)
}

func pipeline(steps ...domain.BrickStepConfig) *domain.Pipeline {
	return &domain.Pipeline{ID: "test", APIVersion: "v3", Steps: steps}
}

// topology is a set of frames each running its own engine, connected through
// an in-process transport.
//
//	a  surface tab-1, the top frame
//	b  surface tab-1, child of a
//	c  surface tab-2, opened by a to control it (opener a, target a)
type topology struct {
	local   *transport.Local
	engines map[string]*Engine
	trees   map[string]*frames.Tree
}

func newTopology(t *testing.T, gate RemoteGate) *topology {
	t.Helper()
	all := []frames.Frame{
		{ID: "a", Surface: "tab-1"},
		{ID: "b", Surface: "tab-1", Parent: "a"},
		{ID: "c", Surface: "tab-2", Opener: "a", Target: "a"},
	}
	topo := &topology{
		local:   transport.NewLocal(),
		engines: map[string]*Engine{},
		trees:   map[string]*frames.Tree{},
	}
	for _, current := range all {
		tree := frames.NewTree(current)
		for _, other := range all {
			if other.ID != current.ID {
				if err := tree.Add(other); err != nil {
					t.Fatalf("add frame: %v", err)
				}
			}
		}
		e := NewEngine(EngineConfig{
			Registry:  newTestRegistry(current.ID, nil),
			Frames:    tree,
			Transport: topo.local,
			Gate:      gate,
			Logger:    quietLogger(),
		})
		topo.engines[current.ID] = e
		topo.trees[current.ID] = tree
		topo.local.Handle(current.ID, NewAgent(e, nil))
	}
	return topo
}

// staticFrames resolves every target to a fixed destination list.
type staticFrames []domain.Destination

func (s staticFrames) ResolveTarget(context.Context, domain.TargetKind) ([]domain.Destination, error) {
	return s, nil
}

// gateFunc adapts a function to RemoteGate.
type gateFunc func(brickID string) (bool, error)

func (f gateFunc) AllowRemote(_ context.Context, brickID string, _ runtime.Capabilities) (bool, string, error) {
	ok, err := f(brickID)
	return ok, "test", err
}

// recordingNotifier captures alerts.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordingNotifier) Alert(_ context.Context, alert Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *recordingNotifier) all() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.alerts)
}

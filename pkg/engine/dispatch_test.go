package engine

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
	"github.com/polisai/brickflow/pkg/frames"
	"github.com/polisai/brickflow/pkg/policy"
	"github.com/polisai/brickflow/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameStep(target domain.TargetKind, config map[string]any) *domain.Pipeline {
	if config == nil {
		config = map[string]any{}
	}
	return pipeline(domain.BrickStepConfig{BrickID: "test/frame", Target: target, Config: config, OutputKey: "result"})
}

func TestSingleTargetsResolveRelatedFrames(t *testing.T) {
	topo := newTopology(t, nil)

	tests := []struct {
		name   string
		from   string
		target domain.TargetKind
		want   string
	}{
		{name: "self", from: "b", target: domain.TargetSelf, want: "b"},
		{name: "default is self", from: "c", target: "", want: "c"},
		{name: "top of child", from: "b", target: domain.TargetTop, want: "a"},
		{name: "top of top frame", from: "a", target: domain.TargetTop, want: "a"},
		{name: "opener", from: "c", target: domain.TargetOpener, want: "a"},
		{name: "target", from: "c", target: domain.TargetTarget, want: "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := run(t, topo.engines[tt.from], frameStep(tt.target, nil), domain.InitialContext{}, RunOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome.Value)
		})
	}
}

func TestMissingRelatedFrameIsBusinessError(t *testing.T) {
	topo := newTopology(t, nil)

	for _, target := range []domain.TargetKind{domain.TargetOpener, domain.TargetTarget} {
		outcome, err := run(t, topo.engines["a"], frameStep(target, nil), domain.InitialContext{}, RunOptions{})
		require.Error(t, err, target)
		assert.True(t, errors.Is(err, domain.ErrNoRelatedFrame), target)
		assert.Equal(t, domain.KindBusiness, outcome.Failure.Kind)
	}
}

func TestUnsupportedTargetFailsAtRuntime(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	_, err := run(t, e, frameStep("sideways", nil), domain.InitialContext{}, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedTarget))
}

func TestBroadcastCollectsInFrameOrder(t *testing.T) {
	topo := newTopology(t, nil)

	for _, from := range []string{"a", "b", "c"} {
		outcome, err := run(t, topo.engines[from], frameStep(domain.TargetBroadcast, nil), domain.InitialContext{}, RunOptions{})
		require.NoError(t, err, from)
		assert.Equal(t, []any{"a", "b", "c"}, outcome.Value, "broadcast from %s", from)
		assert.Equal(t, []any{"a", "b", "c"}, outcome.Context["@result"], "broadcast from %s", from)
	}
}

func TestAllFramesStaysOnSurface(t *testing.T) {
	topo := newTopology(t, nil)

	outcome, err := run(t, topo.engines["a"], frameStep(domain.TargetAllFrames, nil), domain.InitialContext{}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, outcome.Value)

	outcome, err = run(t, topo.engines["c"], frameStep(domain.TargetAllFrames, nil), domain.InitialContext{}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"c"}, outcome.Value)
}

func TestFanOutPartialFailureKeepsPositions(t *testing.T) {
	topo := newTopology(t, nil)

	outcome, err := run(t, topo.engines["a"], frameStep(domain.TargetBroadcast, map[string]any{"fail": []any{"b"}}), domain.InitialContext{}, RunOptions{})
	require.NoError(t, err)

	values, ok := outcome.Value.([]any)
	require.True(t, ok)
	require.Len(t, values, 3)
	assert.Equal(t, "a", values[0])
	assert.Equal(t, "c", values[2])

	failed, ok := values[1].(domain.SerializedError)
	require.True(t, ok, "got %T", values[1])
	assert.Equal(t, domain.KindBusiness, failed.Kind)
	assert.Equal(t, "frame b: boom", failed.Message)
}

func TestFanOutFailsWhenEveryDestinationFails(t *testing.T) {
	topo := newTopology(t, nil)

	outcome, err := run(t, topo.engines["a"], frameStep(domain.TargetBroadcast, map[string]any{"fail": []any{"a", "b", "c"}}), domain.InitialContext{}, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, outcome.State)
	assert.Equal(t, "frame a: boom", outcome.Failure.Message, "first error in destination order")
	assert.Equal(t, "steps[0]", outcome.Failure.StepPath)
}

func TestFanOutWithNoDestinations(t *testing.T) {
	e := newTestEngine(EngineConfig{Frames: staticFrames{}})

	outcome, err := run(t, e, frameStep(domain.TargetBroadcast, nil), domain.InitialContext{}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{}, outcome.Value)
}

func TestFanOutHeadlessReplyBecomesEntryError(t *testing.T) {
	topo := newTopology(t, nil)

	outcome, err := run(t, topo.engines["a"], frameStep(domain.TargetAllFrames, map[string]any{"headless": []any{"b"}}), domain.InitialContext{}, RunOptions{})
	require.NoError(t, err)

	values := outcome.Value.([]any)
	require.Len(t, values, 2)
	assert.Equal(t, "a", values[0])
	failed, ok := values[1].(domain.SerializedError)
	require.True(t, ok)
	assert.Contains(t, failed.Message, domain.ErrHeadlessFanOut.Error())
}

func TestFanOutDestinationTimeout(t *testing.T) {
	topo := newTopology(t, nil)

	start := time.Now()
	outcome, err := run(t, topo.engines["a"], frameStep(domain.TargetBroadcast, map[string]any{"slow": []any{"c"}}), domain.InitialContext{}, RunOptions{
		DestinationTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	values := outcome.Value.([]any)
	require.Len(t, values, 3)
	assert.Equal(t, []any{"a", "b"}, values[:2])
	failed, ok := values[2].(domain.SerializedError)
	require.True(t, ok)
	assert.Contains(t, failed.Message, domain.ErrDestinationTimeout.Error())
}

func TestSingleDestinationTimeout(t *testing.T) {
	topo := newTopology(t, nil)

	start := time.Now()
	outcome, err := run(t, topo.engines["c"], frameStep(domain.TargetOpener, map[string]any{"slow": []any{"a"}}), domain.InitialContext{}, RunOptions{
		DestinationTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.True(t, errors.Is(err, domain.ErrDestinationTimeout))
	assert.Equal(t, domain.RunFailed, outcome.State)
	assert.Equal(t, "steps[0]", outcome.Failure.StepPath)
	assert.NotContains(t, outcome.Context, "@result")
}

// slowBrick takes 300ms unless its context is cancelled first.
type slowBrick struct {
	completed atomic.Bool
	cancelled atomic.Bool
}

func (b *slowBrick) Run(ctx context.Context, _ map[string]any, _ runtime.Options) (runtime.Result, error) {
	select {
	case <-time.After(300 * time.Millisecond):
		b.completed.Store(true)
		return runtime.Value("done"), nil
	case <-ctx.Done():
		b.cancelled.Store(true)
		return runtime.Result{}, ctx.Err()
	}
}

func TestAbortLetsIssuedCallFinish(t *testing.T) {
	slow := &slowBrick{}
	local := transport.NewLocal()
	newFrameEngine := func(tree *frames.Tree, frameID string) *Engine {
		reg := newTestRegistry(frameID, nil)
		reg.Register("test/slow", "1", runtime.ResolvedBrick{Schema: runtime.Schema(nil), Brick: slow})
		e := NewEngine(EngineConfig{Registry: reg, Frames: tree, Transport: local, Logger: quietLogger()})
		local.Handle(frameID, NewAgent(e, nil))
		return e
	}

	newFrameEngine(frames.NewTree(frames.Frame{ID: "a", Surface: "tab-1"}), "a")
	childTree := frames.NewTree(frames.Frame{ID: "b", Surface: "tab-1", Parent: "a"})
	require.NoError(t, childTree.Add(frames.Frame{ID: "a", Surface: "tab-1"}))
	child := newFrameEngine(childTree, "b")

	for _, target := range []domain.TargetKind{domain.TargetTop, domain.TargetSelf} {
		slow.completed.Store(false)
		slow.cancelled.Store(false)

		ctx, cancel := context.WithCancel(context.Background())
		stop := time.AfterFunc(50*time.Millisecond, cancel)
		outcome, err := child.Run(ctx, pipeline(
			domain.BrickStepConfig{BrickID: "test/slow", Target: target, OutputKey: "slow"},
			domain.BrickStepConfig{BrickID: "core/echo", Config: map[string]any{"message": "never"}},
		), domain.InitialContext{}, RunOptions{})
		stop.Stop()
		cancel()

		require.Error(t, err, target)
		assert.Equal(t, domain.RunAborted, outcome.State, target)
		assert.Equal(t, domain.KindAborted, outcome.Failure.Kind, target)
		assert.True(t, slow.completed.Load(), "%s: issued call ran to completion", target)
		assert.False(t, slow.cancelled.Load(), "%s: issued call was not cancelled", target)
		assert.NotContains(t, outcome.Context, "@slow", target)
	}
}

func TestFanOutMergesModVariable(t *testing.T) {
	topo := newTopology(t, nil)

	outcome, err := run(t, topo.engines["a"], pipeline(
		domain.BrickStepConfig{BrickID: "core/assign-mod-variable", Target: domain.TargetAllFrames, Config: map[string]any{"values": map[string]any{"seen": true}}},
		domain.BrickStepConfig{BrickID: "core/identity", Config: map[string]any{"value": domain.Var("@mod.seen")}},
	), domain.InitialContext{}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, true, outcome.Value)
}

func addRemote(t *testing.T, topo *topology, from string) {
	t.Helper()
	remote := NewEngine(EngineConfig{Registry: newTestRegistry("ext", nil), Logger: quietLogger()})
	topo.local.Handle("ext", NewAgent(remote, nil))
	topo.trees[from].SetRemote(domain.Destination{ID: "ext", Surface: "remote"})
}

func TestRemoteTargetRequiresGate(t *testing.T) {
	topo := newTopology(t, nil)
	addRemote(t, topo, "a")

	_, err := run(t, topo.engines["a"], frameStep(domain.TargetRemote, nil), domain.InitialContext{}, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRemoteNotAllowed))
}

func TestRemoteTargetGateDecisions(t *testing.T) {
	gate := gateFunc(func(brickID string) (bool, error) { return brickID == "test/frame", nil })
	topo := newTopology(t, gate)
	addRemote(t, topo, "a")

	outcome, err := run(t, topo.engines["a"], frameStep(domain.TargetRemote, nil), domain.InitialContext{}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ext", outcome.Value)

	_, err = run(t, topo.engines["a"], pipeline(
		domain.BrickStepConfig{BrickID: "core/echo", Target: domain.TargetRemote, Config: map[string]any{"message": "x"}},
	), domain.InitialContext{}, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRemoteNotAllowed))
}

func TestRemoteTargetWithPolicyGate(t *testing.T) {
	gate, err := policy.NewRemoteGate(context.Background(), policy.GateOptions{AllowedBricks: []string{"test/frame"}, Logger: quietLogger()})
	require.NoError(t, err)
	topo := newTopology(t, gate)
	addRemote(t, topo, "b")

	outcome, err := run(t, topo.engines["b"], frameStep(domain.TargetRemote, nil), domain.InitialContext{}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ext", outcome.Value)

	_, err = run(t, topo.engines["b"], pipeline(domain.BrickStepConfig{BrickID: "test/fail", Target: domain.TargetRemote}), domain.InitialContext{}, RunOptions{})
	assert.True(t, errors.Is(err, domain.ErrRemoteNotAllowed))
}

func TestRemoteTargetWithoutRemoteSurface(t *testing.T) {
	topo := newTopology(t, gateFunc(func(string) (bool, error) { return true, nil }))

	_, err := run(t, topo.engines["a"], frameStep(domain.TargetRemote, nil), domain.InitialContext{}, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoRelatedFrame))
}

func TestHeadlessFromSingleDestinationReturnsToInitiator(t *testing.T) {
	topo := newTopology(t, nil)

	outcome, err := run(t, topo.engines["c"], pipeline(
		domain.BrickStepConfig{BrickID: "core/display", Target: domain.TargetOpener, Config: map[string]any{"title": "remote"}},
	), domain.InitialContext{}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.RunHeadless, outcome.State)
	assert.Equal(t, "remote", outcome.Headless.RenderArgs["title"])
}

// TestLazyPipelineCrossesHTTP sends a for-each step with a nested pipeline to
// another frame over HTTP; the destination re-hydrates and runs it locally.
func TestLazyPipelineCrossesHTTP(t *testing.T) {
	opener := NewEngine(EngineConfig{
		Registry: newTestRegistry("a", nil),
		Frames:   frames.NewTree(frames.Frame{ID: "a", Surface: "tab-1"}),
		Logger:   quietLogger(),
	})
	srv := httptest.NewServer(transport.NewServer(NewAgent(opener, nil), quietLogger()))
	defer srv.Close()

	tree := frames.NewTree(frames.Frame{ID: "c", Surface: "tab-2", Opener: "a"})
	require.NoError(t, tree.Add(frames.Frame{ID: "a", Surface: "tab-1", Address: srv.URL}))
	popup := NewEngine(EngineConfig{
		Registry:  newTestRegistry("c", nil),
		Frames:    tree,
		Transport: transport.Multi{Local: transport.NewLocal(), Remote: transport.NewHTTP(transport.HTTPConfig{Logger: quietLogger()})},
		Logger:    quietLogger(),
	})

	outcome, err := run(t, popup, pipeline(domain.BrickStepConfig{
		BrickID: "core/for-each",
		Target:  domain.TargetOpener,
		Config: map[string]any{
			"items": domain.Var("@input.items"),
			"pipeline": domain.SubPipeline(
				domain.BrickStepConfig{BrickID: "test/frame", OutputKey: "where"},
				domain.BrickStepConfig{BrickID: "core/echo", Config: map[string]any{
					"message": domain.Template("{{ @element }}@{{ @where }} for {{ @input.who }}"),
				}},
			),
		},
	}), domain.InitialContext{Input: map[string]any{"items": []any{"x", "y"}, "who": "ada"}}, RunOptions{})

	require.NoError(t, err)
	assert.Equal(t, []any{"x@a for ada", "y@a for ada"}, outcome.Value)
}

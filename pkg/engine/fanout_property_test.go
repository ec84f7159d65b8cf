package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/frames"
	"github.com/polisai/brickflow/pkg/transport"
	"pgregory.net/rapid"
)

// flatTopology builds n sibling frames on one surface and returns the engine of
// the first one.
func flatTopology(t *rapid.T, n int) *Engine {
	all := make([]frames.Frame, n)
	for i := range all {
		all[i] = frames.Frame{ID: fmt.Sprintf("f%d", i), Surface: "tab"}
	}
	local := transport.NewLocal()
	var first *Engine
	for _, current := range all {
		tree := frames.NewTree(current)
		for _, other := range all {
			if other.ID == current.ID {
				continue
			}
			if err := tree.Add(other); err != nil {
				t.Fatalf("add frame: %v", err)
			}
		}
		e := NewEngine(EngineConfig{
			Registry:  newTestRegistry(current.ID, nil),
			Frames:    tree,
			Transport: local,
			Logger:    quietLogger(),
		})
		local.Handle(current.ID, NewAgent(e, nil))
		if first == nil {
			first = e
		}
	}
	return first
}

func TestFanOutKeepsDestinationOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "frames")
		failing := rapid.SliceOfDistinct(rapid.IntRange(0, n-1), rapid.ID[int]).Draw(t, "failing")
		target := rapid.SampledFrom([]domain.TargetKind{domain.TargetBroadcast, domain.TargetAllFrames}).Draw(t, "target")

		fails := make(map[int]bool, len(failing))
		listedFails := make([]any, 0, len(failing))
		for _, i := range failing {
			fails[i] = true
			listedFails = append(listedFails, fmt.Sprintf("f%d", i))
		}

		e := flatTopology(t, n)
		outcome, err := e.Run(context.Background(), frameStep(target, map[string]any{"fail": listedFails}), domain.InitialContext{}, RunOptions{})

		if len(fails) == n {
			if err == nil {
				t.Fatalf("expected failure when every destination fails")
			}
			if outcome.Failure.Message != "frame f0: boom" {
				t.Fatalf("first error in destination order expected, got %q", outcome.Failure.Message)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		values, ok := outcome.Value.([]any)
		if !ok || len(values) != n {
			t.Fatalf("expected %d values, got %#v", n, outcome.Value)
		}
		for i, value := range values {
			id := fmt.Sprintf("f%d", i)
			if !fails[i] {
				if value != id {
					t.Fatalf("position %d: expected %q, got %#v", i, id, value)
				}
				continue
			}
			serialized, ok := value.(domain.SerializedError)
			if !ok {
				t.Fatalf("position %d: expected serialized error, got %T", i, value)
			}
			if serialized.Message != "frame "+id+": boom" {
				t.Fatalf("position %d: unexpected message %q", i, serialized.Message)
			}
		}
	})
}

package frames

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/polisai/brickflow/pkg/domain"
)

var (
	// ErrFrameExists is returned when adding a frame id twice.
	ErrFrameExists = errors.New("frame already registered")
	// ErrFrameNotFound is returned for unknown frame ids.
	ErrFrameNotFound = errors.New("frame not found")
)

// Frame is one browsing context on a surface.
type Frame struct {
	ID      string `json:"id" yaml:"id"`
	Surface string `json:"surface" yaml:"surface"`
	// Parent is the embedding frame; empty for a surface's top frame.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`
	// Opener is the frame that opened this one.
	Opener string `json:"opener,omitempty" yaml:"opener,omitempty"`
	// Target is the frame this one was opened to control.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// Address is set for frames served by a remote agent.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// Tree is the frame topology as seen from one current frame. It is safe for
// concurrent use; frames come and go as pages navigate.
//
// Fan-out targets list frames in topology order: by surface, then by depth below
// the surface's top frame, then by id. The order does not depend on which frame
// is current or on the order frames were added, so every frame of a topology
// sees the same destination order.
type Tree struct {
	mu      sync.RWMutex
	current string
	frames  map[string]Frame
	remote  *domain.Destination
}

// NewTree creates a tree whose current frame is current.
func NewTree(current Frame) *Tree {
	return &Tree{
		current: current.ID,
		frames:  map[string]Frame{current.ID: current},
	}
}

// Add registers a frame.
func (t *Tree) Add(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.frames[f.ID]; exists {
		return fmt.Errorf("%w: %s", ErrFrameExists, f.ID)
	}
	t.frames[f.ID] = f
	return nil
}

// Remove unregisters a frame. The current frame cannot be removed.
func (t *Tree) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.frames[id]; !ok || id == t.current {
		return fmt.Errorf("%w: %s", ErrFrameNotFound, id)
	}
	delete(t.frames, id)
	return nil
}

// SetRemote configures the privileged destination used by remote steps.
func (t *Tree) SetRemote(dest domain.Destination) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = &dest
}

// Current returns the current frame.
func (t *Tree) Current() Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frames[t.current]
}

// ResolveTarget implements domain.FrameRegistry. Missing related frames yield an
// empty slice; cardinality is enforced by the dispatcher.
func (t *Tree) ResolveTarget(_ context.Context, kind domain.TargetKind) ([]domain.Destination, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	current := t.frames[t.current]
	switch kind.OrDefault() {
	case domain.TargetSelf:
		return []domain.Destination{t.destination(current)}, nil
	case domain.TargetOpener:
		return t.related(current.Opener), nil
	case domain.TargetTarget:
		return t.related(current.Target), nil
	case domain.TargetTop:
		return []domain.Destination{t.destination(t.top(current))}, nil
	case domain.TargetBroadcast:
		return t.collect(func(Frame) bool { return true }), nil
	case domain.TargetAllFrames:
		return t.collect(func(f Frame) bool { return f.Surface == current.Surface }), nil
	case domain.TargetRemote:
		if t.remote == nil {
			return nil, nil
		}
		return []domain.Destination{*t.remote}, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedTarget, kind)
}

func (t *Tree) related(id string) []domain.Destination {
	if id == "" {
		return nil
	}
	f, ok := t.frames[id]
	if !ok {
		return nil
	}
	return []domain.Destination{t.destination(f)}
}

func (t *Tree) top(f Frame) Frame {
	top, _ := t.ancestry(f)
	return top
}

// ancestry walks parent links up to the top frame and reports the depth of f
// below it. Unknown parents and cycles end the walk.
func (t *Tree) ancestry(f Frame) (Frame, int) {
	seen := map[string]bool{f.ID: true}
	depth := 0
	for f.Parent != "" {
		parent, ok := t.frames[f.Parent]
		if !ok || seen[parent.ID] {
			break
		}
		seen[parent.ID] = true
		f = parent
		depth++
	}
	return f, depth
}

func (t *Tree) collect(match func(Frame) bool) []domain.Destination {
	type ranked struct {
		frame Frame
		depth int
	}
	matched := make([]ranked, 0, len(t.frames))
	for _, f := range t.frames {
		if match(f) {
			_, depth := t.ancestry(f)
			matched = append(matched, ranked{frame: f, depth: depth})
		}
	}
	slices.SortFunc(matched, func(a, b ranked) int {
		return cmp.Or(
			cmp.Compare(a.frame.Surface, b.frame.Surface),
			cmp.Compare(a.depth, b.depth),
			cmp.Compare(a.frame.ID, b.frame.ID),
		)
	})

	out := make([]domain.Destination, 0, len(matched))
	for _, r := range matched {
		out = append(out, t.destination(r.frame))
	}
	return out
}

func (t *Tree) destination(f Frame) domain.Destination {
	return domain.Destination{
		ID:      f.ID,
		Surface: f.Surface,
		Address: f.Address,
		Local:   f.ID == t.current,
	}
}

package frames

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTree(t *testing.T) *Tree {
	t.Helper()
	tree := NewTree(Frame{ID: "child", Surface: "tab-1", Parent: "top-1", Opener: "popup-opener"})
	for _, f := range []Frame{
		{ID: "top-1", Surface: "tab-1"},
		{ID: "sibling", Surface: "tab-1", Parent: "top-1"},
		{ID: "popup-opener", Surface: "tab-2"},
		{ID: "sidebar", Surface: "panel", Address: "http://agent.local"},
	} {
		require.NoError(t, tree.Add(f))
	}
	return tree
}

func ids(dests []domain.Destination) []string {
	out := make([]string, 0, len(dests))
	for _, d := range dests {
		out = append(out, d.ID)
	}
	return out
}

func TestTreeResolveTarget(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()

	tests := []struct {
		kind domain.TargetKind
		want []string
	}{
		{"", []string{"child"}},
		{domain.TargetSelf, []string{"child"}},
		{domain.TargetOpener, []string{"popup-opener"}},
		{domain.TargetTarget, []string{}},
		{domain.TargetTop, []string{"top-1"}},
		{domain.TargetAllFrames, []string{"top-1", "child", "sibling"}},
		{domain.TargetBroadcast, []string{"sidebar", "top-1", "child", "sibling", "popup-opener"}},
		{domain.TargetRemote, []string{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			dests, err := tree.ResolveTarget(ctx, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(dests))
		})
	}

	self, _ := tree.ResolveTarget(ctx, domain.TargetSelf)
	assert.True(t, self[0].Local)

	tree.SetRemote(domain.Destination{ID: "privileged", Address: "http://remote"})
	remote, err := tree.ResolveTarget(ctx, domain.TargetRemote)
	require.NoError(t, err)
	assert.Equal(t, []string{"privileged"}, ids(remote))

	_, err = tree.ResolveTarget(ctx, "sideways")
	assert.ErrorIs(t, err, domain.ErrUnsupportedTarget)
}

func TestFanOutOrderIgnoresCurrentFrame(t *testing.T) {
	all := []Frame{
		{ID: "top-1", Surface: "tab-1"},
		{ID: "child", Surface: "tab-1", Parent: "top-1"},
		{ID: "grandchild", Surface: "tab-1", Parent: "child"},
		{ID: "sibling", Surface: "tab-1", Parent: "top-1"},
		{ID: "popup", Surface: "tab-2", Opener: "top-1"},
	}
	want := []string{"top-1", "child", "sibling", "grandchild", "popup"}

	for _, current := range all {
		t.Run(current.ID, func(t *testing.T) {
			tree := NewTree(current)
			// Add the others in reverse so insertion order differs per tree.
			for i := len(all) - 1; i >= 0; i-- {
				if all[i].ID != current.ID {
					require.NoError(t, tree.Add(all[i]))
				}
			}
			dests, err := tree.ResolveTarget(context.Background(), domain.TargetBroadcast)
			require.NoError(t, err)
			assert.Equal(t, want, ids(dests))
		})
	}
}

func TestTreeAddRemove(t *testing.T) {
	tree := testTree(t)
	assert.ErrorIs(t, tree.Add(Frame{ID: "sibling"}), ErrFrameExists)
	require.NoError(t, tree.Remove("popup-opener"))
	assert.ErrorIs(t, tree.Remove("child"), ErrFrameNotFound)

	dests, err := tree.ResolveTarget(context.Background(), domain.TargetOpener)
	require.NoError(t, err)
	assert.Empty(t, dests)
}

const testDocument = `
tag: html
children:
  - tag: body
    id: body
    children:
      - tag: ul
        id: list
        classes: [items]
        children:
          - {tag: li, id: first, classes: [item, active], attrs: {data-kind: fruit}}
          - {tag: li, id: second, classes: [item]}
      - tag: form
        id: signup
        children:
          - {tag: input, id: email, attrs: {name: email}}
`

func loadTestDocument(t *testing.T) *Document {
	t.Helper()
	doc, err := LoadDocument(strings.NewReader(testDocument))
	require.NoError(t, err)
	return doc
}

func elementIDs(els []runtime.Element) []string {
	out := make([]string, 0, len(els))
	for _, el := range els {
		out = append(out, el.ElementID())
	}
	return out
}

func TestDocumentQuery(t *testing.T) {
	doc := loadTestDocument(t)
	ctx := context.Background()

	tests := []struct {
		selector domain.Selector
		want     []string
	}{
		{"li", []string{"first", "second"}},
		{"#signup", []string{"signup"}},
		{".item.active", []string{"first"}},
		{"ul.items li", []string{"first", "second"}},
		{"body input[name=email]", []string{"email"}},
		{"[data-kind]", []string{"first"}},
		{"form li", nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.selector), func(t *testing.T) {
			got, err := doc.Query(ctx, doc.Root(), tt.selector)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, elementIDs(got))
		})
	}
}

func TestDocumentQueryScopedToRoot(t *testing.T) {
	doc := loadTestDocument(t)
	ctx := context.Background()

	form, err := doc.Lookup(ctx, domain.ElementRef{ID: "signup"})
	require.NoError(t, err)

	got, err := doc.Query(ctx, form, "input")
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, elementIDs(got))

	got, err = doc.Query(ctx, form, "li")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDocumentErrors(t *testing.T) {
	doc := loadTestDocument(t)
	ctx := context.Background()

	_, err := doc.Lookup(ctx, domain.ElementRef{ID: "missing"})
	assert.ErrorIs(t, err, domain.ErrRootNotFound)
	assert.Equal(t, domain.KindBusiness, domain.Classify(err))

	for _, bad := range []domain.Selector{"", "li#", "div[", "a.b."} {
		_, err := doc.Query(ctx, doc.Root(), bad)
		assert.True(t, errors.Is(err, ErrInvalidSelector), "selector %q: %v", bad, err)
	}
}

package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// BrickRegistry stores canonical bricks and alias mappings. Canonical keys have
// the form "kind@version"; a bare kind resolves to the most recently registered
// version of that kind.
type BrickRegistry struct {
	mu      sync.RWMutex
	bricks  map[string]runtime.ResolvedBrick
	aliases map[string]string
}

// NewBrickRegistry returns an empty registry.
func NewBrickRegistry() *BrickRegistry {
	return &BrickRegistry{
		bricks:  make(map[string]runtime.ResolvedBrick),
		aliases: make(map[string]string),
	}
}

// Register adds a brick under kind@version plus any aliases.
func (r *BrickRegistry) Register(kind, version string, brick runtime.ResolvedBrick, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := canonicalKey(kind, version)
	brick.ID = strings.TrimSpace(kind)
	brick.Version = strings.TrimSpace(version)
	r.bricks[canonical] = brick
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	r.aliases[brick.ID] = canonical
}

// Resolve implements runtime.Registry.
func (r *BrickRegistry) Resolve(_ context.Context, brickID string) (runtime.ResolvedBrick, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, version := parseBrickID(brickID)
	if brick, ok := r.bricks[canonicalKey(kind, version)]; ok {
		return brick, nil
	}
	if alias, ok := r.aliases[strings.TrimSpace(brickID)]; ok {
		if brick, ok := r.bricks[alias]; ok {
			return brick, nil
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if brick, ok := r.bricks[alias]; ok {
				return brick, nil
			}
		}
	}
	return runtime.ResolvedBrick{}, domain.NewBusinessError(domain.ErrBrickNotFound, "unknown brick %q", brickID)
}

// IDs lists the canonical keys in sorted order.
func (r *BrickRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.bricks))
	for id := range r.bricks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func parseBrickID(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return fmt.Sprintf("%s@%s", kind, version)
}

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/polisai/brickflow/pkg/domain"
)

// Local delivers envelopes to in-process handlers keyed by destination id.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocal returns an empty handler table.
func NewLocal() *Local {
	return &Local{handlers: make(map[string]Handler)}
}

// Handle registers the handler of a destination, replacing any previous one.
func (l *Local) Handle(destinationID string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[destinationID] = h
}

// Remove unregisters a destination, e.g. when its frame navigates away.
func (l *Local) Remove(destinationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, destinationID)
}

// Send implements Transport.
func (l *Local) Send(ctx context.Context, dest domain.Destination, env Envelope) (Reply, error) {
	l.mu.RLock()
	h, ok := l.handlers[dest.ID]
	l.mu.RUnlock()
	if !ok {
		return Reply{}, fmt.Errorf("%w: %s", ErrUnknownDestination, dest.ID)
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	return h.Handle(ctx, env), nil
}

// Multi routes destinations with an address to Remote and all others to Local.
type Multi struct {
	Local  Transport
	Remote Transport
}

// Send implements Transport.
func (m Multi) Send(ctx context.Context, dest domain.Destination, env Envelope) (Reply, error) {
	if dest.Address != "" && m.Remote != nil {
		return m.Remote.Send(ctx, dest, env)
	}
	if m.Local == nil {
		return Reply{}, fmt.Errorf("%w: %s", ErrUnknownDestination, dest.ID)
	}
	return m.Local.Send(ctx, dest, env)
}

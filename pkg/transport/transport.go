// Package transport carries brick invocations between frames. A Transport sends an
// Envelope to a Destination and returns its Reply; the receiving side implements
// Handler. Local delivers in-process through a handler table and HTTP delivers to
// frame agents over the network.
package transport

import (
	"context"
	"errors"

	"github.com/polisai/brickflow/pkg/domain"
)

var (
	// ErrUnknownDestination is returned when no handler or address exists for a destination.
	ErrUnknownDestination = errors.New("unknown destination")
	// ErrRateLimited is returned when a destination exceeded its call budget.
	ErrRateLimited = errors.New("destination rate limited")
)

// RootSpec tells the destination how to resolve the step root in its own document.
type RootSpec struct {
	Mode      domain.RootMode `json:"mode,omitempty"`
	Selector  string          `json:"selector,omitempty"`
	ElementID string          `json:"elementId,omitempty"`
}

// Envelope is one brick invocation request.
type Envelope struct {
	BrickID    string             `json:"brickId"`
	Args       map[string]any     `json:"args"`
	Meta       domain.RunMetadata `json:"meta"`
	StepPath   string             `json:"stepPath"`
	InstanceID string             `json:"instanceId,omitempty"`
	Target     domain.TargetKind  `json:"target"`
	Root       RootSpec           `json:"root"`
}

// Reply is the destination's answer: a value, a headless signal, or an error.
type Reply struct {
	Value       any                     `json:"value,omitempty"`
	Headless    *domain.HeadlessSignal  `json:"headless,omitempty"`
	ModVariable map[string]any          `json:"modVariable,omitempty"`
	Error       *domain.SerializedError `json:"error,omitempty"`
}

// ErrorReply builds a reply carrying err.
func ErrorReply(err error) Reply {
	serialized := domain.SerializeError(err)
	return Reply{Error: &serialized}
}

// Transport sends envelopes to destinations. An error return means delivery
// failed; brick failures come back inside Reply.Error.
type Transport interface {
	Send(ctx context.Context, dest domain.Destination, env Envelope) (Reply, error)
}

// Handler executes envelopes on the receiving frame.
type Handler interface {
	Handle(ctx context.Context, env Envelope) Reply
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) Reply

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env Envelope) Reply {
	return f(ctx, env)
}

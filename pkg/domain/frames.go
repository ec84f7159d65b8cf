package domain

import "context"

// Selector is a root selector string evaluated against a document.
type Selector string

// ElementRef is an explicit reference to one element.
type ElementRef struct {
	ID string `json:"elementId" yaml:"elementId"`
}

// Destination is one frame a step can execute in.
type Destination struct {
	ID      string `json:"id"`
	Surface string `json:"surface,omitempty"`
	// Address is the transport address for non-local frames.
	Address string `json:"address,omitempty"`
	// Local marks the calling frame itself.
	Local bool `json:"local,omitempty"`
}

// FrameRegistry resolves target kinds into concrete destinations.
type FrameRegistry interface {
	ResolveTarget(ctx context.Context, kind TargetKind) ([]Destination, error)
}

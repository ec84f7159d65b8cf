// Package storage provides page-scoped shared state that outlives a single
// pipeline run. Bricks reach it through runtime.SharedState only when they
// declare NeedsSharedState.
package storage

import (
	"context"
	"errors"

	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("state store closed")

// StateStore exposes persistence operations for shared state namespaces.
type StateStore interface {
	runtime.SharedState
	Delete(ctx context.Context, namespace string) error
	Namespaces(ctx context.Context) ([]string, error)
	Close() error
}

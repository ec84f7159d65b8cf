// Package bricks provides the built-in brick catalog.
//
// Every brick is registered under a "core/<name>" kind at version "1"; a few
// carry short aliases kept for older mod files.
package bricks

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/polisai/brickflow/internal/governance"
	"github.com/polisai/brickflow/pkg/engine/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Version is the version every built-in brick is registered under.
const Version = "1"

// Registrar accepts brick registrations. engine.BrickRegistry implements it.
type Registrar interface {
	Register(kind, version string, brick runtime.ResolvedBrick, aliases ...string)
}

// AlertFunc delivers a message raised by core/alert.
type AlertFunc func(ctx context.Context, level, message string)

// Options tune the built-in bricks.
type Options struct {
	// HTTPClient is used by core/http-get. Defaults to an otelhttp-instrumented client.
	HTTPClient *http.Client
	// Retry configures core/http-get retries. MaxRetries in args overrides it.
	Retry governance.RetryConfig
	// Alert receives core/alert messages. Defaults to logging through the brick logger.
	Alert AlertFunc
}

// Register adds all built-in bricks to reg.
func Register(reg Registrar, opts Options) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	reg.Register("core/identity", Version, identityBrick())
	reg.Register("core/echo", Version, echoBrick(), "echo")
	reg.Register("core/alert", Version, alertBrick(opts.Alert), "alert")
	reg.Register("core/display", Version, displayBrick(), "display")
	reg.Register("core/assign-mod-variable", Version, assignModVariableBrick())
	reg.Register("core/state-get", Version, stateGetBrick())
	reg.Register("core/state-set", Version, stateSetBrick())
	reg.Register("core/http-get", Version, httpGetBrick(opts.HTTPClient, opts.Retry))
	reg.Register("core/run", Version, runBrick())
	reg.Register("core/for-each", Version, forEachBrick())
	reg.Register("core/root", Version, rootBrick())
}

func logger(opts runtime.Options) *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// Mode says what the gate does when the policy cannot be evaluated.
type Mode string

const (
	// ModeFailClosed refuses the brick.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen lets the brick run.
	ModeFailOpen Mode = "fail-open"
)

// DefaultRemoteBricks are allow-listed when no list is configured.
var DefaultRemoteBricks = []string{"core/identity", "core/echo", "core/state-get", "core/http-get"}

const allowListModule = `package bricks.remote

import rego.v1

allowed := %s

default decision := {"allow": false, "reason": "brick is not allow-listed for remote execution"}

decision := {"allow": true, "reason": "allow-listed"} if {
	input.brick_id in allowed
}
`

// AllowListModule renders a Rego module allowing exactly bricks. A nil list
// selects DefaultRemoteBricks.
func AllowListModule(bricks []string) (string, error) {
	if bricks == nil {
		bricks = DefaultRemoteBricks
	}
	encoded, err := json.Marshal(bricks)
	if err != nil {
		return "", fmt.Errorf("encode allow-list: %w", err)
	}
	return fmt.Sprintf(allowListModule, encoded), nil
}

// GateOptions configure a RemoteGate.
type GateOptions struct {
	// AllowedBricks feeds the allow-list module; ignored when Modules is set.
	AllowedBricks []string
	// Modules replace the allow-list module.
	Modules map[string]string
	Mode    Mode
	Logger  *slog.Logger
}

// RemoteGate decides whether a brick may run on the privileged remote surface.
type RemoteGate struct {
	decider Decider
	mode    Mode
	logger  *slog.Logger
}

// NewRemoteGate compiles the configured Rego modules into a gate.
func NewRemoteGate(ctx context.Context, opts GateOptions) (*RemoteGate, error) {
	modules := opts.Modules
	if len(modules) == 0 {
		src, err := AllowListModule(opts.AllowedBricks)
		if err != nil {
			return nil, err
		}
		modules = map[string]string{"allow_list.rego": src}
	}
	decider, err := NewRegoDecider(ctx, RegoOptions{Modules: modules, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return NewGate(decider, opts.Mode, opts.Logger), nil
}

// NewGate wraps any decider, e.g. AllOf a RegoDecider and static checks.
func NewGate(decider Decider, mode Mode, logger *slog.Logger) *RemoteGate {
	if mode == "" {
		mode = ModeFailClosed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteGate{decider: decider, mode: mode, logger: logger}
}

// AllowRemote reports whether brickID may run remotely and why.
func (g *RemoteGate) AllowRemote(ctx context.Context, brickID string, caps runtime.Capabilities) (bool, string, error) {
	verdict, err := g.decider.Decide(ctx, Request{BrickID: brickID, Capabilities: caps})
	if err == nil {
		return verdict.Allow, verdict.Reason, nil
	}
	g.logger.WarnContext(ctx, "remote gate evaluation failed", "brick_id", brickID, "mode", g.mode, "error", err)
	if g.mode == ModeFailOpen {
		return true, "gate error, failing open", nil
	}
	return false, "", fmt.Errorf("evaluate remote gate: %w", err)
}

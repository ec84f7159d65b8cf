package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/polisai/brickflow/internal/governance"
	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
	"github.com/polisai/brickflow/pkg/telemetry"
	"github.com/polisai/brickflow/pkg/transport"
	"go.opentelemetry.io/otel/trace"
)

// RemoteGate decides whether a brick may run on the privileged remote surface.
type RemoteGate interface {
	AllowRemote(ctx context.Context, brickID string, caps runtime.Capabilities) (bool, string, error)
}

// invocation is one step call as seen by the dispatcher.
type invocation struct {
	brick    runtime.ResolvedBrick
	envelope transport.Envelope
	// runLocal executes the call in the current frame.
	runLocal func(ctx context.Context) (runtime.Result, error)
	timeout  time.Duration
}

// Dispatcher resolves step targets into destinations and invokes bricks on them.
type Dispatcher struct {
	frames    domain.FrameRegistry
	transport transport.Transport
	gate      RemoteGate
	invoker   runtime.Invoker
	logger    *slog.Logger
}

// Resolve maps the step target to its destinations.
func (d *Dispatcher) Resolve(ctx context.Context, step domain.BrickStepConfig, brick runtime.ResolvedBrick) ([]domain.Destination, error) {
	kind := step.Target.OrDefault()
	if !kind.Valid() {
		return nil, domain.NewBusinessError(domain.ErrUnsupportedTarget, "target %q", kind)
	}

	if kind == domain.TargetRemote {
		if err := d.checkRemote(ctx, brick); err != nil {
			return nil, err
		}
	}

	dests, err := d.frames.ResolveTarget(ctx, kind)
	if err != nil {
		return nil, err
	}
	if kind.IsFanOut() {
		return dests, nil
	}
	switch len(dests) {
	case 1:
		return dests, nil
	case 0:
		return nil, domain.NewBusinessError(domain.ErrNoRelatedFrame, "")
	}
	return nil, fmt.Errorf("target %s resolved to %d frames", kind, len(dests))
}

func (d *Dispatcher) checkRemote(ctx context.Context, brick runtime.ResolvedBrick) error {
	if d.gate == nil {
		return domain.NewBusinessError(domain.ErrRemoteNotAllowed, "%s: no remote gate configured", brick.ID)
	}
	allowed, reason, err := d.gate.AllowRemote(ctx, brick.ID, brick.Capabilities)
	telemetry.RecordGateDecision(trace.SpanFromContext(ctx), brick.ID, allowed && err == nil, reason)
	if err != nil {
		return err
	}
	if !allowed {
		return domain.NewBusinessError(domain.ErrRemoteNotAllowed, "%s", brick.ID)
	}
	return nil
}

// Invoke runs the call on dests. A single destination yields its result or error.
// Fan-out targets run concurrently and yield an ordered array of values and
// serialized errors; the step fails only when every destination failed.
//
// Issued calls are never cancelled by ctx: they run to completion and an abort
// discards their results. inv.timeout bounds every destination.
func (d *Dispatcher) Invoke(ctx context.Context, inv invocation, kind domain.TargetKind, dests []domain.Destination) (runtime.Result, error) {
	if err := ctx.Err(); err != nil {
		return runtime.Result{}, err
	}
	dispatchCtx := context.WithoutCancel(ctx)

	if !kind.IsFanOut() {
		res, err := d.await(dispatchCtx, inv, dests[0])
		if ctxErr := ctx.Err(); ctxErr != nil {
			return runtime.Result{}, ctxErr
		}
		return res, err
	}
	if len(dests) == 0 {
		return runtime.Value([]any{}), nil
	}

	var (
		wg      sync.WaitGroup
		results = make([]runtime.Result, len(dests))
		errs    = make([]error, len(dests))
	)
	for i, dest := range dests {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return runtime.Result{}, err
		}
		wg.Go(func() {
			res, err := d.await(dispatchCtx, inv, dest)
			if err == nil && res.IsHeadless() {
				err = domain.NewBusinessError(domain.ErrHeadlessFanOut, "destination %s", dest.ID)
			}
			results[i], errs[i] = res, err
		})
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return runtime.Result{}, err
	}

	out := make([]any, len(dests))
	var (
		firstErr error
		failed   int
		patch    map[string]any
	)
	for i := range dests {
		if errs[i] != nil {
			failed++
			if firstErr == nil {
				firstErr = errs[i]
			}
			out[i] = domain.SerializeError(errs[i])
			d.logger.DebugContext(ctx, "fan-out destination failed",
				"brick_id", inv.brick.ID,
				"destination", dests[i].ID,
				"error", errs[i],
			)
			continue
		}
		out[i] = results[i].Value
		if len(results[i].ModVariable) > 0 {
			if patch == nil {
				patch = map[string]any{}
			}
			maps.Copy(patch, results[i].ModVariable)
		}
	}

	telemetry.RecordFanOut(ctx, telemetry.FanOutMetrics{
		BrickID:      inv.brick.ID,
		Target:       string(kind),
		Destinations: len(dests),
		Failed:       failed,
	})

	if failed == len(dests) {
		return runtime.Result{}, firstErr
	}
	return runtime.Result{Value: out, ModVariable: patch}, nil
}

func (d *Dispatcher) await(ctx context.Context, inv invocation, dest domain.Destination) (runtime.Result, error) {
	res, err := governance.Await(ctx, inv.timeout, func(ctx context.Context) (runtime.Result, error) {
		return d.invokeOne(ctx, inv, dest)
	})
	if errors.Is(err, governance.ErrTimeout) {
		return runtime.Result{}, fmt.Errorf("%w: %s after %s", domain.ErrDestinationTimeout, dest.ID, inv.timeout)
	}
	return res, err
}

func (d *Dispatcher) invokeOne(ctx context.Context, inv invocation, dest domain.Destination) (runtime.Result, error) {
	if dest.Local {
		return inv.runLocal(ctx)
	}
	if d.transport == nil {
		return runtime.Result{}, fmt.Errorf("%w: %s (no transport)", transport.ErrUnknownDestination, dest.ID)
	}

	reply, err := d.transport.Send(ctx, dest, inv.envelope)
	if err != nil {
		return runtime.Result{}, err
	}
	if reply.Error != nil {
		return runtime.Result{}, domain.DeserializeError(*reply.Error)
	}
	if reply.Headless != nil {
		return runtime.Result{Headless: reply.Headless}, nil
	}
	value, err := runtime.HydrateArgs(reply.Value, d.invoker)
	if err != nil {
		return runtime.Result{}, err
	}
	return runtime.Result{Value: value, ModVariable: reply.ModVariable}, nil
}

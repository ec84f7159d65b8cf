package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/telemetry"
	"github.com/polisai/brickflow/pkg/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Agent is the destination side of the dispatcher. It executes envelopes sent
// by other frames against its engine and replies with a value, a headless
// signal or a serialized error.
type Agent struct {
	engine  *Engine
	metrics *telemetry.AgentMetrics
	logger  *slog.Logger
}

// NewAgent wraps engine. metrics may be nil.
func NewAgent(engine *Engine, metrics *telemetry.AgentMetrics) *Agent {
	return &Agent{engine: engine, metrics: metrics, logger: engine.logger}
}

// Handle implements transport.Handler.
func (a *Agent) Handle(ctx context.Context, env transport.Envelope) transport.Reply {
	start := time.Now()
	ctx, span := a.engine.tracer.Start(ctx, "brickflow.agent.execute", trace.WithAttributes(
		attribute.String("brick.id", env.BrickID),
		attribute.String("step.path", env.StepPath),
		attribute.String("step.target", string(env.Target)),
		attribute.String("run.id", env.Meta.RunID),
	))
	defer span.End()

	res, err := a.engine.Execute(ctx, env)
	status := "ok"
	var reply transport.Reply
	switch {
	case err != nil:
		status = string(domain.Classify(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.WarnContext(ctx, "envelope failed",
			"brick_id", env.BrickID,
			"step", env.StepPath,
			"run_id", env.Meta.RunID,
			"error", err,
		)
		reply = transport.ErrorReply(err)
	case res.IsHeadless():
		status = "headless"
		reply = transport.Reply{Headless: res.Headless}
	default:
		reply = transport.Reply{Value: res.Value, ModVariable: res.ModVariable}
	}

	a.metrics.ObserveEnvelope(env.BrickID, string(env.Target), status, time.Since(start))
	return reply
}

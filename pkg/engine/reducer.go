package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/expr"
	"github.com/polisai/brickflow/pkg/engine/runtime"
	"github.com/polisai/brickflow/pkg/frames"
	"github.com/polisai/brickflow/pkg/telemetry"
	"github.com/polisai/brickflow/pkg/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of run and step spans.
const TracerName = "brickflow.engine"

// EngineConfig holds dependencies for creating an Engine.
type EngineConfig struct {
	Registry runtime.Registry
	// Frames defaults to a single-frame tree.
	Frames    domain.FrameRegistry
	Transport transport.Transport
	// Document is the current frame's document used for root resolution.
	Document    runtime.Document
	Display     runtime.DisplaySurface
	SharedState runtime.SharedState
	Gate        RemoteGate
	Trace       TraceSink
	Notifier    Notifier
	Evaluator   *expr.Evaluator
	Redaction   *telemetry.RedactionPolicy
	Logger      *slog.Logger
}

// RunOptions are the per-run settings supplied by the activation layer.
type RunOptions struct {
	Meta domain.RunMetadata
	// Root overrides the document root as the inherited root of top-level steps.
	Root runtime.Element
	// DestinationTimeout bounds each fan-out destination. Zero waits indefinitely.
	DestinationTimeout time.Duration
	// Display overrides the engine display surface for this run.
	Display runtime.DisplaySurface
	// RequireRenderer fails completed runs in which no renderer executed.
	RequireRenderer bool
}

// Engine reduces compiled pipelines step by step. It is safe for concurrent
// runs; each run owns its ExecutionContext.
type Engine struct {
	registry   runtime.Registry
	dispatcher *Dispatcher
	document   runtime.Document
	display    runtime.DisplaySurface
	shared     runtime.SharedState
	trace      TraceSink
	notifier   Notifier
	eval       *expr.Evaluator
	redaction  *telemetry.RedactionPolicy
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewEngine creates an engine with the given configuration.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewBrickRegistry()
	}
	registryFrames := cfg.Frames
	if registryFrames == nil {
		registryFrames = frames.NewTree(frames.Frame{ID: "local", Surface: "local"})
	}
	traceSink := cfg.Trace
	if traceSink == nil {
		traceSink = NoopTraceSink{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	eval := cfg.Evaluator
	if eval == nil {
		eval = expr.NewEvaluator(expr.Options{})
	}

	e := &Engine{
		registry:  registry,
		document:  cfg.Document,
		display:   cfg.Display,
		shared:    cfg.SharedState,
		trace:     traceSink,
		notifier:  notifier,
		eval:      eval,
		redaction: cfg.Redaction,
		logger:    logger,
		tracer:    otel.Tracer(TracerName),
	}
	e.dispatcher = &Dispatcher{
		frames:    registryFrames,
		transport: cfg.Transport,
		gate:      cfg.Gate,
		invoker:   e,
		logger:    logger,
	}
	return e
}

// scope is the state of one pipeline reduction, top-level or nested.
type scope struct {
	pipelineID string
	apiVersion string
	engineName string
	path       string
	steps      []domain.BrickStepConfig
	vars       *ExecutionContext
	root       runtime.Element
	meta       domain.RunMetadata
	display    runtime.DisplaySurface
	timeout    time.Duration
	rendered   bool
}

func (sc *scope) implicitRender() bool {
	return (&domain.Pipeline{APIVersion: sc.apiVersion}).ImplicitRender()
}

// Run executes p against initial. The returned outcome always describes the run;
// the error is non-nil exactly when the run failed or was aborted.
func (e *Engine) Run(ctx context.Context, p *domain.Pipeline, initial domain.InitialContext, opts RunOptions) (domain.Outcome, error) {
	if p == nil {
		err := domain.NewBusinessError(domain.ErrPipelineNotFound, "nil pipeline")
		return domain.Outcome{State: domain.RunFailed, Failure: domain.NewFailure(err)}, err
	}

	meta := opts.Meta
	if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}
	display := opts.Display
	if display == nil {
		display = e.display
	}
	root := opts.Root
	if root == nil && e.document != nil {
		root = e.document.Root()
	}

	ctx, span := e.tracer.Start(ctx, "brickflow.run", trace.WithAttributes(
		attribute.String("pipeline.id", p.ID),
		attribute.Int("pipeline.version", p.Version),
		attribute.String("pipeline.api_version", p.APIVersion),
		attribute.String("mod.id", meta.ModID),
		attribute.String("run.id", meta.RunID),
		attribute.Int("pipeline.steps", len(p.Steps)),
	))
	defer span.End()

	e.logger.InfoContext(ctx, "executing pipeline",
		"pipeline_id", p.ID,
		"mod_id", meta.ModID,
		"run_id", meta.RunID,
		"steps", len(p.Steps),
	)

	sc := &scope{
		pipelineID: p.ID,
		apiVersion: p.APIVersion,
		path:       "steps",
		steps:      p.Steps,
		vars:       NewExecutionContext(initial),
		root:       root,
		meta:       meta,
		display:    display,
		timeout:    opts.DestinationTimeout,
	}

	res, err := e.reduce(ctx, sc)
	if err == nil && opts.RequireRenderer && !sc.rendered && !res.IsHeadless() {
		err = domain.NewBusinessError(domain.ErrNoRenderer, "")
	}

	outcome := domain.Outcome{RunID: meta.RunID, Context: sc.vars.Snapshot()}
	switch {
	case err == nil && res.IsHeadless():
		outcome.State = domain.RunHeadless
		outcome.Headless = res.Headless
	case err == nil:
		outcome.State = domain.RunCompleted
		outcome.Value = res.Value
	default:
		outcome.State = domain.RunFailed
		if domain.Classify(err) == domain.KindAborted {
			outcome.State = domain.RunAborted
		}
		outcome.Failure = domain.NewFailure(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome.Failure.Message)
	}
	span.SetAttributes(attribute.String("run.state", string(outcome.State)))

	logAttrs := []any{"pipeline_id", p.ID, "run_id", meta.RunID, "state", outcome.State}
	switch {
	case err == nil:
		e.logger.InfoContext(ctx, "pipeline finished", logAttrs...)
	case outcome.Failure.Kind == domain.KindInternal:
		e.logger.ErrorContext(ctx, "pipeline failed", append(logAttrs, "error", err)...)
	default:
		e.logger.WarnContext(ctx, "pipeline failed", append(logAttrs, "error", err)...)
	}

	return outcome, err
}

// InvokePipeline implements runtime.Invoker. The sub-pipeline runs synchronously
// on a context restored from the snapshot plus extraArgs.
func (e *Engine) InvokePipeline(ctx context.Context, lp *runtime.LazyPipeline, extraArgs map[string]any) (runtime.Result, error) {
	vars, err := restoreContext(lp.Snapshot, extraArgs)
	if err != nil {
		return runtime.Result{}, domain.NewBusinessError(err, "invoke pipeline")
	}
	root := lp.Root
	if root == nil && e.document != nil {
		root = e.document.Root()
	}
	path := "steps"
	if lp.StepPath != "" {
		path = lp.StepPath + ".steps"
	}
	sc := &scope{
		apiVersion: lp.APIVersion,
		engineName: lp.Engine,
		path:       path,
		steps:      lp.Steps,
		vars:       vars,
		root:       root,
		meta:       lp.Meta,
		display:    lp.Display,
		timeout:    lp.DestinationTimeout,
	}
	if sc.display == nil {
		sc.display = e.display
	}
	return e.reduce(ctx, sc)
}

func (e *Engine) reduce(ctx context.Context, sc *scope) (runtime.Result, error) {
	last := runtime.Value(nil)
	for i, step := range sc.steps {
		path := fmt.Sprintf("%s[%d]", sc.path, i)
		if err := ctx.Err(); err != nil {
			return runtime.Result{}, &domain.StepError{Kind: domain.KindAborted, StepPath: path, BrickID: step.BrickID, InstanceID: step.InstanceID, Err: err}
		}

		res, skipped, err := e.step(ctx, sc, step, path, i == len(sc.steps)-1)
		if err != nil {
			return runtime.Result{}, err
		}
		if skipped {
			continue
		}
		if res.IsHeadless() {
			return res, nil
		}
		last = res
	}
	return last, nil
}

// step runs one step through the state machine. Only the last step may hand off
// to a headless renderer.
func (e *Engine) step(ctx context.Context, sc *scope, step domain.BrickStepConfig, path string, last bool) (runtime.Result, bool, error) {
	start := time.Now()
	record := domain.TraceRecord{
		RunID:      sc.meta.RunID,
		InstanceID: step.InstanceID,
		BrickID:    step.BrickID,
		Label:      step.Label,
		StepPath:   path,
		State:      domain.StepEvaluatingCondition,
		Timestamp:  start,
	}
	kind := step.Target.OrDefault()

	if step.If != nil {
		ok, err := e.condition(ctx, sc, step)
		if err != nil {
			return runtime.Result{}, false, e.fail(ctx, sc, step, &record, start, fmt.Errorf("condition: %w", err))
		}
		if !ok {
			record.State = domain.StepSkipped
			record.Skipped = true
			e.trace.Record(ctx, record)
			telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
				PipelineID: sc.pipelineID,
				ModID:      sc.meta.ModID,
				BrickID:    step.BrickID,
				Target:     string(kind),
				Outcome:    "skipped",
			})
			return runtime.Result{}, true, nil
		}
	}

	ctx, span := e.tracer.Start(ctx, "brickflow.step", trace.WithAttributes(
		attribute.String("step.path", path),
		attribute.String("step.label", step.Label),
		attribute.String("step.instance_id", step.InstanceID),
		attribute.String("brick.id", step.BrickID),
		attribute.String("step.target", string(kind)),
	))
	defer span.End()

	fail := func(err error) error {
		span.SetAttributes(attribute.String("step.state", string(record.State)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.fail(ctx, sc, step, &record, start, err)
	}

	record.State = domain.StepPending
	brick, err := e.registry.Resolve(ctx, step.BrickID)
	if err != nil {
		return runtime.Result{}, false, fail(err)
	}
	span.SetAttributes(attribute.String("brick.version", brick.Version))

	record.State = domain.StepResolvingRoot
	rootSpec, err := e.rootSpec(ctx, sc, step)
	if err != nil {
		return runtime.Result{}, false, fail(err)
	}
	var root runtime.Element
	if kind == domain.TargetSelf {
		if root, err = locateRoot(ctx, e.document, sc.root, rootSpec); err != nil {
			return runtime.Result{}, false, fail(err)
		}
	}

	record.State = domain.StepResolvingTarget
	dests, err := e.dispatcher.Resolve(ctx, step, brick)
	if err != nil {
		return runtime.Result{}, false, fail(err)
	}

	record.State = domain.StepRendering
	args, err := e.renderArgs(ctx, sc, step, path, root)
	if err != nil {
		return runtime.Result{}, false, fail(err)
	}
	record.RenderedArgs = args
	span.SetAttributes(telemetry.RedactAttributes(e.redaction, argAttributes(args))...)

	record.State = domain.StepValidating
	if err := ValidateArgs(brick.Schema, args, path+".config"); err != nil {
		return runtime.Result{}, false, fail(err)
	}

	record.State = domain.StepExecuting
	env := transport.Envelope{
		BrickID:    step.BrickID,
		Args:       args,
		Meta:       sc.meta,
		StepPath:   path,
		InstanceID: step.InstanceID,
		Target:     kind,
		Root:       rootSpec,
	}
	inv := invocation{brick: brick, envelope: env, timeout: sc.timeout}
	if kind == domain.TargetSelf {
		opts := e.brickOptions(brick, env, root, sc.display)
		inv.runLocal = func(ctx context.Context) (runtime.Result, error) {
			return brick.Brick.Run(ctx, args, opts)
		}
	} else {
		inv.runLocal = func(ctx context.Context) (runtime.Result, error) {
			return e.execute(ctx, env, brick, sc.display, runtime.HydrateArgs)
		}
	}

	res, err := e.dispatcher.Invoke(ctx, inv, kind, dests)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return runtime.Result{}, false, fail(err)
	}
	if res.IsHeadless() && !last {
		return runtime.Result{}, false, fail(domain.NewBusinessError(domain.ErrRendererNotTerminal, ""))
	}
	if brick.Capabilities.Renderer {
		sc.rendered = true
	}

	sc.vars.MergeModVariable(res.ModVariable)
	if step.OutputKey != "" && !res.IsHeadless() {
		if err := sc.vars.Bind(step.OutputKey, res.Value); err != nil {
			return runtime.Result{}, false, fail(domain.NewBusinessError(err, "bind output"))
		}
	}

	record.State = domain.StepBound
	record.Output = res.Value
	record.Duration = time.Since(start)
	e.trace.Record(ctx, record)

	outcome := "ok"
	if res.IsHeadless() {
		outcome = "headless"
		span.AddEvent("headless.handoff", trace.WithAttributes(attribute.String("brick.id", res.Headless.BrickID)))
	}
	span.SetAttributes(attribute.String("step.state", string(record.State)))
	telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
		PipelineID:   sc.pipelineID,
		ModID:        sc.meta.ModID,
		BrickID:      brick.ID,
		BrickVersion: brick.Version,
		Target:       string(kind),
		Outcome:      outcome,
		Duration:     record.Duration,
	})
	return res, false, nil
}

// fail wraps err with the step, emits the trace record, metrics and the optional alert.
func (e *Engine) fail(ctx context.Context, sc *scope, step domain.BrickStepConfig, record *domain.TraceRecord, start time.Time, err error) error {
	var nested *domain.StepError
	if !errors.As(err, &nested) {
		errKind := domain.Classify(err)
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			errKind = domain.KindAborted
		}
		err = &domain.StepError{
			Kind:       errKind,
			StepPath:   record.StepPath,
			BrickID:    step.BrickID,
			InstanceID: step.InstanceID,
			Err:        err,
		}
	}

	serialized := domain.SerializeError(err)
	record.Error = &serialized
	record.Duration = time.Since(start)
	e.trace.Record(ctx, *record)

	kind := domain.Classify(err)
	telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
		PipelineID: sc.pipelineID,
		ModID:      sc.meta.ModID,
		BrickID:    step.BrickID,
		Target:     string(step.Target.OrDefault()),
		Outcome:    string(kind),
		Duration:   record.Duration,
	})

	if step.OnError != nil && step.OnError.Alert && kind != domain.KindAborted {
		e.notifier.Alert(ctx, Alert{
			Meta:     sc.meta,
			BrickID:  step.BrickID,
			StepPath: record.StepPath,
			Label:    step.Label,
			Err:      err,
		})
	}
	return err
}

func (e *Engine) condition(ctx context.Context, sc *scope, step domain.BrickStepConfig) (bool, error) {
	value, err := e.eval.Render(ctx, step.If, sc.vars.Vars(), expr.RenderOptions{
		Engine:         stepEngine(sc, step),
		ImplicitRender: sc.implicitRender(),
	})
	if err != nil {
		return false, err
	}
	return expr.Truthy(value), nil
}

func (e *Engine) renderArgs(ctx context.Context, sc *scope, step domain.BrickStepConfig, path string, root runtime.Element) (map[string]any, error) {
	if len(step.Config) == 0 {
		return map[string]any{}, nil
	}
	engineName := stepEngine(sc, step)
	rendered, err := e.eval.Render(ctx, step.Config, sc.vars.Vars(), expr.RenderOptions{
		Engine:         engineName,
		ImplicitRender: sc.implicitRender(),
		CompilePipeline: func(x domain.Expression) (any, error) {
			lp := runtime.NewLazyPipeline(x.Steps, sc.vars.Snapshot(), root, sc.meta, e)
			lp.APIVersion = sc.apiVersion
			lp.Engine = engineName
			lp.StepPath = path
			lp.Display = sc.display
			lp.DestinationTimeout = sc.timeout
			return lp, nil
		},
	})
	if err != nil {
		var renderErr *expr.RenderError
		if errors.As(err, &renderErr) {
			return nil, domain.NewBusinessError(err, "render %s.config", path)
		}
		return nil, err
	}
	args, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("render %s.config: unexpected %T", path, rendered)
	}
	return args, nil
}

func stepEngine(sc *scope, step domain.BrickStepConfig) string {
	if step.TemplateEngine != "" {
		return step.TemplateEngine
	}
	return sc.engineName
}

// rootSpec renders the step root into the form forwarded to destinations.
func (e *Engine) rootSpec(ctx context.Context, sc *scope, step domain.BrickStepConfig) (transport.RootSpec, error) {
	mode := step.RootMode
	if mode == "" {
		mode = domain.RootInherit
		if step.Root != nil {
			mode = domain.RootElement
		}
	}
	spec := transport.RootSpec{Mode: mode}
	if mode != domain.RootElement {
		return spec, nil
	}

	ref := step.Root
	if x, ok := ref.(domain.Expression); ok {
		rendered, err := e.eval.Render(ctx, x, sc.vars.Vars(), expr.RenderOptions{Engine: stepEngine(sc, step)})
		if err != nil {
			return spec, domain.NewBusinessError(err, "render root")
		}
		ref = rendered
	}
	switch r := ref.(type) {
	case domain.ElementRef:
		spec.ElementID = r.ID
	case domain.Selector:
		spec.Selector = string(r)
	case string:
		spec.Selector = r
	case map[string]any:
		id, _ := r["elementId"].(string)
		spec.ElementID = id
	case runtime.Element:
		spec.ElementID = r.ElementID()
	}
	if spec.ElementID == "" && spec.Selector == "" {
		return spec, domain.NewBusinessError(domain.ErrRootNotFound, "root mode element requires a selector or element reference")
	}
	return spec, nil
}

// locateRoot resolves spec against doc. base is the inherited root.
func locateRoot(ctx context.Context, doc runtime.Document, base runtime.Element, spec transport.RootSpec) (runtime.Element, error) {
	if base == nil && doc != nil {
		base = doc.Root()
	}
	switch spec.Mode {
	case "", domain.RootInherit:
		return base, nil
	case domain.RootDocument:
		if doc == nil {
			return nil, domain.NewBusinessError(domain.ErrRootNotFound, "frame has no document")
		}
		return doc.Root(), nil
	case domain.RootElement:
		if doc == nil {
			return nil, domain.NewBusinessError(domain.ErrRootNotFound, "frame has no document")
		}
		if spec.ElementID != "" {
			return doc.Lookup(ctx, domain.ElementRef{ID: spec.ElementID})
		}
		matches, err := doc.Query(ctx, base, domain.Selector(spec.Selector))
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
			return nil, domain.NewBusinessError(domain.ErrRootNotFound, "selector %q", spec.Selector)
		case 1:
			return matches[0], nil
		}
		return nil, domain.NewBusinessError(domain.ErrRootAmbiguous, "selector %q matched %d elements", spec.Selector, len(matches))
	}
	return nil, domain.NewBusinessError(domain.ErrConfigInvalid, "unknown root mode %q", spec.Mode)
}

// brickOptions builds the options handed to a brick, granting capabilities it declares.
func (e *Engine) brickOptions(brick runtime.ResolvedBrick, env transport.Envelope, root runtime.Element, display runtime.DisplaySurface) runtime.Options {
	opts := runtime.Options{
		Meta:       env.Meta,
		StepPath:   env.StepPath,
		InstanceID: env.InstanceID,
		Target:     env.Target,
		Root:       root,
		Document:   e.document,
		Logger:     e.logger.With("brick_id", brick.ID, "step", env.StepPath),
	}
	if brick.Capabilities.Renderer {
		opts.Display = display
	}
	if brick.Capabilities.NeedsSharedState {
		opts.SharedState = e.shared
	}
	return opts
}

// Execute runs an envelope received from another frame against this engine's
// document: it resolves the brick and root, attaches lazy pipelines to this
// engine, validates args and invokes the brick.
func (e *Engine) Execute(ctx context.Context, env transport.Envelope) (runtime.Result, error) {
	brick, err := e.registry.Resolve(ctx, env.BrickID)
	if err != nil {
		return runtime.Result{}, err
	}
	return e.execute(ctx, env, brick, e.display, runtime.RehomeArgs)
}

func (e *Engine) execute(ctx context.Context, env transport.Envelope, brick runtime.ResolvedBrick, display runtime.DisplaySurface, hydrate func(any, runtime.Invoker) (any, error)) (runtime.Result, error) {
	hydrated, err := hydrate(env.Args, e)
	if err != nil {
		return runtime.Result{}, err
	}
	args, _ := hydrated.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	root, err := locateRoot(ctx, e.document, nil, env.Root)
	if err != nil {
		return runtime.Result{}, err
	}
	if err := ValidateArgs(brick.Schema, args, env.StepPath+".config"); err != nil {
		return runtime.Result{}, err
	}
	return brick.Brick.Run(ctx, args, e.brickOptions(brick, env, root, display))
}

// argAttributes exposes scalar args as span attributes.
func argAttributes(args map[string]any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(args))
	for key, value := range args {
		name := "brick.arg." + key
		switch v := value.(type) {
		case string:
			attrs = append(attrs, attribute.String(name, v))
		case bool:
			attrs = append(attrs, attribute.Bool(name, v))
		case float64:
			attrs = append(attrs, attribute.Float64(name, v))
		case int:
			attrs = append(attrs, attribute.Int(name, v))
		}
	}
	return attrs
}

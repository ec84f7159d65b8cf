// Package expr renders step configuration trees against a run context. It resolves
// variable references without stringification, renders templates through pluggable
// engines and evaluates boolean conditions.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/polisai/brickflow/pkg/domain"
)

// ErrUnknownEngine indicates a template references an engine that is not registered.
var ErrUnknownEngine = errors.New("unknown template engine")

// Options control evaluator behaviour.
type Options struct {
	// Timeout bounds a single Render call. Zero means no bound.
	Timeout time.Duration
	// DefaultEngine is used when neither the expression nor the step names one.
	DefaultEngine string
}

// RenderOptions are the per-step rendering settings.
type RenderOptions struct {
	// Engine is the step template engine.
	Engine string
	// ImplicitRender treats plain strings containing "{{" as templates.
	ImplicitRender bool
	// CompilePipeline turns a pipeline expression into a value. When nil the
	// expression is returned unchanged.
	CompilePipeline func(expr domain.Expression) (any, error)
}

// Evaluator renders config trees. It is safe for concurrent use.
type Evaluator struct {
	timeout       time.Duration
	defaultEngine string

	mu      sync.RWMutex
	engines map[string]TemplateEngine
}

// NewEvaluator constructs an Evaluator with the mustache, hcl, go and expr engines registered.
func NewEvaluator(opts Options) *Evaluator {
	def := opts.DefaultEngine
	if def == "" {
		def = EngineMustache
	}
	e := &Evaluator{
		timeout:       opts.Timeout,
		defaultEngine: def,
		engines:       make(map[string]TemplateEngine),
	}
	e.RegisterEngine(EngineMustache, mustacheEngine{})
	e.RegisterEngine(EngineHCL, &hclEngine{})
	e.RegisterEngine(EngineGo, &goTemplateEngine{})
	e.RegisterEngine(EngineCondition, conditionEngine{})
	return e
}

// RegisterEngine adds or replaces a template engine.
func (e *Evaluator) RegisterEngine(name string, engine TemplateEngine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.engines[strings.ToLower(name)] = engine
}

func (e *Evaluator) engine(name string) (TemplateEngine, error) {
	if name == "" {
		name = e.defaultEngine
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	engine, ok := e.engines[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}
	return engine, nil
}

// Render walks node and returns a rendered copy. Var leaves resolve to the
// referenced value as-is; template leaves always become strings; pipeline leaves
// go through opts.CompilePipeline. The input tree is never modified.
func (e *Evaluator) Render(ctx context.Context, node any, vars map[string]any, opts RenderOptions) (any, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.render(ctx, node, vars, opts, "")
}

func (e *Evaluator) render(ctx context.Context, node any, vars map[string]any, opts RenderOptions, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch v := node.(type) {
	case domain.Expression:
		out, err := e.renderExpression(ctx, v, vars, opts)
		if err != nil {
			return nil, &RenderError{Path: path, Err: err}
		}
		return out, nil
	case *domain.Expression:
		if v == nil {
			return nil, nil
		}
		return e.render(ctx, *v, vars, opts, path)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			rendered, err := e.render(ctx, child, vars, opts, joinPath(path, key))
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			rendered, err := e.render(ctx, child, vars, opts, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		if opts.ImplicitRender && strings.Contains(v, "{{") {
			out, err := e.RenderTemplate(ctx, v, "", vars, opts)
			if err != nil {
				return nil, &RenderError{Path: path, Err: err}
			}
			return out, nil
		}
		return v, nil
	}
	return node, nil
}

func (e *Evaluator) renderExpression(ctx context.Context, x domain.Expression, vars map[string]any, opts RenderOptions) (any, error) {
	switch x.Kind {
	case domain.ExprVar:
		if _, err := splitReference(x.Value); err != nil {
			return nil, err
		}
		value, _ := Lookup(vars, x.Value)
		return value, nil
	case domain.ExprTemplate:
		return e.RenderTemplate(ctx, x.Value, x.Engine, vars, opts)
	case domain.ExprPipeline:
		if opts.CompilePipeline == nil {
			return x, nil
		}
		return opts.CompilePipeline(x)
	}
	return nil, fmt.Errorf("%w: unknown expression kind %q", ErrSyntax, x.Kind)
}

// RenderTemplate renders src with the named engine, falling back to the step
// engine and then the evaluator default.
func (e *Evaluator) RenderTemplate(ctx context.Context, src, engineName string, vars map[string]any, opts RenderOptions) (string, error) {
	if engineName == "" {
		engineName = opts.Engine
	}
	engine, err := e.engine(engineName)
	if err != nil {
		return "", err
	}
	return engine.Render(ctx, src, vars)
}

// RenderError records the config path of a failed leaf.
type RenderError struct {
	Path string
	Err  error
}

func (e *RenderError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("render %s: %v", e.Path, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

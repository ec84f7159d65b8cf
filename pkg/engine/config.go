package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// WildcardPipeline is the fallback key used when no pipeline matches a component.
const WildcardPipeline = "*"

// PipelineRegistry maintains the active set of compiled pipelines keyed by
// component id. Updates replace the whole set atomically; runs already holding a
// pipeline keep executing it.
//
//nolint:revive // Name PipelineRegistry is intentional for clarity
type PipelineRegistry struct {
	mu         sync.RWMutex
	pipelines  map[string]*domain.Pipeline
	generation int64
	bricks     runtime.Registry
	logger     *slog.Logger
}

// NewPipelineRegistry creates a registry. When bricks is set, updates are
// rejected if a step references an unknown brick.
func NewPipelineRegistry(bricks runtime.Registry, logger *slog.Logger) *PipelineRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineRegistry{
		pipelines: make(map[string]*domain.Pipeline),
		bricks:    bricks,
		logger:    logger,
	}
}

// SelectPipeline returns the pipeline of componentID, falling back to the wildcard.
func (pr *PipelineRegistry) SelectPipeline(componentID string) (*domain.Pipeline, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	if componentID == "" {
		return nil, fmt.Errorf("component id is required")
	}
	for _, key := range []string{componentID, WildcardPipeline} {
		if p, ok := pr.pipelines[key]; ok {
			return p, nil
		}
	}
	return nil, domain.NewBusinessError(domain.ErrPipelineNotFound, "component %q", componentID)
}

// UpdatePipelines validates and atomically installs pipelines.
func (pr *PipelineRegistry) UpdatePipelines(ctx context.Context, pipelines []domain.Pipeline) error {
	next := make(map[string]*domain.Pipeline, len(pipelines))
	for i := range pipelines {
		p := pipelines[i]
		if err := ValidatePipeline(ctx, &p, pr.bricks); err != nil {
			return fmt.Errorf("pipeline[%d]: %w", i, err)
		}
		if existing, ok := next[p.ID]; ok {
			return fmt.Errorf("pipeline[%d]: duplicate pipeline id %q (version %d)", i, p.ID, existing.Version)
		}
		next[p.ID] = &p
	}

	pr.mu.Lock()
	pr.pipelines = next
	pr.generation++
	generation := pr.generation
	pr.mu.Unlock()

	pr.logger.Info("pipeline registry updated",
		slog.Int64("generation", generation),
		slog.Int("pipeline_count", len(next)))
	return nil
}

// Generation counts successful updates.
func (pr *PipelineRegistry) Generation() int64 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.generation
}

// ListPipelines returns copies of all registered pipelines sorted by id.
func (pr *PipelineRegistry) ListPipelines() []domain.Pipeline {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]domain.Pipeline, 0, len(pr.pipelines))
	for _, p := range pr.pipelines {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetPipeline returns a pipeline by exact id.
func (pr *PipelineRegistry) GetPipeline(pipelineID string) (*domain.Pipeline, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	p, ok := pr.pipelines[pipelineID]
	return p, ok
}

// ValidatePipeline checks the static shape of a compiled pipeline: step ids and
// targets, output keys, root modes, template engines and nested pipelines. When
// bricks is non-nil every brick must resolve.
func ValidatePipeline(ctx context.Context, p *domain.Pipeline, bricks runtime.Registry) error {
	var issues []string
	if p.ID == "" {
		issues = append(issues, "id is required")
	}
	if len(p.Steps) == 0 {
		issues = append(issues, "at least one step is required")
	}
	issues = append(issues, validateSteps(ctx, p.Steps, "steps", bricks)...)
	if len(issues) == 0 {
		return nil
	}
	return &domain.DomainError{
		Err:     domain.ErrConfigInvalid,
		Code:    "INVALID_PIPELINE",
		Message: fmt.Sprintf("invalid pipeline %q: %s", p.ID, issues[0]),
		Details: map[string]any{"issues": issues},
	}
}

func validateSteps(ctx context.Context, steps []domain.BrickStepConfig, path string, bricks runtime.Registry) []string {
	var issues []string
	outputs := make(map[string]string)
	v := Validator()

	for i, step := range steps {
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		if err := v.Var(step.BrickID, "required,brick_id"); err != nil {
			issues = append(issues, fmt.Sprintf("%s: invalid brick id %q", stepPath, step.BrickID))
		}
		if step.OutputKey != "" {
			switch {
			case v.Var(step.OutputKey, "output_key") != nil:
				issues = append(issues, fmt.Sprintf("%s: invalid output key %q", stepPath, step.OutputKey))
			case IsReservedKey(step.OutputKey):
				issues = append(issues, fmt.Sprintf("%s: output key %q is reserved", stepPath, step.OutputKey))
			case outputs[step.OutputKey] != "":
				issues = append(issues, fmt.Sprintf("%s: output key %q already bound by %s", stepPath, step.OutputKey, outputs[step.OutputKey]))
			default:
				outputs[step.OutputKey] = stepPath
			}
		}
		if !step.Target.OrDefault().Valid() {
			issues = append(issues, fmt.Sprintf("%s: unknown target %q", stepPath, step.Target))
		}
		if !step.RootMode.Valid() {
			issues = append(issues, fmt.Sprintf("%s: unknown root mode %q", stepPath, step.RootMode))
		}
		if step.RootMode == domain.RootElement && step.Root == nil {
			issues = append(issues, fmt.Sprintf("%s: root mode element requires root", stepPath))
		}
		if step.TemplateEngine != "" {
			if _, _, ok := domain.ParseExpressionType(step.TemplateEngine); !ok {
				issues = append(issues, fmt.Sprintf("%s: unknown template engine %q", stepPath, step.TemplateEngine))
			}
		}

		if bricks != nil {
			_, err := bricks.Resolve(ctx, step.BrickID)
			switch {
			case errors.Is(err, domain.ErrBrickNotFound):
				issues = append(issues, fmt.Sprintf("%s: unknown brick %q", stepPath, step.BrickID))
			case err != nil:
				issues = append(issues, fmt.Sprintf("%s: %v", stepPath, err))
			}
		}

		walkPipelines(step.Config, func(key string, nested domain.Expression) {
			issues = append(issues, validateSteps(ctx, nested.Steps, stepPath+".config."+key, bricks)...)
		})
	}
	return issues
}

// walkPipelines calls fn for every pipeline expression in a config tree.
func walkPipelines(node any, fn func(path string, x domain.Expression)) {
	var walk func(node any, path string)
	walk = func(node any, path string) {
		switch v := node.(type) {
		case domain.Expression:
			if v.Kind == domain.ExprPipeline {
				fn(path, v)
			}
		case map[string]any:
			for key, child := range v {
				walk(child, joinConfigPath(path, key))
			}
		case []any:
			for i, child := range v {
				walk(child, fmt.Sprintf("%s[%d]", path, i))
			}
		}
	}
	walk(node, "")
}

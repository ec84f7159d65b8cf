package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoPipeline(id string, version int) domain.Pipeline {
	return domain.Pipeline{ID: id, Version: version, Steps: []domain.BrickStepConfig{
		{BrickID: "core/echo", Config: map[string]any{"message": id}},
	}}
}

func TestPipelineRegistrySelectPipeline(t *testing.T) {
	registry := NewPipelineRegistry(newTestRegistry("local", nil), quietLogger())
	require.NoError(t, registry.UpdatePipelines(context.Background(), []domain.Pipeline{
		echoPipeline("greet", 1),
		echoPipeline(WildcardPipeline, 1),
	}))

	p, err := registry.SelectPipeline("greet")
	require.NoError(t, err)
	assert.Equal(t, "greet", p.ID)

	p, err = registry.SelectPipeline("unknown")
	require.NoError(t, err)
	assert.Equal(t, WildcardPipeline, p.ID)

	_, err = registry.SelectPipeline("")
	require.Error(t, err)
}

func TestPipelineRegistryNotFound(t *testing.T) {
	registry := NewPipelineRegistry(nil, quietLogger())
	require.NoError(t, registry.UpdatePipelines(context.Background(), []domain.Pipeline{echoPipeline("greet", 1)}))

	_, err := registry.SelectPipeline("other")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPipelineNotFound))
	assert.Equal(t, domain.KindBusiness, domain.Classify(err))
}

func TestPipelineRegistryFailedUpdateKeepsPreviousSet(t *testing.T) {
	registry := NewPipelineRegistry(newTestRegistry("local", nil), quietLogger())
	ctx := context.Background()
	require.NoError(t, registry.UpdatePipelines(ctx, []domain.Pipeline{echoPipeline("greet", 1)}))
	assert.Equal(t, int64(1), registry.Generation())

	err := registry.UpdatePipelines(ctx, []domain.Pipeline{echoPipeline("greet", 2), echoPipeline("greet", 3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate pipeline id")

	err = registry.UpdatePipelines(ctx, []domain.Pipeline{{ID: "bad", Steps: []domain.BrickStepConfig{{BrickID: "acme/missing"}}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfigInvalid))

	assert.Equal(t, int64(1), registry.Generation())
	p, ok := registry.GetPipeline("greet")
	require.True(t, ok)
	assert.Equal(t, 1, p.Version)
}

func TestPipelineRegistryListPipelinesSorted(t *testing.T) {
	registry := NewPipelineRegistry(nil, quietLogger())
	require.NoError(t, registry.UpdatePipelines(context.Background(), []domain.Pipeline{
		echoPipeline("zeta", 1), echoPipeline("alpha", 1), echoPipeline("mid", 1),
	}))

	var ids []string
	for _, p := range registry.ListPipelines() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestValidatePipeline(t *testing.T) {
	bricks := newTestRegistry("local", nil)
	tests := []struct {
		name  string
		steps []domain.BrickStepConfig
		issue string
	}{
		{name: "empty", steps: nil, issue: "at least one step"},
		{name: "bad brick id", steps: []domain.BrickStepConfig{{BrickID: "Not Valid"}}, issue: "invalid brick id"},
		{name: "unknown brick", steps: []domain.BrickStepConfig{{BrickID: "acme/missing"}}, issue: "unknown brick"},
		{name: "reserved output", steps: []domain.BrickStepConfig{{BrickID: "core/echo", OutputKey: "input"}}, issue: "reserved"},
		{name: "bad output key", steps: []domain.BrickStepConfig{{BrickID: "core/echo", OutputKey: "has space"}}, issue: "invalid output key"},
		{name: "duplicate output", steps: []domain.BrickStepConfig{
			{BrickID: "core/echo", OutputKey: "x"},
			{BrickID: "core/echo", OutputKey: "x"},
		}, issue: "already bound by steps[0]"},
		{name: "unknown target", steps: []domain.BrickStepConfig{{BrickID: "core/echo", Target: "sideways"}}, issue: "unknown target"},
		{name: "unknown root mode", steps: []domain.BrickStepConfig{{BrickID: "core/echo", RootMode: "upward"}}, issue: "unknown root mode"},
		{name: "element root missing", steps: []domain.BrickStepConfig{{BrickID: "core/root", RootMode: domain.RootElement}}, issue: "requires root"},
		{name: "unknown template engine", steps: []domain.BrickStepConfig{{BrickID: "core/echo", TemplateEngine: "jinja"}}, issue: "unknown template engine"},
		{name: "nested unknown brick", steps: []domain.BrickStepConfig{{BrickID: "core/run", Config: map[string]any{
			"pipeline": domain.SubPipeline(domain.BrickStepConfig{BrickID: "acme/missing"}),
		}}}, issue: "steps[0].config.pipeline[0]: unknown brick"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePipeline(context.Background(), &domain.Pipeline{ID: "p", Steps: tt.steps}, bricks)
			require.Error(t, err)
			var derr *domain.DomainError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, "INVALID_PIPELINE", derr.Code)
			issues, _ := derr.Details["issues"].([]string)
			require.NotEmpty(t, issues)
			assert.Contains(t, issues[0], tt.issue)
		})
	}
}

func TestValidatePipelineScopesOutputKeysPerPipeline(t *testing.T) {
	p := &domain.Pipeline{ID: "p", Steps: []domain.BrickStepConfig{
		{BrickID: "core/echo", OutputKey: "item", Config: map[string]any{"message": "x"}},
		{BrickID: "core/run", Config: map[string]any{
			"pipeline": domain.SubPipeline(domain.BrickStepConfig{BrickID: "core/echo", OutputKey: "item"}),
		}},
	}}
	assert.NoError(t, ValidatePipeline(context.Background(), p, newTestRegistry("local", nil)))
}

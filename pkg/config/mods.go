package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine"
	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// instanceNamespace seeds deterministic step instance ids.
var instanceNamespace = uuid.MustParse("5b0c54c9-7a1e-4c36-9f0e-6f3b2f1d8a10")

// ModFile is the on-disk form of a mod: a set of components, each with one pipeline.
type ModFile struct {
	ID         string          `yaml:"id" json:"id" validate:"required"`
	APIVersion string          `yaml:"apiVersion" json:"apiVersion" validate:"omitempty,oneof=v1 v2 v3"`
	Components []ComponentSpec `yaml:"components" json:"components" validate:"required,min=1,dive"`
}

// ComponentSpec is one component of a mod file. Steps are kept as raw trees
// until compiled so tagged expressions decode through the domain types.
type ComponentSpec struct {
	ID             string `yaml:"id" json:"id" validate:"required"`
	Version        int    `yaml:"version" json:"version" validate:"gte=0"`
	TemplateEngine string `yaml:"templateEngine" json:"templateEngine"`
	Steps          []any  `yaml:"steps" json:"steps" validate:"required,min=1"`
}

// ParseMod decodes a YAML or JSON mod file.
func ParseMod(data []byte) (*ModFile, error) {
	var mod ModFile
	if err := decode(data, &mod); err != nil {
		return nil, fmt.Errorf("parse mod: %w", err)
	}
	return &mod, nil
}

// Compile validates mod and converts its components into pipelines. When bricks
// is non-nil every referenced brick must be registered.
func Compile(ctx context.Context, mod *ModFile, bricks runtime.Registry) ([]domain.Pipeline, error) {
	if err := engine.Validator().Struct(mod); err != nil {
		return nil, describeValidation(err)
	}

	pipelines := make([]domain.Pipeline, 0, len(mod.Components))
	seen := make(map[string]bool, len(mod.Components))
	for _, comp := range mod.Components {
		if seen[comp.ID] {
			return nil, fmt.Errorf("%w: mod %s: duplicate component %q", domain.ErrConfigInvalid, mod.ID, comp.ID)
		}
		seen[comp.ID] = true

		steps, err := decodeSteps(comp.Steps)
		if err != nil {
			return nil, fmt.Errorf("%w: mod %s component %s: %v", domain.ErrConfigInvalid, mod.ID, comp.ID, err)
		}
		if comp.TemplateEngine != "" {
			for i := range steps {
				if steps[i].TemplateEngine == "" {
					steps[i].TemplateEngine = comp.TemplateEngine
				}
			}
		}
		assignInstanceIDs(steps, mod.ID+"/"+comp.ID+"/steps")

		p := domain.Pipeline{ID: comp.ID, Version: comp.Version, APIVersion: mod.APIVersion, Steps: steps}
		if err := engine.ValidatePipeline(ctx, &p, bricks); err != nil {
			return nil, fmt.Errorf("mod %s: %w", mod.ID, err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

// decodeSteps converts raw YAML trees into step configs through JSON, which
// routes tagged expression maps through their decoders.
func decodeSteps(raw []any) ([]domain.BrickStepConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	var steps []domain.BrickStepConfig
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}

// assignInstanceIDs gives every step without an instance id a stable one
// derived from its position, including steps of nested pipelines.
func assignInstanceIDs(steps []domain.BrickStepConfig, path string) {
	for i := range steps {
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		if steps[i].InstanceID == "" {
			steps[i].InstanceID = uuid.NewSHA1(instanceNamespace, []byte(stepPath)).String()
		}
		if steps[i].Config != nil {
			steps[i].Config = assignNested(steps[i].Config, stepPath+".config").(map[string]any)
		}
	}
}

func assignNested(node any, path string) any {
	switch v := node.(type) {
	case domain.Expression:
		if v.Kind == domain.ExprPipeline {
			v.Steps = append([]domain.BrickStepConfig(nil), v.Steps...)
			assignInstanceIDs(v.Steps, path+".steps")
		}
		return v
	case map[string]any:
		for key, child := range v {
			v[key] = assignNested(child, path+"."+key)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = assignNested(child, fmt.Sprintf("%s[%d]", path, i))
		}
		return v
	}
	return node
}

// LoadPipelines compiles a single mod file or every .yaml, .yml and .json file
// of a directory, in name order.
func LoadPipelines(ctx context.Context, path string, bricks runtime.Registry) ([]domain.Pipeline, error) {
	files, err := modFiles(path)
	if err != nil {
		return nil, err
	}
	var all []domain.Pipeline
	for _, file := range files {
		//nolint:gosec // Mod paths are configured by the operator
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read mod %s: %w", file, err)
		}
		mod, err := ParseMod(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		pipelines, err := Compile(ctx, mod, bricks)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		all = append(all, pipelines...)
	}
	return all, nil
}

func modFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", path, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

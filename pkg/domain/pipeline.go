package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TargetKind names the frame(s) a step executes against.
type TargetKind string

const (
	TargetSelf      TargetKind = "self"
	TargetOpener    TargetKind = "opener"
	TargetTarget    TargetKind = "target"
	TargetTop       TargetKind = "top"
	TargetBroadcast TargetKind = "broadcast"
	TargetAllFrames TargetKind = "all_frames"
	TargetRemote    TargetKind = "remote"
)

// Valid reports whether the kind is one of the known target kinds.
func (k TargetKind) Valid() bool {
	switch k {
	case TargetSelf, TargetOpener, TargetTarget, TargetTop, TargetBroadcast, TargetAllFrames, TargetRemote:
		return true
	}
	return false
}

// IsFanOut reports whether the kind invokes every matching destination.
func (k TargetKind) IsFanOut() bool {
	return k == TargetBroadcast || k == TargetAllFrames
}

// OrDefault returns self for an empty kind.
func (k TargetKind) OrDefault() TargetKind {
	if k == "" {
		return TargetSelf
	}
	return k
}

// RootMode controls which element a step operates relative to.
type RootMode string

const (
	RootInherit  RootMode = "inherit"
	RootDocument RootMode = "document"
	RootElement  RootMode = "element"
)

// Valid reports whether the mode is known. Empty means inherit.
func (m RootMode) Valid() bool {
	switch m {
	case "", RootInherit, RootDocument, RootElement:
		return true
	}
	return false
}

// ExpressionKind tags an Expression leaf.
type ExpressionKind string

const (
	ExprVar      ExpressionKind = "var"
	ExprTemplate ExpressionKind = "template"
	ExprPipeline ExpressionKind = "pipeline"
)

// TypeKey and ValueKey are the object keys of the serialized expression form.
const (
	TypeKey  = "__type__"
	ValueKey = "__value__"
)

// Expression is a tagged leaf inside a step config tree.
//
// Var expressions carry a context reference such as "@input.user.name" and resolve
// to the referenced value without stringification. Template expressions always render
// to a string; Engine pins the template engine, otherwise the step engine is used.
// Pipeline expressions carry compiled sub-steps in Steps.
type Expression struct {
	Kind   ExpressionKind
	Value  string
	Engine string
	Steps  []BrickStepConfig
}

// Var builds a variable reference expression.
func Var(ref string) Expression { return Expression{Kind: ExprVar, Value: ref} }

// Template builds a template expression rendered with the step engine.
func Template(src string) Expression { return Expression{Kind: ExprTemplate, Value: src} }

// SubPipeline builds a pipeline expression.
func SubPipeline(steps ...BrickStepConfig) Expression {
	return Expression{Kind: ExprPipeline, Steps: steps}
}

// MarshalJSON emits the {"__type__": kind, "__value__": value} form.
func (e Expression) MarshalJSON() ([]byte, error) {
	typ := string(e.Kind)
	if e.Kind == ExprTemplate && e.Engine != "" {
		typ = e.Engine
	}
	var value any = e.Value
	if e.Kind == ExprPipeline {
		value = e.Steps
	}
	return json.Marshal(map[string]any{TypeKey: typ, ValueKey: value})
}

// UnmarshalJSON accepts the tagged form.
func (e *Expression) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var typ string
	if err := json.Unmarshal(raw[TypeKey], &typ); err != nil {
		return fmt.Errorf("expression %s: %w", TypeKey, err)
	}
	kind, engine, ok := ParseExpressionType(typ)
	if !ok {
		return fmt.Errorf("%w: unknown expression type %q", ErrConfigInvalid, typ)
	}
	out := Expression{Kind: kind, Engine: engine}
	if kind == ExprPipeline {
		if err := json.Unmarshal(raw[ValueKey], &out.Steps); err != nil {
			return fmt.Errorf("pipeline expression: %w", err)
		}
	} else if err := json.Unmarshal(raw[ValueKey], &out.Value); err != nil {
		return fmt.Errorf("%s expression: %w", typ, err)
	}
	*e = out
	return nil
}

// templateEngineNames are serialized expression types that denote a template pinned to an engine.
var templateEngineNames = map[string]bool{"mustache": true, "hcl": true, "go": true, "expr": true}

// ParseExpressionType maps a serialized __type__ to an expression kind and optional engine.
func ParseExpressionType(typ string) (ExpressionKind, string, bool) {
	switch ExpressionKind(typ) {
	case ExprVar, ExprTemplate, ExprPipeline:
		return ExpressionKind(typ), "", true
	}
	if templateEngineNames[typ] {
		return ExprTemplate, typ, true
	}
	return "", "", false
}

// DecodeTree converts generic JSON/YAML values into a config tree, replacing
// tagged {"__type__", "__value__"} maps with Expression leaves.
func DecodeTree(node any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		if typ, ok := v[TypeKey].(string); ok {
			if _, hasValue := v[ValueKey]; hasValue {
				return decodeExpression(typ, v[ValueKey])
			}
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			decoded, err := DecodeTree(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			decoded, err := DecodeTree(child)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return node, nil
	}
}

func decodeExpression(typ string, value any) (Expression, error) {
	kind, engine, ok := ParseExpressionType(typ)
	if !ok {
		return Expression{}, fmt.Errorf("%w: unknown expression type %q", ErrConfigInvalid, typ)
	}
	if kind == ExprPipeline {
		data, err := json.Marshal(value)
		if err != nil {
			return Expression{}, fmt.Errorf("pipeline expression: %w", err)
		}
		var steps []BrickStepConfig
		if err := json.Unmarshal(data, &steps); err != nil {
			return Expression{}, fmt.Errorf("pipeline expression: %w", err)
		}
		return Expression{Kind: ExprPipeline, Steps: steps}, nil
	}
	s, ok := value.(string)
	if !ok {
		return Expression{}, fmt.Errorf("%w: %s expression value must be a string", ErrConfigInvalid, typ)
	}
	return Expression{Kind: kind, Value: s, Engine: engine}, nil
}

// OnErrorConfig holds the step error side-channel settings.
type OnErrorConfig struct {
	Alert bool `json:"alert,omitempty" yaml:"alert,omitempty"`
}

// BrickStepConfig is one compiled pipeline step. It is immutable once compiled.
type BrickStepConfig struct {
	BrickID        string         `json:"id" yaml:"id"`
	Config         map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Label          string         `json:"label,omitempty" yaml:"label,omitempty"`
	OutputKey      string         `json:"outputKey,omitempty" yaml:"outputKey,omitempty"`
	If             any            `json:"if,omitempty" yaml:"if,omitempty"`
	Target         TargetKind     `json:"target,omitempty" yaml:"target,omitempty"`
	RootMode       RootMode       `json:"rootMode,omitempty" yaml:"rootMode,omitempty"`
	Root           any            `json:"root,omitempty" yaml:"root,omitempty"`
	TemplateEngine string         `json:"templateEngine,omitempty" yaml:"templateEngine,omitempty"`
	OnError        *OnErrorConfig `json:"onError,omitempty" yaml:"onError,omitempty"`
	InstanceID     string         `json:"instanceId,omitempty" yaml:"instanceId,omitempty"`
}

// UnmarshalJSON decodes the step and converts tagged expression maps in Config, If and Root.
func (s *BrickStepConfig) UnmarshalJSON(data []byte) error {
	type plain BrickStepConfig
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	step := BrickStepConfig(raw)
	if step.Config != nil {
		decoded, err := DecodeTree(map[string]any(step.Config))
		if err != nil {
			return fmt.Errorf("step %q config: %w", step.BrickID, err)
		}
		step.Config = decoded.(map[string]any)
	}
	var err error
	if step.If, err = DecodeTree(step.If); err != nil {
		return fmt.Errorf("step %q if: %w", step.BrickID, err)
	}
	if step.Root, err = decodeRoot(step.Root); err != nil {
		return fmt.Errorf("step %q root: %w", step.BrickID, err)
	}
	*s = step
	return nil
}

func decodeRoot(node any) (any, error) {
	switch v := node.(type) {
	case string:
		return Selector(v), nil
	case map[string]any:
		if id, ok := v["elementId"].(string); ok {
			return ElementRef{ID: id}, nil
		}
	}
	return DecodeTree(node)
}

// Name returns the label or brick id for logs.
func (s BrickStepConfig) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return s.BrickID
}

// Pipeline is an ordered sequence of steps compiled once and reused across runs.
type Pipeline struct {
	ID         string            `json:"id" yaml:"id"`
	Version    int               `json:"version,omitempty" yaml:"version,omitempty"`
	APIVersion string            `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
	Steps      []BrickStepConfig `json:"steps" yaml:"steps"`
}

// ImplicitRender reports whether plain strings are treated as templates.
// Only the legacy v1 configuration format renders implicitly.
func (p *Pipeline) ImplicitRender() bool {
	return p != nil && strings.EqualFold(p.APIVersion, "v1")
}

// InitialContext is supplied by the activation layer for each run.
type InitialContext struct {
	Input          map[string]any `json:"input,omitempty"`
	OptionsArgs    map[string]any `json:"optionsArgs,omitempty"`
	ServiceContext map[string]any `json:"serviceContext,omitempty"`
}

// RunMetadata carries correlation identifiers. The engine never branches on it.
type RunMetadata struct {
	ModID       string `json:"modId,omitempty"`
	ComponentID string `json:"componentId,omitempty"`
	RunID       string `json:"runId,omitempty"`
	ParentRunID string `json:"parentRunId,omitempty"`
}

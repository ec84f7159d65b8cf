package engine

import (
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/polisai/brickflow/pkg/engine/runtime"
)

// BrickDescription is the public contract of a registered brick.
type BrickDescription struct {
	ID           string               `json:"id"`
	Version      string               `json:"version"`
	Capabilities runtime.Capabilities `json:"capabilities"`
	Input        *jsonschema.Schema   `json:"input"`
}

// Describe lists every canonical brick with its input schema rendered as JSON
// Schema, sorted by id.
func (r *BrickRegistry) Describe() []BrickDescription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BrickDescription, 0, len(r.bricks))
	for _, brick := range r.bricks {
		out = append(out, BrickDescription{
			ID:           brick.ID,
			Version:      brick.Version,
			Capabilities: brick.Capabilities,
			Input:        InputJSONSchema(brick.Schema),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// InputJSONSchema converts a brick input schema. Validator rules are kept
// verbatim under "x-rules".
func InputJSONSchema(schema runtime.InputSchema) *jsonschema.Schema {
	out := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}
	if !schema.AdditionalProperties {
		out.AdditionalProperties = jsonschema.FalseSchema
	}

	names := make([]string, 0, len(schema.Fields))
	for name := range schema.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := schema.Fields[name]
		prop := &jsonschema.Schema{}
		switch field.Type {
		case runtime.TypeAny:
		case runtime.TypePipeline:
			prop.Type = "array"
			prop.Description = "nested pipeline"
		default:
			prop.Type = string(field.Type)
		}
		if rules := strings.TrimSpace(field.Rules); rules != "" {
			prop.Extras = map[string]any{"x-rules": rules}
			if hasRule(rules, "url") {
				prop.Format = "uri"
			}
		}
		out.Properties.Set(name, prop)
		if field.Required {
			out.Required = append(out.Required, name)
		}
	}
	return out
}

func hasRule(rules, name string) bool {
	for _, rule := range strings.Split(rules, ",") {
		if strings.TrimSpace(rule) == name {
			return true
		}
	}
	return false
}

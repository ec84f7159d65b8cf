package expr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Engine names understood by the default evaluator.
const (
	EngineMustache  = "mustache"
	EngineHCL       = "hcl"
	EngineGo        = "go"
	EngineCondition = "expr"
)

// TemplateEngine renders a template source against the context variables.
// Variables are keyed with their "@" prefix, for example "@input".
type TemplateEngine interface {
	Render(ctx context.Context, src string, vars map[string]any) (string, error)
}

// mustacheEngine interpolates {{ @path }} tags. A source that is exactly one
// bare @path reference renders that value.
type mustacheEngine struct{}

func (mustacheEngine) Render(_ context.Context, src string, vars map[string]any) (string, error) {
	if IsReference(src) {
		value, _ := Lookup(vars, src)
		return Stringify(value), nil
	}
	var out strings.Builder
	rest := src
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		open, closing := "{{", "}}"
		if strings.HasPrefix(rest[start:], "{{{") {
			open, closing = "{{{", "}}}"
		}
		end := strings.Index(rest[start+len(open):], closing)
		if end < 0 {
			return "", fmt.Errorf("%w: unclosed %s in template", ErrSyntax, open)
		}
		tag := strings.TrimSpace(rest[start+len(open) : start+len(open)+end])
		value, err := mustacheTag(tag, vars)
		if err != nil {
			return "", err
		}
		out.WriteString(value)
		rest = rest[start+len(open)+end+len(closing):]
	}
}

func mustacheTag(tag string, vars map[string]any) (string, error) {
	if tag == "" {
		return "", nil
	}
	if q := tag[0]; (q == '"' || q == '\'') && len(tag) >= 2 && tag[len(tag)-1] == q {
		return tag[1 : len(tag)-1], nil
	}
	if _, err := splitReference(tag); err != nil {
		return "", err
	}
	value, _ := Lookup(vars, tag)
	return Stringify(value), nil
}

// hclEngine renders HCL native templates, e.g. "Hello ${input.name}".
// Context keys are exposed without their "@" prefix.
type hclEngine struct {
	cache sync.Map
}

func (e *hclEngine) Render(_ context.Context, src string, vars map[string]any) (string, error) {
	var parsed hclsyntax.Expression
	if cached, ok := e.cache.Load(src); ok {
		parsed = cached.(hclsyntax.Expression)
	} else {
		expr, diags := hclsyntax.ParseTemplate([]byte(src), "template", hcl.Pos{Line: 1, Column: 1, Byte: 0})
		if diags.HasErrors() {
			return "", fmt.Errorf("%w: %s", ErrSyntax, diags.Error())
		}
		e.cache.Store(src, expr)
		parsed = expr
	}

	variables := make(map[string]cty.Value, len(vars))
	for key, value := range vars {
		converted, err := toCtyValue(value)
		if err != nil {
			return "", fmt.Errorf("hcl variable %s: %w", key, err)
		}
		variables[strings.TrimPrefix(key, "@")] = converted
	}
	value, diags := parsed.Value(&hcl.EvalContext{Variables: variables})
	if diags.HasErrors() {
		return "", fmt.Errorf("hcl template: %s", diags.Error())
	}
	return ctyToString(value)
}

func toCtyValue(data any) (cty.Value, error) {
	switch v := data.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case float64:
		return cty.NumberFloatVal(v), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case int64:
		return cty.NumberIntVal(v), nil
	case map[string]any:
		attrs := make(map[string]cty.Value, len(v))
		for key, child := range v {
			converted, err := toCtyValue(child)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[key] = converted
		}
		return cty.ObjectVal(attrs), nil
	case []any:
		elems := make([]cty.Value, 0, len(v))
		for _, child := range v {
			converted, err := toCtyValue(child)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, converted)
		}
		return cty.TupleVal(elems), nil
	}
	// Anything else goes through its JSON form.
	raw, err := json.Marshal(data)
	if err != nil {
		return cty.NilVal, fmt.Errorf("unsupported type %T: %w", data, err)
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(raw, ty)
}

func ctyToString(value cty.Value) (string, error) {
	if value.IsNull() || !value.IsKnown() {
		return "", nil
	}
	if value.Type().IsPrimitiveType() {
		str, err := convert.Convert(value, cty.String)
		if err != nil {
			return "", err
		}
		return str.AsString(), nil
	}
	data, err := ctyjson.Marshal(value, value.Type())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// goTemplateEngine renders text/template sources, e.g. "{{ .input.name }}".
type goTemplateEngine struct {
	cache sync.Map
}

func (e *goTemplateEngine) Render(_ context.Context, src string, vars map[string]any) (string, error) {
	var tmpl *template.Template
	if cached, ok := e.cache.Load(src); ok {
		tmpl = cached.(*template.Template)
	} else {
		parsed, err := template.New("brick").Option("missingkey=zero").Parse(src)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		e.cache.Store(src, parsed)
		tmpl = parsed
	}
	data := make(map[string]any, len(vars))
	for key, value := range vars {
		data[strings.TrimPrefix(key, "@")] = value
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("go template: %w", err)
	}
	return buf.String(), nil
}

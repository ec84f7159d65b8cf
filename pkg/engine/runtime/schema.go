package runtime

import "reflect"

// FieldType is the JSON type expected for a brick argument.
type FieldType string

const (
	TypeAny      FieldType = ""
	TypeString   FieldType = "string"
	TypeNumber   FieldType = "number"
	TypeInteger  FieldType = "integer"
	TypeBoolean  FieldType = "boolean"
	TypeObject   FieldType = "object"
	TypeArray    FieldType = "array"
	TypePipeline FieldType = "pipeline"
)

// FieldSchema describes one brick argument. Rules uses go-playground/validator
// tag syntax, for example "min=1,max=10" or "url".
type FieldSchema struct {
	Type     FieldType `json:"type,omitempty" yaml:"type,omitempty"`
	Required bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Rules    string    `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// InputSchema is the argument contract of a brick.
type InputSchema struct {
	Fields               map[string]FieldSchema `json:"fields,omitempty" yaml:"fields,omitempty"`
	AdditionalProperties bool                   `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`
}

// Schema is a shorthand for building an InputSchema that allows extra keys.
func Schema(fields map[string]FieldSchema) InputSchema {
	return InputSchema{Fields: fields, AdditionalProperties: true}
}

// AsSlice returns v as []any. Typed slices and arrays, such as a []string passed
// in the initial context, are copied element by element.
func AsSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}

package engine

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	brickIDPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_./-]*(@[a-z0-9.]+)?$`)
	outputKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ruleFuncs are the custom validator tags available to brick schemas and config.
var ruleFuncs = map[string]validator.Func{
	"brick_id": func(fl validator.FieldLevel) bool {
		return brickIDPattern.MatchString(fl.Field().String())
	},
	"output_key": func(fl validator.FieldLevel) bool {
		return outputKeyPattern.MatchString(fl.Field().String())
	},
}

// registerRules adds rules to v in name order.
func registerRules(v *validator.Validate, rules map[string]validator.Func) error {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := v.RegisterValidation(name, rules[name]); err != nil {
			return fmt.Errorf("register validation %q: %w", name, err)
		}
	}
	return nil
}

// validatorInstance returns the shared validator used for brick input rules.
// It panics when a built-in rule cannot be registered.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		if err := registerRules(v, ruleFuncs); err != nil {
			panic(err)
		}
		validateInst = v
	})
	return validateInst
}

// Validator returns the shared validator with the brick_id and output_key rules registered.
func Validator() *validator.Validate {
	return validatorInstance()
}

// ValidateArgs checks rendered args against schema. configPath prefixes the
// reported field paths, e.g. "steps[2].config".
func ValidateArgs(schema runtime.InputSchema, args map[string]any, configPath string) error {
	var issues []domain.ValidationIssue

	names := make([]string, 0, len(schema.Fields))
	for name := range schema.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := schema.Fields[name]
		value, present := args[name]
		if !present || value == nil {
			if field.Required {
				issues = append(issues, domain.ValidationIssue{Field: name, Rule: "required", Message: fmt.Sprintf("%s is required", name)})
			}
			continue
		}
		if !matchesType(field.Type, value) {
			issues = append(issues, domain.ValidationIssue{
				Field:   name,
				Rule:    "type",
				Message: fmt.Sprintf("%s must be of type %s, got %T", name, field.Type, value),
			})
			continue
		}
		if field.Rules != "" {
			if err := validatorInstance().Var(value, field.Rules); err != nil {
				issues = append(issues, convertRuleError(name, err))
			}
		}
	}

	if !schema.AdditionalProperties {
		extra := make([]string, 0)
		for name := range args {
			if _, known := schema.Fields[name]; !known {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		for _, name := range extra {
			issues = append(issues, domain.ValidationIssue{Field: name, Rule: "additionalProperties", Message: fmt.Sprintf("%s is not allowed", name)})
		}
	}

	if len(issues) == 0 {
		return nil
	}
	return &domain.ValidationError{Path: joinConfigPath(configPath, issues[0].Field), Issues: issues}
}

func convertRuleError(field string, err error) domain.ValidationIssue {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		return domain.ValidationIssue{
			Field:   field,
			Rule:    ves[0].Tag(),
			Message: fmt.Sprintf("%s failed validation for tag '%s'", field, ves[0].Tag()),
		}
	}
	return domain.ValidationIssue{Field: field, Rule: "rules", Message: fmt.Sprintf("%s: %v", field, err)}
}

func matchesType(t runtime.FieldType, value any) bool {
	switch t {
	case runtime.TypeAny:
		return true
	case runtime.TypeString:
		_, ok := value.(string)
		return ok
	case runtime.TypeBoolean:
		_, ok := value.(bool)
		return ok
	case runtime.TypeNumber:
		_, ok := numeric(value)
		return ok
	case runtime.TypeInteger:
		f, ok := numeric(value)
		return ok && f == math.Trunc(f)
	case runtime.TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case runtime.TypeArray:
		_, ok := runtime.AsSlice(value)
		return ok
	case runtime.TypePipeline:
		_, ok := value.(*runtime.LazyPipeline)
		return ok
	}
	return false
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

func joinConfigPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

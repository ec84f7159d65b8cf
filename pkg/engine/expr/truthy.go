package expr

import (
	"strings"
)

var truthyStrings = map[string]bool{
	"true": true,
	"t":    true,
	"yes":  true,
	"y":    true,
	"on":   true,
	"1":    true,
}

// Truthy coerces a rendered condition to a boolean. Strings are truthy only when
// they match true, t, yes, y, on or 1 case-insensitively. Numbers are truthy when
// non-zero. Every other value, including nil, is falsy.
func Truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return truthyStrings[strings.ToLower(strings.TrimSpace(v))]
	case nil:
		return false
	}
	if f, ok := toFloat(value); ok {
		return f != 0
	}
	return false
}

package expr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Lookup resolves a context reference such as "@input.items[0].name" against vars.
// The leading "@" is optional. Missing segments resolve to (nil, false).
func Lookup(vars map[string]any, ref string) (any, bool) {
	segments, err := splitReference(ref)
	if err != nil || len(segments) == 0 {
		return nil, false
	}
	current, ok := vars[segments[0]]
	if !ok {
		return nil, false
	}
	for _, seg := range segments[1:] {
		current, ok = step(current, seg)
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// IsReference reports whether s is exactly one "@path" reference.
func IsReference(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "@") || len(s) < 2 {
		return false
	}
	_, err := splitReference(s)
	return err == nil
}

func splitReference(ref string) ([]string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrSyntax)
	}
	if !strings.HasPrefix(ref, "@") {
		ref = "@" + ref
	}
	var segments []string
	var cur strings.Builder
	flush := func() error {
		if cur.Len() == 0 {
			return fmt.Errorf("%w: empty segment in %q", ErrSyntax, ref)
		}
		segments = append(segments, cur.String())
		cur.Reset()
		return nil
	}
	for i := 0; i < len(ref); i++ {
		ch := ref[i]
		switch {
		case ch == '.':
			if err := flush(); err != nil {
				return nil, err
			}
		case ch == '[':
			if cur.Len() > 0 {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			end := strings.IndexByte(ref[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated index in %q", ErrSyntax, ref)
			}
			cur.WriteString(strings.Trim(ref[i+1:i+end], `"'`))
			if err := flush(); err != nil {
				return nil, err
			}
			i += end
			if i+1 < len(ref) && ref[i+1] == '.' {
				i++
			}
		case ch == '@' && i == 0, isIdentifierPart(ch), ch == '-':
			cur.WriteByte(ch)
		default:
			return nil, fmt.Errorf("%w: invalid character %q in %q", ErrSyntax, ch, ref)
		}
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments, nil
}

func step(value any, seg string) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		out, ok := v[seg]
		return out, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	case reflect.Struct:
		// Structs are addressed by their JSON field names.
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, false
		}
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, false
		}
		out, ok := generic[seg]
		return out, ok
	}
	return nil, false
}

// Stringify renders a value the way templates interpolate it.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v)
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(data)
}

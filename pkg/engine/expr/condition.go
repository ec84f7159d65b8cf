package expr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrSyntax indicates an expression or reference could not be parsed.
	ErrSyntax = errors.New("expression syntax error")
	// ErrUnknownIdentifier indicates a referenced variable is not available in scope.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrTypeMismatch indicates the expression attempted an unsupported type coercion.
	ErrTypeMismatch = errors.New("type mismatch")
)

// conditionEngine evaluates boolean expressions such as
// `@input.count >= 3 && (@options.mode == "fast" || !@input.dryRun)`.
// It renders "true" or "false" so that it composes with Truthy.
type conditionEngine struct{}

func (conditionEngine) Render(ctx context.Context, src string, vars map[string]any) (string, error) {
	ok, err := EvaluateCondition(ctx, src, vars)
	if err != nil {
		return "", err
	}
	return strconv.FormatBool(ok), nil
}

// EvaluateCondition parses and evaluates a boolean condition against vars.
func EvaluateCondition(ctx context.Context, src string, vars map[string]any) (bool, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return false, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	p := &condParser{ctx: ctx, src: src, vars: vars}
	value, err := p.or()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return false, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, p.src[p.pos:], p.pos)
	}
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression does not evaluate to boolean", ErrTypeMismatch)
	}
	return b, nil
}

// condParser evaluates while parsing; both operands of && and || are parsed
// even when short-circuited so syntax errors are never hidden.
type condParser struct {
	ctx  context.Context
	src  string
	pos  int
	vars map[string]any
}

func (p *condParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *condParser) accept(op string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], op) {
		p.pos += len(op)
		return true
	}
	return false
}

func (p *condParser) or() (any, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		if left, err = logical(left, right, false); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *condParser) and() (any, error) {
	left, err := p.comparison()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.comparison()
		if err != nil {
			return nil, err
		}
		if left, err = logical(left, right, true); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func logical(left, right any, and bool) (any, error) {
	l, lok := left.(bool)
	r, rok := right.(bool)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: logical operands must be boolean, got %T and %T", ErrTypeMismatch, left, right)
	}
	if and {
		return l && r, nil
	}
	return l || r, nil
}

var comparators = []string{"==", "!=", ">=", "<=", ">", "<"}

func (p *condParser) comparison() (any, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		op := ""
		for _, candidate := range comparators {
			if p.accept(candidate) {
				op = candidate
				break
			}
		}
		if op == "" {
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		if left, err = compareValues(left, right, op); err != nil {
			return nil, err
		}
	}
}

func (p *condParser) unary() (any, error) {
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == '!' && !strings.HasPrefix(p.src[p.pos:], "!=") {
		p.pos++
		value, err := p.unary()
		if err != nil {
			return nil, err
		}
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: ! expects boolean operand, got %T", ErrTypeMismatch, value)
		}
		return !b, nil
	}
	if p.accept("-") {
		value, err := p.unary()
		if err != nil {
			return nil, err
		}
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary - expects numeric operand", ErrTypeMismatch)
		}
		return -f, nil
	}
	return p.primary()
}

func (p *condParser) primary() (any, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	ch := p.src[p.pos]
	switch {
	case ch == '(':
		p.pos++
		value, err := p.or()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, fmt.Errorf("%w: expected )", ErrSyntax)
		}
		return value, nil
	case ch == '"' || ch == '\'':
		return p.stringLiteral(ch)
	case isDigit(ch) || ch == '.':
		start := p.pos
		for p.pos < len(p.src) && (isDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
			p.pos++
		}
		f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, p.src[start:p.pos])
		}
		return f, nil
	case ch == '@':
		start := p.pos
		p.pos++
		for p.pos < len(p.src) && (isIdentifierPart(p.src[p.pos]) || strings.ContainsRune(".[]\"'-", rune(p.src[p.pos]))) {
			p.pos++
		}
		ref := p.src[start:p.pos]
		value, ok := Lookup(p.vars, ref)
		if !ok {
			if _, root := Lookup(p.vars, strings.SplitN(strings.SplitN(ref, ".", 2)[0], "[", 2)[0]); !root {
				return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, ref)
			}
		}
		return value, nil
	case isIdentifierStart(ch):
		start := p.pos
		for p.pos < len(p.src) && isIdentifierPart(p.src[p.pos]) {
			p.pos++
		}
		switch word := p.src[start:p.pos]; strings.ToLower(word) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: %s (references start with @)", ErrUnknownIdentifier, word)
		}
	}
	return nil, fmt.Errorf("%w: unexpected character %q", ErrSyntax, ch)
}

func (p *condParser) stringLiteral(quote byte) (any, error) {
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		p.pos++
		switch ch {
		case quote:
			return b.String(), nil
		case '\\':
			if p.pos < len(p.src) {
				b.WriteByte(p.src[p.pos])
				p.pos++
			}
		default:
			b.WriteByte(ch)
		}
	}
	return nil, fmt.Errorf("%w: unterminated string", ErrSyntax)
}

func compareValues(left, right any, op string) (bool, error) {
	if op == "==" || op == "!=" {
		eq, err := equalValues(left, right)
		if op == "!=" {
			return !eq, err
		}
		return eq, err
	}
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return orderHolds(compareFloat(lf, rf), op), nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return orderHolds(strings.Compare(ls, rs), op), nil
	}
	return false, fmt.Errorf("%w: cannot apply %s to %T and %T", ErrTypeMismatch, op, left, right)
}

func compareFloat(l, r float64) int {
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	}
	return 0
}

func orderHolds(cmp int, op string) bool {
	switch op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	default:
		return cmp <= 0
	}
}

func equalValues(left, right any) (bool, error) {
	if left == nil || right == nil {
		return left == nil && right == nil, nil
	}
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf, nil
		}
	}
	switch l := left.(type) {
	case string:
		if r, ok := right.(string); ok {
			return l == r, nil
		}
	case bool:
		if r, ok := right.(bool); ok {
			return l == r, nil
		}
	}
	return false, fmt.Errorf("%w: cannot compare %T and %T", ErrTypeMismatch, left, right)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentifierStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch)
}

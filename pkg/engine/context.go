package engine

import (
	"fmt"
	"maps"
	"strings"

	"github.com/polisai/brickflow/pkg/domain"
)

// Reserved context keys.
const (
	KeyInput   = "@input"
	KeyOptions = "@options"
	KeyMod     = "@mod"
)

var reservedKeys = map[string]bool{KeyInput: true, KeyOptions: true, KeyMod: true}

// IsReservedKey reports whether an output key would shadow a reserved context key.
func IsReservedKey(key string) bool {
	return reservedKeys[contextKey(key)]
}

// ExecutionContext is the data context of one run. Only the reducer writes to it,
// and output keys are bound at most once.
type ExecutionContext struct {
	vars map[string]any
}

// NewExecutionContext builds {@input, @options, @<service>..., @mod}.
func NewExecutionContext(initial domain.InitialContext) *ExecutionContext {
	vars := make(map[string]any, 3+len(initial.ServiceContext))
	for key, value := range initial.ServiceContext {
		vars[contextKey(key)] = value
	}
	vars[KeyInput] = orEmpty(initial.Input)
	vars[KeyOptions] = orEmpty(initial.OptionsArgs)
	vars[KeyMod] = map[string]any{}
	return &ExecutionContext{vars: vars}
}

// restoreContext rebuilds a context from a snapshot and binds extra keys on top.
func restoreContext(snapshot map[string]any, extra map[string]any) (*ExecutionContext, error) {
	c := &ExecutionContext{vars: maps.Clone(snapshot)}
	if c.vars == nil {
		c.vars = map[string]any{}
	}
	if mod, ok := c.vars[KeyMod].(map[string]any); ok {
		c.vars[KeyMod] = maps.Clone(mod)
	} else {
		c.vars[KeyMod] = map[string]any{}
	}
	for key, value := range extra {
		if err := c.Bind(key, value); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Vars returns the live variable map for rendering. Callers must not modify it.
func (c *ExecutionContext) Vars() map[string]any {
	return c.vars
}

// Get returns one variable.
func (c *ExecutionContext) Get(key string) (any, bool) {
	v, ok := c.vars[contextKey(key)]
	return v, ok
}

// Bind records an output. Rebinding any existing key is an error.
func (c *ExecutionContext) Bind(key string, value any) error {
	key = contextKey(key)
	if _, exists := c.vars[key]; exists {
		return fmt.Errorf("%w: %s", domain.ErrContextKeyBound, key)
	}
	c.vars[key] = value
	return nil
}

// MergeModVariable merges patch into the mod variable slot. A fresh map is
// installed so snapshots taken earlier are unaffected.
func (c *ExecutionContext) MergeModVariable(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	current, _ := c.vars[KeyMod].(map[string]any)
	next := maps.Clone(current)
	if next == nil {
		next = make(map[string]any, len(patch))
	}
	maps.Copy(next, patch)
	c.vars[KeyMod] = next
}

// Snapshot returns a shallow copy of the context.
func (c *ExecutionContext) Snapshot() map[string]any {
	return maps.Clone(c.vars)
}

func contextKey(key string) string {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "@") {
		return key
	}
	return "@" + key
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

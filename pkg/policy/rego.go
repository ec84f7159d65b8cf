package policy

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// DefaultQuery is the decision document of the remote gate.
const DefaultQuery = "data.bricks.remote.decision"

const defaultCacheSize = 512

// RegoOptions configure a RegoDecider.
type RegoOptions struct {
	// Query defaults to DefaultQuery.
	Query   string
	Modules map[string]string
	// CacheSize bounds the verdict cache. Zero selects the default; negative
	// disables caching.
	CacheSize int
	Logger    *slog.Logger
}

// RegoDecider evaluates an embedded OPA query whose result is an object
// {"allow": bool, "reason": string, "labels": {string: string}}. An undefined
// result refuses.
type RegoDecider struct {
	query  rego.PreparedEvalQuery
	cache  *verdictCache
	logger *slog.Logger
}

// NewRegoDecider parses the modules and prepares the query once.
func NewRegoDecider(ctx context.Context, opts RegoOptions) (*RegoDecider, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("remote gate requires at least one rego module")
	}
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		query = DefaultQuery
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query(query)}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}
	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", query, err)
	}

	size := opts.CacheSize
	if size == 0 {
		size = defaultCacheSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &RegoDecider{query: prepared, logger: logger}
	if size > 0 {
		d.cache = newVerdictCache(size)
	}
	return d, nil
}

// Decide implements Decider.
func (d *RegoDecider) Decide(ctx context.Context, req Request) (Verdict, error) {
	key := fmt.Sprintf("%s|%x", req.BrickID, capabilityBits(req.Capabilities))
	if verdict, ok := d.cache.get(key); ok {
		return verdict, nil
	}

	d.logger.DebugContext(ctx, "evaluating remote gate", "brick_id", req.BrickID)
	results, err := d.query.Eval(ctx, rego.EvalInput(map[string]any{
		"brick_id":     req.BrickID,
		"capabilities": capabilityInput(req.Capabilities),
	}))
	if err != nil {
		return Verdict{}, fmt.Errorf("opa eval: %w", err)
	}

	verdict := Verdict{Reason: "remote gate decision undefined"}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if verdict, err = parseVerdict(results[0].Expressions[0].Value); err != nil {
			return Verdict{}, err
		}
	}
	d.cache.put(key, verdict)
	return verdict, nil
}

// Flush drops every cached verdict, e.g. after the allow-list changes.
func (d *RegoDecider) Flush() {
	d.cache.clear()
}

func parseVerdict(value any) (Verdict, error) {
	doc, ok := value.(map[string]any)
	if !ok {
		return Verdict{}, fmt.Errorf("opa eval: decision must be an object, got %T", value)
	}
	allow, ok := doc["allow"].(bool)
	if !ok {
		return Verdict{}, fmt.Errorf("opa eval: decision.allow must be boolean, got %T", doc["allow"])
	}
	verdict := Verdict{Allow: allow}
	verdict.Reason, _ = doc["reason"].(string)
	if labels, ok := doc["labels"].(map[string]any); ok {
		verdict.Labels = make(map[string]string, len(labels))
		for k, v := range labels {
			if s, ok := v.(string); ok {
				verdict.Labels[k] = s
			}
		}
	}
	return verdict, nil
}

// verdictCache is a bounded LRU keyed by brick id and capability set. A nil
// cache stores nothing.
type verdictCache struct {
	mu    sync.Mutex
	size  int
	lru   *list.List
	index map[string]*list.Element
}

type cachedVerdict struct {
	key     string
	verdict Verdict
}

func newVerdictCache(size int) *verdictCache {
	return &verdictCache{size: size, lru: list.New(), index: make(map[string]*list.Element)}
}

func (c *verdictCache) get(key string) (Verdict, bool) {
	if c == nil {
		return Verdict{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.index[key]
	if !ok {
		return Verdict{}, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(cachedVerdict).verdict, true
}

func (c *verdictCache) put(key string, verdict Verdict) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		elem.Value = cachedVerdict{key: key, verdict: verdict}
		c.lru.MoveToFront(elem)
		return
	}
	c.index[key] = c.lru.PushFront(cachedVerdict{key: key, verdict: verdict})
	for c.lru.Len() > c.size {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.index, oldest.Value.(cachedVerdict).key)
	}
}

func (c *verdictCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *verdictCache) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	clear(c.index)
}

package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// RegoOptions control engine construction.
type RegoOptions struct {
	// Modules contains the Rego modules loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the result cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

// RegoEngine evaluates boolean Rego queries over guardrail input.
type RegoEngine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	cache         *resultCache
	queries       map[string]*rego.PreparedEvalQuery
	mu            sync.RWMutex
}

const defaultCacheCapacity = 1024

// NewRegoEngine parses the supplied modules.
func NewRegoEngine(_ context.Context, opts RegoOptions) (*RegoEngine, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("rego predicates require at least one module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}
	var cache *resultCache
	if maxEntries > 0 {
		cache = newResultCache(maxEntries)
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsed := make(map[string]*ast.Module, len(moduleOrder))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	return &RegoEngine{
		moduleOrder:   moduleOrder,
		parsedModules: parsed,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}, nil
}

// Prepare compiles a query so syntax errors surface at load time.
func (e *RegoEngine) Prepare(ctx context.Context, query string) error {
	_, err := e.prepared(ctx, query)
	return err
}

// Match evaluates query against the input; an undefined result is false.
func (e *RegoEngine) Match(ctx context.Context, query string, in Input) (bool, error) {
	key := cacheKey(query, in.Text)
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			return v, nil
		}
	}

	prepared, err := e.prepared(ctx, query)
	if err != nil {
		return false, fmt.Errorf("prepare query: %w", err)
	}

	payload := map[string]any{
		"text":       in.Text,
		"normalized": in.Normalized,
		"words":      strings.Fields(in.Normalized),
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return false, fmt.Errorf("rego eval: %w", err)
	}

	matched := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		v, ok := results[0].Expressions[0].Value.(bool)
		if !ok {
			return false, fmt.Errorf("rego eval: query %q returned %T, want bool", query, results[0].Expressions[0].Value)
		}
		matched = v
	}

	if e.cache != nil {
		e.cache.Add(key, matched)
	}
	return matched, nil
}

func (e *RegoEngine) prepared(ctx context.Context, query string) (*rego.PreparedEvalQuery, error) {
	query = strings.TrimSpace(query)

	e.mu.RLock()
	if p, ok := e.queries[query]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	p, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[query]; ok {
		return existing, nil
	}
	e.queries[query] = &p
	return &p, nil
}

func cacheKey(query, text string) string {
	h := sha256.New()
	writeCacheKeyField(h, query)
	writeCacheKeyField(h, text)
	return hex.EncodeToString(h.Sum(nil))
}

// writeCacheKeyField writes a field to the hash followed by a null delimiter.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

type resultCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value bool
}

func newResultCache(capacity int) *resultCache {
	return &resultCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *resultCache) Get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *resultCache) Add(key string, value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

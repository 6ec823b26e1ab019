package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// StateStore is the per-invocation key/value store that stages exchange results through.
//
// Write policy is first-writer-wins: a second Put for the same key fails with
// domain.ErrKeyConflict unless the first write named the writing stage as the
// entry's updater (see WithUpdater).
type StateStore interface {
	Open(ctx context.Context, invocationID string) error
	Put(ctx context.Context, invocationID, stage, key string, payload domain.Payload, opts ...PutOption) error
	Get(ctx context.Context, invocationID, stage, key string) (domain.Payload, error)
	Entries(invocationID string) ([]domain.StateEntry, error)
	Release(invocationID string)
}

// Schema declares the payload kind allowed in each key namespace.
type Schema map[string]domain.PayloadKind

// DefaultSchema covers the namespaces written by the built-in stages.
func DefaultSchema() Schema {
	return Schema{
		domain.NSPrices:     domain.KindSeries,
		domain.NSNews:       domain.KindRecords,
		domain.NSFactors:    domain.KindSummary,
		domain.NSSignal:     domain.KindSeries,
		domain.NSHypothesis: domain.KindSummary,
		domain.NSBacktest:   domain.KindSummary,
		domain.NSEquity:     domain.KindSeries,
		domain.NSBill:       domain.KindRecords,
		domain.NSPolicy:     domain.KindRecords,
		domain.NSReport:     domain.KindSummary,
	}
}

// Check validates a payload against the schema entry for the key's namespace.
func (s Schema) Check(key string, payload domain.Payload) error {
	if payload == nil {
		return fmt.Errorf("%w: nil payload for %q", domain.ErrSchemaMismatch, key)
	}
	ns := domain.Namespace(key)
	want, ok := s[ns]
	if !ok {
		return fmt.Errorf("%w: namespace %q is not declared", domain.ErrSchemaMismatch, ns)
	}
	if payload.Kind() != want {
		return fmt.Errorf("%w: %q expects %s, got %s", domain.ErrSchemaMismatch, key, want, payload.Kind())
	}
	return nil
}

type putOptions struct {
	updater string
}

// PutOption customises a Put.
type PutOption func(*putOptions)

// WithUpdater designates the stage allowed to replace the entry after the first write.
func WithUpdater(stage string) PutOption {
	return func(o *putOptions) { o.updater = stage }
}

type stateEntry struct {
	meta    domain.StateEntry
	payload domain.Payload
}

type invocationState struct {
	mu      sync.RWMutex
	entries map[string]*stateEntry
}

// MemoryStateStore is an in-memory StateStore.
type MemoryStateStore struct {
	mu          sync.RWMutex
	invocations map[string]*invocationState
	schema      Schema
	audit       domain.AuditSink
	logger      *slog.Logger
	now         func() time.Time
}

// MemoryStateStoreConfig holds dependencies for NewMemoryStateStore.
type MemoryStateStoreConfig struct {
	Schema Schema
	Audit  domain.AuditSink
	Logger *slog.Logger
	Now    func() time.Time
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore(cfg MemoryStateStoreConfig) *MemoryStateStore {
	if cfg.Schema == nil {
		cfg.Schema = DefaultSchema()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryStateStore{
		invocations: make(map[string]*invocationState),
		schema:      cfg.Schema,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Open creates the namespace for an invocation. Opening twice is a no-op.
func (s *MemoryStateStore) Open(_ context.Context, invocationID string) error {
	if invocationID == "" {
		return fmt.Errorf("%w: empty invocation id", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invocations[invocationID]; !ok {
		s.invocations[invocationID] = &invocationState{entries: make(map[string]*stateEntry)}
	}
	return nil
}

func (s *MemoryStateStore) invocation(invocationID string) (*invocationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invocations[invocationID]
	if !ok {
		return nil, domain.ErrInvocationNotFound
	}
	return inv, nil
}

// Put writes a payload under key. The stored value is a private copy.
func (s *MemoryStateStore) Put(ctx context.Context, invocationID, stage, key string, payload domain.Payload, opts ...PutOption) error {
	inv, err := s.invocation(invocationID)
	if err != nil {
		return &domain.StateError{Op: "put", InvocationID: invocationID, Key: key, Err: err}
	}
	if err := s.schema.Check(key, payload); err != nil {
		s.record(ctx, invocationID, stage, domain.AuditStateReject, key, "reason", "schema")
		return &domain.StateError{Op: "put", InvocationID: invocationID, Key: key, Err: err}
	}

	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}

	stored := domain.ClonePayload(payload)

	inv.mu.Lock()
	existing, exists := inv.entries[key]
	if exists && (existing.meta.Updater == "" || existing.meta.Updater != stage) {
		producer := existing.meta.Producer
		inv.mu.Unlock()
		s.record(ctx, invocationID, stage, domain.AuditStateReject, key, "reason", "conflict", "producer", producer)
		return &domain.StateError{Op: "put", InvocationID: invocationID, Key: key, Err: domain.ErrKeyConflict}
	}

	var meta domain.StateEntry
	if exists {
		meta = existing.meta
		meta.Version++
	} else {
		meta = domain.StateEntry{Key: key, Producer: stage, Updater: o.updater, Version: 1}
	}
	meta.Kind = stored.Kind()
	meta.WrittenAt = s.now()
	inv.entries[key] = &stateEntry{meta: meta, payload: stored}
	inv.mu.Unlock()

	s.record(ctx, invocationID, stage, domain.AuditStatePut, key,
		"kind", string(meta.Kind),
		"version", strconv.Itoa(meta.Version),
		"size", strconv.Itoa(stored.Len()),
	)
	return nil
}

// Get returns a copy of the payload written under key.
func (s *MemoryStateStore) Get(ctx context.Context, invocationID, stage, key string) (domain.Payload, error) {
	inv, err := s.invocation(invocationID)
	if err != nil {
		return nil, &domain.StateError{Op: "get", InvocationID: invocationID, Key: key, Err: err}
	}

	inv.mu.Lock()
	entry, ok := inv.entries[key]
	if !ok {
		inv.mu.Unlock()
		s.record(ctx, invocationID, stage, domain.AuditStateMiss, key)
		return nil, &domain.StateError{Op: "get", InvocationID: invocationID, Key: key, Err: domain.ErrKeyNotFound}
	}
	if stage != "" && !slices.Contains(entry.meta.Consumers, stage) {
		entry.meta.Consumers = append(entry.meta.Consumers, stage)
	}
	out := domain.ClonePayload(entry.payload)
	version := entry.meta.Version
	inv.mu.Unlock()

	s.record(ctx, invocationID, stage, domain.AuditStateGet, key,
		"kind", string(out.Kind()),
		"version", strconv.Itoa(version),
	)
	return out, nil
}

// Entries lists entry metadata for an invocation, sorted by key.
func (s *MemoryStateStore) Entries(invocationID string) ([]domain.StateEntry, error) {
	inv, err := s.invocation(invocationID)
	if err != nil {
		return nil, err
	}
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]domain.StateEntry, 0, len(inv.entries))
	for _, e := range inv.entries {
		meta := e.meta
		meta.Consumers = slices.Clone(e.meta.Consumers)
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Release discards all entries of an invocation.
func (s *MemoryStateStore) Release(invocationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invocations, invocationID)
}

func (s *MemoryStateStore) record(ctx context.Context, invocationID, stage string, kind domain.AuditKind, key string, kv ...string) {
	if s.audit == nil {
		return
	}
	detail := map[string]string{"key": key}
	for i := 0; i+1 < len(kv); i += 2 {
		detail[kv[i]] = kv[i+1]
	}
	err := s.audit.Append(ctx, domain.AuditEntry{
		InvocationID: invocationID,
		Kind:         kind,
		Stage:        stage,
		Detail:       detail,
	})
	if err != nil {
		s.logger.Warn("state audit append failed", "invocation_id", invocationID, "key", key, "error", err)
	}
}

// Package audit implements the append-only invocation audit trail.
//
// Entries are never updated or removed. Every sink is safe for concurrent
// appends from multiple goroutines and invocations.
package audit

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// Log is an audit sink that can also replay entries for an invocation.
type Log interface {
	domain.AuditSink
	Entries(ctx context.Context, invocationID string) ([]domain.AuditEntry, error)
}

// MemoryLog keeps entries in memory.
type MemoryLog struct {
	mu      sync.RWMutex
	seq     int64
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: func() time.Time { return time.Now().UTC() }}
}

// Append records an entry, assigning its sequence number and timestamp.
func (l *MemoryLog) Append(_ context.Context, entry domain.AuditEntry) error {
	if entry.InvocationID == "" {
		return errors.New("audit entry without invocation id")
	}
	entry.Detail = maps.Clone(entry.Detail)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	entry.Seq = l.seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns the entries of one invocation in append order.
func (l *MemoryLog) Entries(_ context.Context, invocationID string) ([]domain.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range l.entries {
		if e.InvocationID == invocationID {
			e.Detail = maps.Clone(e.Detail)
			out = append(out, e)
		}
	}
	return out, nil
}

// Count returns how many entries of kind were recorded for an invocation.
func (l *MemoryLog) Count(invocationID string, kind domain.AuditKind) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		if e.InvocationID == invocationID && e.Kind == kind {
			n++
		}
	}
	return n
}

// Len returns the total number of entries.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Tee fans entries out to several sinks. Entries are read back from the first sink.
type Tee struct {
	primary Log
	others  []domain.AuditSink
}

// NewTee builds a Tee; primary answers Entries.
func NewTee(primary Log, others ...domain.AuditSink) *Tee {
	return &Tee{primary: primary, others: slices.Clone(others)}
}

// Append writes to every sink and joins their errors.
func (t *Tee) Append(ctx context.Context, entry domain.AuditEntry) error {
	errs := []error{t.primary.Append(ctx, entry)}
	for _, sink := range t.others {
		errs = append(errs, sink.Append(ctx, entry))
	}
	return errors.Join(errs...)
}

// Entries delegates to the primary sink.
func (t *Tee) Entries(ctx context.Context, invocationID string) ([]domain.AuditEntry, error) {
	return t.primary.Entries(ctx, invocationID)
}

// Filter returns the entries of the given kind.
func Filter(entries []domain.AuditEntry, kind domain.AuditKind) []domain.AuditEntry {
	var out []domain.AuditEntry
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-analyst/pkg/domain"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (r *recordingSink) Append(_ context.Context, e domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingSink) kinds() []domain.AuditKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditKind, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Kind
	}
	return out
}

func newTestStore(t *testing.T) (*MemoryStateStore, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	store := NewMemoryStateStore(MemoryStateStoreConfig{Audit: sink})
	require.NoError(t, store.Open(context.Background(), "inv-1"))
	return store, sink
}

func priceSeries(values ...float64) *domain.Series {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := &domain.Series{Name: "close"}
	for i, v := range values {
		s.Points = append(s.Points, domain.Point{Time: start.AddDate(0, 0, i), Value: v})
	}
	return s
}

func TestGetBeforePutReturnsNotFound(t *testing.T) {
	store, sink := newTestStore(t)

	_, err := store.Get(context.Background(), "inv-1", "analysis", "prices:AAPL")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrKeyNotFound))

	var stateErr *domain.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "prices:AAPL", stateErr.Key)
	assert.Equal(t, []domain.AuditKind{domain.AuditStateMiss}, sink.kinds())
}

func TestPutGetRoundTrip(t *testing.T) {
	store, sink := newTestStore(t)
	ctx := context.Background()

	in := priceSeries(100, 101, 102.5)
	require.NoError(t, store.Put(ctx, "inv-1", "acquisition", "prices:AAPL", in))

	out, err := store.Get(ctx, "inv-1", "analysis", "prices:AAPL")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Mutating the caller's copy must not leak into the store.
	in.Points[0].Value = -1
	again, err := store.Get(ctx, "inv-1", "analysis", "prices:AAPL")
	require.NoError(t, err)
	assert.Equal(t, 100.0, again.(*domain.Series).Points[0].Value)

	assert.Equal(t, []domain.AuditKind{domain.AuditStatePut, domain.AuditStateGet, domain.AuditStateGet}, sink.kinds())
	for _, e := range sink.entries {
		assert.NotContains(t, e.Detail, "value")
	}
}

func TestSecondPutConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "inv-1", "acquisition", "prices:AAPL", priceSeries(1, 2)))
	err := store.Put(ctx, "inv-1", "analysis", "prices:AAPL", priceSeries(3, 4))
	assert.ErrorIs(t, err, domain.ErrKeyConflict)

	got, err := store.Get(ctx, "inv-1", "", "prices:AAPL")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, got.(*domain.Series).Values())
}

func TestDesignatedUpdaterMayReplace(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := &domain.ScalarSummary{Labels: map[string]string{"document": "draft"}}
	require.NoError(t, store.Put(ctx, "inv-1", "analysis", "report:AAPL", first, WithUpdater("report")))

	assert.ErrorIs(t, store.Put(ctx, "inv-1", "analysis", "report:AAPL", first), domain.ErrKeyConflict)

	final := &domain.ScalarSummary{Labels: map[string]string{"document": "final"}}
	require.NoError(t, store.Put(ctx, "inv-1", "report", "report:AAPL", final))

	entries, err := store.Entries("inv-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Version)
	assert.Equal(t, "analysis", entries[0].Producer)
}

func TestSchemaMismatchRejected(t *testing.T) {
	store, sink := newTestStore(t)
	err := store.Put(context.Background(), "inv-1", "acquisition", "prices:AAPL", &domain.RecordList{})
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)

	err = store.Put(context.Background(), "inv-1", "acquisition", "scratch:AAPL", priceSeries(1))
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
	assert.Equal(t, []domain.AuditKind{domain.AuditStateReject, domain.AuditStateReject}, sink.kinds())
}

func TestInvocationsAreIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "inv-2"))

	require.NoError(t, store.Put(ctx, "inv-1", "acquisition", "prices:AAPL", priceSeries(1, 2)))
	_, err := store.Get(ctx, "inv-2", "analysis", "prices:AAPL")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)

	_, err = store.Get(ctx, "inv-3", "analysis", "prices:AAPL")
	assert.ErrorIs(t, err, domain.ErrInvocationNotFound)

	store.Release("inv-1")
	_, err = store.Get(ctx, "inv-1", "analysis", "prices:AAPL")
	assert.ErrorIs(t, err, domain.ErrInvocationNotFound)
}

func TestConcurrentReadersSeeCompleteValues(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	values := make([]float64, 500)
	for i := range values {
		values[i] = float64(i + 1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p, err := store.Get(ctx, "inv-1", "reader", "prices:AAPL")
				if err != nil {
					continue
				}
				assert.Len(t, p.(*domain.Series).Points, len(values))
			}
		}()
	}
	require.NoError(t, store.Put(ctx, "inv-1", "acquisition", "prices:AAPL", priceSeries(values...)))
	wg.Wait()
}

func TestFirstWriterWinsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := NewMemoryStateStore(MemoryStateStoreConfig{})
		ctx := context.Background()
		_ = store.Open(ctx, "inv")

		writes := rapid.SliceOfN(rapid.Float64Range(-1e6, 1e6), 1, 10).Draw(t, "writes")
		for i, v := range writes {
			err := store.Put(ctx, "inv", "stage", "factors:X", &domain.ScalarSummary{Scalars: map[string]float64{"v": v}})
			if i == 0 && err != nil {
				t.Fatalf("first put failed: %v", err)
			}
			if i > 0 && !errors.Is(err, domain.ErrKeyConflict) {
				t.Fatalf("put %d: expected conflict, got %v", i, err)
			}
		}

		got, err := store.Get(ctx, "inv", "stage", "factors:X")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.(*domain.ScalarSummary).Scalars["v"] != writes[0] {
			t.Fatalf("expected first write %v, got %v", writes[0], got)
		}
	})
}

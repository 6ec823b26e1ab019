package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/storage"
)

func TestMemoryLogConcurrentAppends(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				err := log.Append(ctx, domain.AuditEntry{
					InvocationID: fmt.Sprintf("inv-%d", w%2),
					Kind:         domain.AuditToolCall,
					Detail:       map[string]string{"i": fmt.Sprint(i)},
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1000, log.Len())
	assert.Equal(t, 500, log.Count("inv-0", domain.AuditToolCall))

	entries, err := log.Entries(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, entries, 500)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
	}
}

func TestMemoryLogRejectsAnonymousEntries(t *testing.T) {
	log := NewMemoryLog()
	assert.Error(t, log.Append(context.Background(), domain.AuditEntry{Kind: domain.AuditStatePut}))
	assert.Zero(t, log.Len())
}

func TestEntriesAreCopies(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	detail := map[string]string{"key": "prices:AAPL"}
	require.NoError(t, log.Append(ctx, domain.AuditEntry{InvocationID: "inv", Kind: domain.AuditStatePut, Detail: detail}))
	detail["key"] = "tampered"

	entries, err := log.Entries(ctx, "inv")
	require.NoError(t, err)
	entries[0].Detail["key"] = "tampered again"

	again, err := log.Entries(ctx, "inv")
	require.NoError(t, err)
	assert.Equal(t, "prices:AAPL", again[0].Detail["key"])
}

func TestSQLiteSinkThroughTee(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	sink, err := NewSQLiteSink(ctx, db)
	require.NoError(t, err)

	mem := NewMemoryLog()
	tee := NewTee(mem, sink)
	require.NoError(t, tee.Append(ctx, domain.AuditEntry{InvocationID: "inv", Kind: domain.AuditInvocationStart}))
	require.NoError(t, tee.Append(ctx, domain.AuditEntry{
		InvocationID: "inv", Kind: domain.AuditToolCall, Stage: "acquisition",
		Detail: map[string]string{"tool": "market_data", "outcome": "primary-success"},
	}))

	persisted, err := sink.Entries(ctx, "inv")
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, domain.AuditToolCall, persisted[1].Kind)
	assert.Equal(t, "acquisition", persisted[1].Stage)
	assert.Equal(t, "market_data", persisted[1].Detail["tool"])

	fromTee, err := tee.Entries(ctx, "inv")
	require.NoError(t, err)
	assert.Len(t, fromTee, 2)

	// A reopened sink continues the sequence.
	reopened, err := NewSQLiteSink(ctx, db)
	require.NoError(t, err)
	require.NoError(t, reopened.Append(ctx, domain.AuditEntry{InvocationID: "inv", Kind: domain.AuditInvocationEnd}))
	persisted, err = reopened.Entries(ctx, "inv")
	require.NoError(t, err)
	assert.Equal(t, int64(3), persisted[2].Seq)
}

func TestAppendOnlyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		log := NewMemoryLog()
		ctx := context.Background()
		kinds := []domain.AuditKind{domain.AuditStatePut, domain.AuditStateGet, domain.AuditToolCall}
		n := rapid.IntRange(1, 50).Draw(t, "n")

		var want []domain.AuditKind
		for i := 0; i < n; i++ {
			k := rapid.SampledFrom(kinds).Draw(t, "kind")
			want = append(want, k)
			_ = log.Append(ctx, domain.AuditEntry{InvocationID: "inv", Kind: k})

			entries, _ := log.Entries(ctx, "inv")
			if len(entries) != len(want) {
				t.Fatalf("expected %d entries, got %d", len(want), len(entries))
			}
			for j, e := range entries {
				if e.Kind != want[j] {
					t.Fatalf("entry %d changed: %s != %s", j, e.Kind, want[j])
				}
			}
		}
	})
}

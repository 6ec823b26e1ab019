package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-analyst/pkg/domain"
)

func TestFactStores(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "analyst.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stores := map[string]domain.MemoryService{
		"memory": NewMemoryFactStore(),
		"sqlite": NewSQLiteFactStore(db),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			facts := []domain.Fact{
				{Text: "earnings beat last quarter", Tags: []string{"earnings"}},
				{Text: "new product launch", Tags: []string{"product", "catalyst"}},
			}
			require.NoError(t, store.Store(ctx, "AAPL", facts))

			got, err := store.Retrieve(ctx, "AAPL")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "earnings beat last quarter", got[0].Text)
			assert.Equal(t, []string{"product", "catalyst"}, got[1].Tags)
			assert.Equal(t, "AAPL", got[1].Subject)
			assert.False(t, got[0].CreatedAt.IsZero())

			none, err := store.Retrieve(ctx, "MSFT")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

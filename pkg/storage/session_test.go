package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-analyst/pkg/domain"
)

func TestSessionEnforcesContract(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	acquisition := NewSession(store, "inv-1", "acquisition",
		Contract{Produces: []string{domain.NSPrices}},
		map[string]string{domain.NSHypothesis: "analysis"},
	)

	require.NoError(t, acquisition.Put(ctx, "prices:AAPL", priceSeries(1, 2)))

	err := acquisition.Put(ctx, "factors:AAPL", &domain.ScalarSummary{})
	assert.ErrorIs(t, err, domain.ErrContractViolation)

	_, err = acquisition.Get(ctx, "hypothesis:AAPL")
	assert.ErrorIs(t, err, domain.ErrContractViolation)

	analysis := NewSession(store, "inv-1", "analysis", Contract{Consumes: []string{domain.NSPrices}}, nil)
	series, err := analysis.Series(ctx, "prices:AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, series.Len())

	_, err = analysis.Records(ctx, "prices:AAPL")
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)

	entries, err := store.Entries("inv-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"analysis"}, entries[0].Consumers)
}

func TestEmptyContractCannotWrite(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	early := NewSession(store, "inv-1", "early", Contract{}, map[string]string{domain.NSHypothesis: "analysis"})
	err := early.Put(ctx, "hypothesis:AAPL", &domain.ScalarSummary{Labels: map[string]string{"direction": "long"}})
	assert.ErrorIs(t, err, domain.ErrContractViolation)
	err = early.Put(ctx, "prices:AAPL", priceSeries(1, 2))
	assert.ErrorIs(t, err, domain.ErrContractViolation)

	analysis := NewSession(store, "inv-1", "analysis", Contract{Produces: []string{domain.NSHypothesis}}, nil)
	require.NoError(t, analysis.Put(ctx, "hypothesis:AAPL", &domain.ScalarSummary{Labels: map[string]string{"direction": "long"}}))

	entries, err := store.Entries("inv-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "analysis", entries[0].Producer)
}

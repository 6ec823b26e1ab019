package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/audit"
	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/tools/providers"
)

var allNamespaces = storage.Contract{Produces: []string{
	domain.NSPrices, domain.NSNews, domain.NSFactors, domain.NSSignal, domain.NSBill, domain.NSPolicy,
}}

type fixture struct {
	store   *storage.MemoryStateStore
	log     *audit.MemoryLog
	static  *providers.Static
	toolkit *Toolkit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := audit.NewMemoryLog()
	static := providers.NewStatic()
	adapter := governance.NewAdapter(governance.AdapterConfig{Audit: log})
	return &fixture{
		store:  storage.NewMemoryStateStore(storage.MemoryStateStoreConfig{Audit: log}),
		log:    log,
		static: static,
		toolkit: New(Config{
			Adapter:   adapter,
			Market:    static,
			News:      static,
			Memory:    storage.NewMemoryFactStore(),
			Extractor: static,
			Policies:  static,
		}),
	}
}

func (f *fixture) session(t *testing.T, invocationID string) *storage.Session {
	t.Helper()
	require.NoError(t, f.store.Open(context.Background(), invocationID))
	return storage.NewSession(f.store, invocationID, "acquisition", allNamespaces, nil)
}

func linearPrices(n int) *domain.Series {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := &domain.Series{}
	for i := range n {
		s.Points = append(s.Points, domain.Point{Time: start.AddDate(0, 0, i), Value: 100 + float64(i)})
	}
	return s
}

func TestFetchPricesPrimary(t *testing.T) {
	f := newFixture(t)
	f.static.WithPrices("AAPL", linearPrices(30))
	sess := f.session(t, "inv-1")

	sum, err := f.toolkit.FetchPrices(context.Background(), sess, "AAPL", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProvenancePrimary, sum.Provenance)
	assert.Equal(t, "prices:AAPL", sum.Key)
	assert.Equal(t, "30", sum.Facts["rows"])
	assert.Equal(t, "129.0000", sum.Facts["last_close"])

	series, err := sess.Series(context.Background(), sum.Key)
	require.NoError(t, err)
	assert.Equal(t, 30, series.Len())
	assert.Equal(t, "AAPL", series.Name)
	assert.Equal(t, 1, f.log.Count("inv-1", domain.AuditToolCall))
}

func TestFetchPricesFallsBackToCachedSnapshot(t *testing.T) {
	f := newFixture(t)
	f.static.WithPrices("AAPL", linearPrices(30))
	_, err := f.toolkit.FetchPrices(context.Background(), f.session(t, "inv-1"), "AAPL", 0)
	require.NoError(t, err)

	f.static.Fail("prices", errors.New("upstream down"))
	sess := f.session(t, "inv-2")
	sum, err := f.toolkit.FetchPrices(context.Background(), sess, "AAPL", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProvenanceCached, sum.Provenance)
	assert.True(t, sum.Degraded())
	assert.Equal(t, "30", sum.Facts["rows"])

	entries, err := f.log.Entries(context.Background(), "inv-2")
	require.NoError(t, err)
	calls := audit.Filter(entries, domain.AuditToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "cached", calls[0].Detail["provenance"])
	assert.Equal(t, "source error", calls[0].Detail["reason"])
}

func TestFetchPricesSentinelWhenNothingCached(t *testing.T) {
	f := newFixture(t)
	f.static.Fail("prices", errors.New("upstream down"))
	sess := f.session(t, "inv-1")

	sum, err := f.toolkit.FetchPrices(context.Background(), sess, "MSFT", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProvenanceSentinel, sum.Provenance)
	assert.Equal(t, "no price data available", sum.Text)

	series, err := sess.Series(context.Background(), "prices:MSFT")
	require.NoError(t, err)
	assert.Zero(t, series.Len())
}

func TestFetchPricesRejectsUnorderedCloses(t *testing.T) {
	f := newFixture(t)
	prices := linearPrices(3)
	prices.Points[2].Time = prices.Points[0].Time
	f.static.WithPrices("AAPL", prices)

	sum, err := f.toolkit.FetchPrices(context.Background(), f.session(t, "inv-1"), "AAPL", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProvenanceSentinel, sum.Provenance)
}

func TestFetchPricesOutsideContract(t *testing.T) {
	f := newFixture(t)
	f.static.WithPrices("AAPL", linearPrices(30))
	require.NoError(t, f.store.Open(context.Background(), "inv-1"))
	sess := storage.NewSession(f.store, "inv-1", "report", storage.Contract{Produces: []string{domain.NSReport}}, nil)

	_, err := f.toolkit.FetchPrices(context.Background(), sess, "AAPL", 0)
	require.ErrorIs(t, err, domain.ErrContractViolation)
}

func TestFetchNews(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.static.WithNews("AAPL",
		domain.NewsItem{ID: "n1", Title: "Beats estimates", Source: "wire", PublishedAt: now, Sentiment: 0.6},
		domain.NewsItem{ID: "n2", Title: "Supply worries", Source: "wire", PublishedAt: now, Sentiment: -0.2},
	)
	sess := f.session(t, "inv-1")

	sum, err := f.toolkit.FetchNews(context.Background(), sess, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.ProvenancePrimary, sum.Provenance)
	assert.Equal(t, "2", sum.Facts["items"])
	assert.Equal(t, "0.2000", sum.Facts["mean_sentiment"])

	records, err := sess.Records(context.Background(), "news:AAPL")
	require.NoError(t, err)
	mean, ok := MeanSentiment(records)
	require.True(t, ok)
	assert.InDelta(t, 0.2, mean, 1e-9)
	assert.Equal(t, "Beats estimates", records.Records[0].Attributes["title"])
}

func TestFetchNewsEmptyIsDegraded(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "inv-1")

	sum, err := f.toolkit.FetchNews(context.Background(), sess, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.ProvenanceSentinel, sum.Provenance)
	assert.Equal(t, "no headlines available", sum.Text)

	records, err := sess.Records(context.Background(), "news:AAPL")
	require.NoError(t, err)
	_, ok := MeanSentiment(records)
	assert.False(t, ok)
}

func TestComputeFactors(t *testing.T) {
	f := newFixture(t)
	f.static.WithPrices("AAPL", linearPrices(80))
	sess := f.session(t, "inv-1")
	ctx := context.Background()

	_, err := f.toolkit.FetchPrices(ctx, sess, "AAPL", 0)
	require.NoError(t, err)

	sum, factors, err := f.toolkit.ComputeFactors(ctx, sess, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "factors:AAPL", sum.Key)
	assert.InDelta(t, 179.0/159.0-1, factors[FactorMomentumShort], 1e-12)
	assert.InDelta(t, 179.0/119.0-1, factors[FactorMomentumLong], 1e-12)
	assert.Greater(t, factors[FactorTrend], 0.0)

	stored, err := sess.Summary(ctx, "factors:AAPL")
	require.NoError(t, err)
	assert.Equal(t, factors, FactorsFromSummary(stored))

	signal, err := sess.Series(ctx, "signal:AAPL")
	require.NoError(t, err)
	require.Equal(t, 80, signal.Len())
	assert.Zero(t, signal.Points[19].Value)
	assert.InDelta(t, 120.0/100.0-1, signal.Points[20].Value, 1e-12)
}

func TestComputeNeedsHistory(t *testing.T) {
	_, err := Compute(linearPrices(ShortWindow).Values())
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	f, err := Compute(linearPrices(ShortWindow + 1).Values())
	require.NoError(t, err)
	_, hasLong := f[FactorMomentumLong]
	assert.False(t, hasLong)
}

func TestStatistics(t *testing.T) {
	assert.Zero(t, Mean(nil))
	assert.InDelta(t, 2.5, Mean([]float64{1, 2, 3, 4}), 1e-12)
	assert.Zero(t, Volatility([]float64{1}))
	assert.InDelta(t, 1.2909944487, Volatility([]float64{1, 2, 3, 4}), 1e-9)
	assert.Zero(t, ZScore([]float64{2, 2, 2}, 5))
	assert.Zero(t, Momentum([]float64{1, 2}, 5))
}

func TestAnalyzeDocument(t *testing.T) {
	f := newFixture(t)
	f.static.WithExtraction("hb-12", map[string]any{
		"title":      "Housing Access Act",
		"sponsor":    "Rep. Diaz",
		"summary":    "Expands zoning flexibility",
		"topics":     []any{"housing", "zoning"},
		"provisions": []any{"Allow duplexes", "Cap permit fees"},
	})
	sess := f.session(t, "inv-1")
	doc := domain.Document{ID: "hb-12", Title: "HB 12", Text: "Be it enacted..."}

	sum, err := f.toolkit.AnalyzeDocument(context.Background(), sess, doc)
	require.NoError(t, err)
	assert.Equal(t, domain.ProvenancePrimary, sum.Provenance)
	assert.Equal(t, "2", sum.Facts["provisions"])
	assert.Equal(t, "Rep. Diaz", sum.Facts["sponsor"])

	records, err := sess.Records(context.Background(), "bill:hb-12")
	require.NoError(t, err)
	require.Len(t, records.Records, 3)
	assert.Equal(t, []string{"housing", "zoning"}, Topics(records))
	assert.Equal(t, "hb-12#2", records.Records[2].ID)
}

func TestAnalyzeDocumentSchemaViolationUsesSentinel(t *testing.T) {
	f := newFixture(t)
	f.static.WithExtraction("hb-12", map[string]any{"title": "Housing Access Act"})
	sess := f.session(t, "inv-1")

	sum, err := f.toolkit.AnalyzeDocument(context.Background(), sess,
		domain.Document{ID: "hb-12", Title: "HB 12", Text: "text"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProvenanceSentinel, sum.Provenance)
	assert.Equal(t, "HB 12", sum.Facts["title"])
	assert.Equal(t, "0", sum.Facts["provisions"])
}

func TestAnalyzeDocumentRequiresText(t *testing.T) {
	f := newFixture(t)
	_, err := f.toolkit.AnalyzeDocument(context.Background(), f.session(t, "inv-1"), domain.Document{ID: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestValidateExtraction(t *testing.T) {
	require.ErrorIs(t, ValidateExtraction(nil), domain.ErrEmptyResult)
	require.ErrorIs(t, ValidateExtraction(map[string]any{"title": "", "sponsor": "a", "summary": "b"}), domain.ErrInvalidInput)
	require.NoError(t, ValidateExtraction(map[string]any{"title": "t", "sponsor": "a", "summary": "b"}))
}

func TestLookupPolicy(t *testing.T) {
	f := newFixture(t)
	f.static.WithPolicies("housing", domain.PolicyRecord{ID: "p1", Topic: "housing", Position: "support", Source: "platform"})
	sess := f.session(t, "inv-1")

	sum, err := f.toolkit.LookupPolicy(context.Background(), sess, "housing")
	require.NoError(t, err)
	assert.Equal(t, "1", sum.Facts["records"])

	records, err := sess.Records(context.Background(), "policy:housing")
	require.NoError(t, err)
	assert.Equal(t, "support", records.Records[0].Attributes["position"])

	_, err = f.toolkit.LookupPolicy(context.Background(), sess, "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLookupMemory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, "inv-1")
	require.NoError(t, f.toolkit.Remember(ctx, sess, "AAPL", domain.Fact{Text: "momentum faded in March"}))

	sum, facts, err := f.toolkit.LookupMemory(ctx, sess, "AAPL")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Contains(t, sum.Text, "momentum faded in March")

	bare := New(Config{})
	sum, _, err = bare.LookupMemory(ctx, f.session(t, "inv-2"), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.ProvenanceNone, sum.Provenance)

	entries, err := f.log.Entries(ctx, "inv-1")
	require.NoError(t, err)
	var called []string
	for _, e := range audit.Filter(entries, domain.AuditToolCall) {
		called = append(called, e.Detail["tool"])
	}
	assert.Equal(t, []string{ToolMemoryStore, ToolMemory}, called)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	f.static.WithPrices("AAPL", linearPrices(10))
	sess := f.session(t, "inv-1")

	sum, err := f.toolkit.Dispatch(context.Background(), sess, domain.ToolCallRequest{
		Tool: ToolMarketData,
		Args: map[string]string{"subject": "AAPL", "periods": "5"},
	})
	require.NoError(t, err)
	assert.Equal(t, "5", sum.Facts["rows"])

	_, err = f.toolkit.Dispatch(context.Background(), sess, domain.ToolCallRequest{Tool: "shell"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSummaryString(t *testing.T) {
	s := Summary{Tool: "news", Key: "news:AAPL", Provenance: domain.ProvenanceCached, Text: "2 headlines",
		Facts: map[string]string{"items": "2", "b": "x"}}
	assert.Equal(t, "news [news:AAPL] (cached): 2 headlines b=x items=2", s.String())
}

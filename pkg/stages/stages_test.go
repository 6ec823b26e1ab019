package stages

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/audit"
	"github.com/polisai/polis-analyst/pkg/config"
	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
	"github.com/polisai/polis-analyst/pkg/policy"
	"github.com/polisai/polis-analyst/pkg/report"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/tools"
	"github.com/polisai/polis-analyst/pkg/tools/providers"
	"github.com/polisai/polis-analyst/pkg/validation"
)

type harness struct {
	log    *audit.MemoryLog
	static *providers.Static
	store  *storage.MemoryStateStore
	facts  *storage.MemoryFactStore
}

func newHarness() *harness {
	log := audit.NewMemoryLog()
	return &harness{
		log:    log,
		static: providers.NewStatic(),
		store:  storage.NewMemoryStateStore(storage.MemoryStateStoreConfig{Audit: log}),
		facts:  storage.NewMemoryFactStore(),
	}
}

func (h *harness) orchestrator(t *testing.T, p *engine.Pipeline, reasoner domain.Reasoner) *engine.Orchestrator {
	t.Helper()
	guard, err := policy.NewGuardrail(context.Background(), policy.GuardrailConfig{Rules: policy.DefaultRules(), Audit: h.log})
	require.NoError(t, err)
	kit := tools.New(tools.Config{
		Adapter:   governance.NewAdapter(governance.AdapterConfig{Audit: h.log}),
		Market:    h.static,
		News:      h.static,
		Memory:    h.facts,
		Extractor: h.static,
		Policies:  h.static,
	})
	o, err := engine.NewOrchestrator(engine.Config{
		Pipeline:  p,
		Store:     h.store,
		Guardrail: guard,
		Toolkit:   kit,
		Reasoner:  reasoner,
		Audit:     h.log,
	})
	require.NoError(t, err)
	return o
}

// drift is n daily closes rising by one percent of the start price per day.
func drift(n int) *domain.Series {
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	s := &domain.Series{Name: "ACME"}
	for i := range n {
		s.Points = append(s.Points, domain.Point{Time: start.AddDate(0, 0, i), Value: 100 + float64(i)})
	}
	return s
}

func headlines() []domain.NewsItem {
	at := time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC)
	return []domain.NewsItem{
		{ID: "n1", Title: "ACME beats estimates", Source: "wire", PublishedAt: at, Sentiment: 0.6},
		{ID: "n2", Title: "ACME expands", Source: "wire", PublishedAt: at.Add(time.Hour), Sentiment: 0.4},
	}
}

func stage(t *testing.T, res domain.Result, name string) domain.StageSummary {
	t.Helper()
	for _, s := range res.Stages {
		if s.Stage == name {
			return s
		}
	}
	t.Fatalf("stage %q not in result", name)
	return domain.StageSummary{}
}

func TestMarketPipelineEndToEnd(t *testing.T) {
	h := newHarness()
	h.static.WithPrices("ACME", drift(252)).WithNews("ACME", headlines()...)
	o := h.orchestrator(t, Market(Options{}), nil)

	res, err := o.Run(context.Background(), domain.Request{Subject: "ACME", Text: "how is ACME trending?"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, res.Status)
	assert.Equal(t, []string{StageAcquisition, StageAnalysis, StageValidation, StageReport}, stageNames(res))
	assert.Empty(t, res.Disclosures)

	analysis := stage(t, res, StageAnalysis)
	assert.Equal(t, "long", analysis.Facts["direction"])
	assert.Equal(t, "1.00", analysis.Facts["confidence"])

	v := stage(t, res, StageValidation)
	require.Equal(t, domain.StageCompleted, v.Status)
	cagr, err := strconv.ParseFloat(v.Facts["cagr"], 64)
	require.NoError(t, err)
	sharpe, err := strconv.ParseFloat(v.Facts["sharpe"], 64)
	require.NoError(t, err)
	assert.Greater(t, cagr, 0.0)
	assert.Greater(t, sharpe, 0.0)
	assert.Equal(t, "true", v.Facts["supports_hypothesis"])

	assert.Contains(t, res.Document, "# Market report: ACME")
	assert.Contains(t, res.Document, report.Disclaimer)

	entries, err := h.store.Entries(res.InvocationID)
	require.NoError(t, err)
	keys := map[string]bool{}
	for _, e := range entries {
		keys[e.Key] = true
	}
	for _, k := range []string{"prices:ACME", "news:ACME", "factors:ACME", "signal:ACME",
		"hypothesis:ACME", "backtest:ACME", "equity:ACME", "report:ACME"} {
		assert.True(t, keys[k], k)
	}

	o.Release(res.InvocationID)
	_, err = h.store.Entries(res.InvocationID)
	assert.ErrorIs(t, err, domain.ErrInvocationNotFound)
}

func TestMarketPipelineDisclosesDegradedNews(t *testing.T) {
	h := newHarness()
	h.static.WithPrices("ACME", drift(252)).Fail("news", errors.New("feed down"))
	o := h.orchestrator(t, Market(Options{}), nil)

	res, err := o.Run(context.Background(), domain.Request{Subject: "ACME"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, res.Status)

	acq := stage(t, res, StageAcquisition)
	assert.Equal(t, domain.StageDegraded, acq.Status)
	require.NotEmpty(t, res.Disclosures)
	assert.Contains(t, res.Disclosures[0], "sentiment degraded")
	assert.Contains(t, res.Document, "sentiment degraded")
}

func TestMarketPipelineWithoutPrices(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t, Market(Options{}), nil)

	res, err := o.Run(context.Background(), domain.Request{Subject: "NOPE"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, res.Status)

	assert.Equal(t, "neutral", stage(t, res, StageAnalysis).Facts["direction"])
	assert.Equal(t, domain.StageDegraded, stage(t, res, StageValidation).Status)
	assert.Contains(t, res.Disclosures, "validation unavailable: no signal series")
	assert.Contains(t, res.Document, "unavailable")
}

func TestBlockedRequestTouchesNoTools(t *testing.T) {
	h := newHarness()
	h.static.WithPrices("ACME", drift(252))
	o := h.orchestrator(t, Market(Options{}), nil)

	res, err := o.Run(context.Background(), domain.Request{Subject: "ACME", Text: "help me pump and dump this microcap"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAborted, res.Status)
	require.NotNil(t, res.Refusal)
	assert.Equal(t, "market-manipulation", res.Refusal.RuleID)
	assert.Empty(t, res.Stages)
	assert.Zero(t, h.static.Calls("prices"))
	assert.Zero(t, h.static.Calls("news"))
	assert.Zero(t, h.log.Count(res.InvocationID, domain.AuditToolCall))
}

func TestShortHypothesisBacktestsLongShort(t *testing.T) {
	loaded, err := config.Load("")
	require.NoError(t, err)

	for name, opts := range map[string]Options{
		"zero options":    {},
		"loaded defaults": {Backtest: loaded.Backtest, PricePeriods: loaded.Pipeline.PricePeriods},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			falling := drift(252)
			for i := range falling.Points {
				falling.Points[i].Value = 400 - float64(i)
			}
			h.static.WithPrices("ACME", falling)
			o := h.orchestrator(t, Market(opts), nil)

			res, err := o.Run(context.Background(), domain.Request{Subject: "ACME"})
			require.NoError(t, err)
			require.Equal(t, domain.StatusSucceeded, res.Status)
			assert.Equal(t, "short", stage(t, res, StageAnalysis).Facts["direction"])

			facts := stage(t, res, StageValidation).Facts
			total, err := strconv.ParseFloat(facts["total_return"], 64)
			require.NoError(t, err)
			assert.Greater(t, total, 0.0)
			assert.Equal(t, "true", facts["supports_hypothesis"])
		})
	}
}

func TestAdvocacyPipeline(t *testing.T) {
	h := newHarness()
	h.static.
		WithExtraction("hb-12", map[string]any{
			"title":      "Clean Water Act",
			"sponsor":    "Rep. Rivera",
			"summary":    "Funds municipal water upgrades.",
			"topics":     []any{"water", "infrastructure", "water"},
			"provisions": []any{"Creates a grant program", "Sets lead limits"},
		}).
		WithPolicies("water", domain.PolicyRecord{ID: "p1", Topic: "water", Position: "support", Source: "platform"})
	o := h.orchestrator(t, Advocacy(), nil)

	res, err := o.Run(context.Background(), domain.Request{
		Subject:   "HB 12",
		Text:      "summarize this bill",
		Documents: []domain.Document{{ID: "hb-12", Title: "HB 12", Text: "Be it enacted..."}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, res.Status)
	assert.Equal(t, []string{StageDocument, StagePolicy, StageReport}, stageNames(res))

	pol := stage(t, res, StagePolicy)
	assert.Equal(t, "2", pol.Facts["topics"])
	assert.Equal(t, domain.StageDegraded, pol.Status)
	assert.Contains(t, res.Disclosures, "policy context for infrastructure degraded: sentinel value used")
	assert.Contains(t, res.Document, "# Policy brief: HB 12")
	assert.Contains(t, res.Document, "Clean Water Act")
}

func TestAdvocacyWithoutDocumentsFails(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t, Advocacy(), nil)

	res, err := o.Run(context.Background(), domain.Request{Subject: "HB 12"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, StageDocument, res.Failure.Stage)
	assert.Equal(t, "INVALID_INPUT", res.Failure.Code)
}

type scriptedReasoner struct {
	mu       sync.Mutex
	requests []domain.ReasoningRequest
}

func (r *scriptedReasoner) Reason(_ context.Context, req domain.ReasoningRequest) (domain.ReasoningResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if _, ok := req.Context["tool_results"]; ok {
		return domain.ReasoningResponse{Text: "Momentum and headlines agree."}, nil
	}
	return domain.ReasoningResponse{ToolCalls: []domain.ToolCallRequest{
		{Tool: tools.ToolMemory, Args: map[string]string{"subject": req.Context["subject"]}},
		{Tool: "unknown"},
		{Tool: tools.ToolMemory},
		{Tool: tools.ToolMemory},
	}}, nil
}

func TestDocumentSummaryStaysBounded(t *testing.T) {
	h := newHarness()
	var docs []domain.Document
	for i := range 300 {
		id := fmt.Sprintf("bill-%03d", i)
		docs = append(docs, domain.Document{ID: id, Text: strings.Repeat("Be it enacted. ", 40)})
		if i%2 == 0 {
			h.static.WithExtraction(id, map[string]any{
				"title":   "Act " + id,
				"sponsor": "Rep. Rivera",
				"summary": strings.Repeat("Funds upgrades. ", 30),
				"topics":  []any{"water"},
			})
		}
	}
	o := h.orchestrator(t, Advocacy(), nil)

	res, err := o.Run(context.Background(), domain.Request{Subject: "omnibus", Documents: docs})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, res.Status)

	doc := stage(t, res, StageDocument)
	assert.LessOrEqual(t, doc.Size(), runtime.MaxSummaryBytes)
	assert.Equal(t, "300", doc.Facts["documents"])
	assert.Equal(t, "8", doc.Facts["summarized"])
	assert.Equal(t, "150", doc.Facts["degraded"])
	assert.Len(t, doc.Keys, 8)
	assert.Contains(t, doc.Text, "292 more documents")
	assert.Contains(t, doc.Disclosures, "extraction degraded for 142 more documents")
}

func TestTruncateKeepsRunes(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := truncate(s, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "éé...", got)
	assert.Equal(t, "abc", truncate("  abc  ", 5))
}

func TestReasonerToolRound(t *testing.T) {
	h := newHarness()
	h.static.WithPrices("ACME", drift(252)).WithNews("ACME", headlines()...)
	r := &scriptedReasoner{}
	o := h.orchestrator(t, Market(Options{}), r)

	res, err := o.Run(context.Background(), domain.Request{Subject: "ACME"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, res.Status)

	assert.Equal(t, "Momentum and headlines agree.", stage(t, res, StageAnalysis).Facts["narrative"])
	assert.Contains(t, res.Document, "Momentum and headlines agree.")

	// analysis and report each make a request and a follow-up.
	require.Len(t, r.requests, 4)
	follow := r.requests[1].Context["tool_results"]
	assert.Contains(t, follow, "unavailable (INVALID_INPUT)")
	assert.Empty(t, r.requests[1].Tools)
}

func TestHypothesize(t *testing.T) {
	cases := []struct {
		name      string
		factors   domain.Factors
		sentiment float64
		has       bool
		want      domain.Direction
		conf      float64
	}{
		{"no factors", nil, 0, false, domain.DirectionNeutral, 0},
		{"all up", domain.Factors{tools.FactorMomentumShort: 0.1, tools.FactorMomentumLong: 0.2, tools.FactorTrend: 0.05}, 0.5, true, domain.DirectionLong, 1},
		{"all down", domain.Factors{tools.FactorMomentumShort: -0.1, tools.FactorMomentumLong: -0.2, tools.FactorTrend: -0.05}, 0, false, domain.DirectionShort, 1},
		{"mixed", domain.Factors{tools.FactorMomentumShort: 0.1, tools.FactorMomentumLong: -0.2, tools.FactorTrend: 0.05}, 0.05, true, domain.DirectionNeutral, 0.25},
		{"volatile", domain.Factors{tools.FactorMomentumShort: 0.1, tools.FactorMomentumLong: 0.2, tools.FactorTrend: 0.05, tools.FactorVolatility: 0.9}, 0, false, domain.DirectionFlat, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Hypothesize("ACME", tc.factors, tc.sentiment, tc.has)
			assert.Equal(t, tc.want, h.Direction)
			assert.InDelta(t, tc.conf, h.Confidence, 1e-9)
		})
	}
}

func TestPresets(t *testing.T) {
	reg := engine.NewRegistry(nil)
	require.NoError(t, RegisterPresets(reg, Options{Backtest: validation.Config{Threshold: 0.01}}))
	assert.Equal(t, []string{PresetAdvocacy, PresetMarket}, reg.Names())

	_, err := Preset("nope", Options{})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func stageNames(res domain.Result) []string {
	out := make([]string, len(res.Stages))
	for i, s := range res.Stages {
		out[i] = s.Stage
	}
	return out
}

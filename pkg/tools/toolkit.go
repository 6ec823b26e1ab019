// Package tools exposes the operations stages use to gather and transform data.
//
// Tools that reach external sources go through the governance Adapter, so a
// failing source yields a degraded value with its provenance instead of an
// error. Heavy results are written to the State Store and only a short
// Summary travels back to the caller.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/storage"
)

// Source names used for breakers, rate limits, and timeouts.
const (
	SourceMarket    = "market"
	SourceNews      = "news"
	SourceExtractor = "extractor"
	SourcePolicy    = "policy"
	SourceMemory    = "memory"
)

// Tool names recorded in tool call records.
const (
	ToolMarketData      = "market_data"
	ToolNews            = "news"
	ToolFactors         = "factors"
	ToolMemory          = "memory_lookup"
	ToolMemoryStore     = "memory_store"
	ToolDocumentAnalyze = "document_analysis"
	ToolPolicyLookup    = "policy_lookup"
)

// Summary is the compact result a tool hands back.
type Summary struct {
	Tool       string
	Key        string
	Provenance domain.Provenance
	Text       string
	Facts      map[string]string
}

// Degraded reports whether the tool used a fallback.
func (s Summary) Degraded() bool {
	return s.Provenance.Degraded()
}

// String renders the summary as a single line, suitable for reasoning prompts.
func (s Summary) String() string {
	var b strings.Builder
	b.WriteString(s.Tool)
	if s.Key != "" {
		fmt.Fprintf(&b, " [%s]", s.Key)
	}
	if s.Provenance != "" {
		fmt.Fprintf(&b, " (%s)", s.Provenance)
	}
	if s.Text != "" {
		b.WriteString(": ")
		b.WriteString(s.Text)
	}
	keys := make([]string, 0, len(s.Facts))
	for k := range s.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, s.Facts[k])
	}
	return b.String()
}

// Config holds the collaborators a Toolkit may use. Nil collaborators make
// the corresponding tools return degraded sentinels.
type Config struct {
	Adapter   *governance.Adapter
	Market    domain.MarketDataProvider
	News      domain.NewsProvider
	Memory    domain.MemoryService
	Extractor domain.Extractor
	Policies  domain.PolicyRetriever
	Logger    *slog.Logger
	// PriceHistory is how many periods FetchPrices requests by default.
	PriceHistory int
	// NewsLimit caps how many headlines FetchNews requests.
	NewsLimit int
}

// Toolkit implements the tool layer.
type Toolkit struct {
	adapter      *governance.Adapter
	market       domain.MarketDataProvider
	news         domain.NewsProvider
	memory       domain.MemoryService
	extractor    domain.Extractor
	policies     domain.PolicyRetriever
	logger       *slog.Logger
	priceHistory int
	newsLimit    int
}

// New creates a Toolkit.
func New(cfg Config) *Toolkit {
	if cfg.Adapter == nil {
		cfg.Adapter = governance.NewAdapter(governance.AdapterConfig{Logger: cfg.Logger})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PriceHistory <= 0 {
		cfg.PriceHistory = 252
	}
	if cfg.NewsLimit <= 0 {
		cfg.NewsLimit = 20
	}
	return &Toolkit{
		adapter:      cfg.Adapter,
		market:       cfg.Market,
		news:         cfg.News,
		memory:       cfg.Memory,
		extractor:    cfg.Extractor,
		policies:     cfg.Policies,
		logger:       cfg.Logger,
		priceHistory: cfg.PriceHistory,
		newsLimit:    cfg.NewsLimit,
	}
}

// Names lists the tools a reasoning collaborator may request.
func (k *Toolkit) Names() []string {
	return []string{ToolMarketData, ToolNews, ToolFactors, ToolMemory, ToolPolicyLookup}
}

// Dispatch runs a tool requested by the reasoning collaborator.
func (k *Toolkit) Dispatch(ctx context.Context, sess *storage.Session, req domain.ToolCallRequest) (Summary, error) {
	subject := req.Args["subject"]
	switch req.Tool {
	case ToolMarketData:
		periods, _ := strconv.Atoi(req.Args["periods"])
		return k.FetchPrices(ctx, sess, subject, periods)
	case ToolNews:
		return k.FetchNews(ctx, sess, subject)
	case ToolFactors:
		s, _, err := k.ComputeFactors(ctx, sess, subject)
		return s, err
	case ToolMemory:
		s, _, err := k.LookupMemory(ctx, sess, subject)
		return s, err
	case ToolPolicyLookup:
		return k.LookupPolicy(ctx, sess, req.Args["topic"])
	default:
		return Summary{}, fmt.Errorf("%w: unknown tool %q", domain.ErrInvalidInput, req.Tool)
	}
}

func scope(sess *storage.Session) governance.Scope {
	return governance.Scope{InvocationID: sess.InvocationID(), Stage: sess.Stage()}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

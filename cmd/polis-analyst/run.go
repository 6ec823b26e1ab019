package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/audit"
	"github.com/polisai/polis-analyst/pkg/config"
	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine"
	"github.com/polisai/polis-analyst/pkg/logging"
	"github.com/polisai/polis-analyst/pkg/policy"
	"github.com/polisai/polis-analyst/pkg/reasoning"
	"github.com/polisai/polis-analyst/pkg/report"
	"github.com/polisai/polis-analyst/pkg/stages"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/telemetry"
	"github.com/polisai/polis-analyst/pkg/tools"
	"github.com/polisai/polis-analyst/pkg/tools/providers"
)

// exportStage names State Store reads made by the CLI after a run.
const exportStage = "export"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline for one request",
		RunE:  runPipeline,
	}
	f := cmd.Flags()
	f.String("subject", "", "Ticker or topic the request is about (required)")
	f.String("request", "", "Free-text request, screened by the guardrail")
	f.String("preset", "", "Pipeline preset (market, advocacy)")
	f.String("prices", "", "Directory of <subject>.csv price files")
	f.String("news", "", "Directory of <subject>.json headline files")
	f.String("policies", "", "YAML policy positions file")
	f.String("extraction", "", "Directory of <document>.json extraction results")
	f.StringSlice("document", nil, "Document file to review (repeatable)")
	f.String("rules", "", "Guardrail rule file replacing the defaults")
	f.String("export", "", "Write the backtest workbook (.xlsx) to this path")
	f.Bool("json", false, "Print the full result as JSON")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// runOptions are the run flags after merging with the config file.
type runOptions struct {
	cfg       *config.Config
	subject   string
	request   string
	documents []string
	export    string
	json      bool
}

func loadRunOptions(cmd *cobra.Command) (*runOptions, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"preset":       &cfg.Pipeline.Preset,
		"prices":       &cfg.Sources.PricesDir,
		"news":         &cfg.Sources.NewsDir,
		"policies":     &cfg.Sources.PoliciesFile,
		"extraction":   &cfg.Sources.ExtractionDir,
		"rules":        &cfg.Guardrail.RulesFile,
		"metrics-addr": &cfg.Telemetry.MetricsAddr,
	}
	for name, dst := range overrides {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty, _ = cmd.Flags().GetBool("pretty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &runOptions{cfg: cfg}
	opts.subject, _ = cmd.Flags().GetString("subject")
	opts.request, _ = cmd.Flags().GetString("request")
	opts.documents, _ = cmd.Flags().GetStringSlice("document")
	opts.export, _ = cmd.Flags().GetString("export")
	opts.json, _ = cmd.Flags().GetBool("json")
	return opts, nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	opts, err := loadRunOptions(cmd)
	if err != nil {
		return err
	}
	cfg := opts.cfg

	logger := logging.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if cfg.Telemetry.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.Telemetry.MetricsAddr, app.metrics, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	docs, err := readDocuments(opts.documents)
	if err != nil {
		return err
	}

	res, err := app.orchestrator.Run(ctx, domain.Request{
		Subject:   opts.subject,
		Text:      opts.request,
		Documents: docs,
	})
	if err != nil {
		return err
	}
	defer app.orchestrator.Release(res.InvocationID)

	if opts.export != "" && res.Status == domain.StatusSucceeded {
		if err := exportWorkbook(ctx, app.store, res.InvocationID, opts.subject, opts.export); err != nil {
			return err
		}
		logger.Info("Workbook written", "path", opts.export)
	}

	if err := printResult(cmd.OutOrStdout(), res, opts.json); err != nil {
		return err
	}
	if err := reportBreakers(cmd.OutOrStdout(), app.breakers.Stats(), !opts.json, logger); err != nil {
		return err
	}
	switch res.Status {
	case domain.StatusFailed:
		return fmt.Errorf("invocation %s failed: %s", res.InvocationID, res.Failure.Reason)
	case domain.StatusAborted:
		if res.Failure != nil {
			return fmt.Errorf("invocation %s aborted: %s", res.InvocationID, res.Failure.Reason)
		}
	}
	return nil
}

// app holds the wired components of one CLI process.
type app struct {
	orchestrator *engine.Orchestrator
	breakers     *governance.CircuitBreakerManager
	store        *storage.MemoryStateStore
	metrics      *telemetry.ToolMetrics
	closers      []func() error
	logger       *slog.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{metrics: telemetry.NewToolMetrics(), logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	memLog := audit.NewMemoryLog()
	var sink domain.AuditSink = memLog
	var memory domain.MemoryService = storage.NewMemoryFactStore()

	if cfg.Storage.AuditDB != "" {
		db, err := storage.OpenSQLite(cfg.Storage.AuditDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		durable, err := audit.NewSQLiteSink(ctx, db)
		if err != nil {
			return nil, err
		}
		sink = audit.NewTee(memLog, durable)
	}
	if cfg.Storage.MemoryDB != "" {
		db, err := storage.OpenSQLite(cfg.Storage.MemoryDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		memory = storage.NewSQLiteFactStore(db)
	}

	adapterCfg := cfg.Governance.NewAdapterConfig()
	adapterCfg.Audit = sink
	adapterCfg.Metrics = a.metrics
	adapterCfg.Logger = logger

	a.breakers = adapterCfg.Breakers
	toolCfg := tools.Config{
		Adapter:      governance.NewAdapter(adapterCfg),
		Memory:       memory,
		Logger:       logger,
		PriceHistory: cfg.Pipeline.PricePeriods,
		NewsLimit:    cfg.Pipeline.NewsLimit,
	}
	if err := wireSources(cfg.Sources, &toolCfg); err != nil {
		return nil, err
	}

	guard, err := newGuardrail(ctx, cfg.Guardrail, sink, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Guardrail.Watch {
		w, err := config.NewRuleWatcher(cfg.Guardrail.RulesFile, guard, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, w.Close)
	}

	var reasoner domain.Reasoner
	if cfg.Reasoner.Enabled {
		r, err := reasoning.NewAnthropic(reasoning.Config{
			APIKey:    cfg.Reasoner.APIKey,
			BaseURL:   cfg.Reasoner.BaseURL,
			Model:     cfg.Reasoner.Model,
			MaxTokens: cfg.Reasoner.MaxTokens,
			Timeout:   cfg.Reasoner.Timeout,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		reasoner = r
	}

	registry := engine.NewRegistry(logger)
	if err := stages.RegisterPresets(registry, stages.Options{
		Backtest:     cfg.Backtest,
		PricePeriods: cfg.Pipeline.PricePeriods,
	}); err != nil {
		return nil, err
	}
	pipeline, err := registry.Select(cfg.Pipeline.Preset)
	if err != nil {
		return nil, err
	}

	a.store = storage.NewMemoryStateStore(storage.MemoryStateStoreConfig{
		Schema: storage.DefaultSchema(),
		Audit:  sink,
		Logger: logger,
	})
	a.orchestrator, err = engine.NewOrchestrator(engine.Config{
		Pipeline:   pipeline,
		Store:      a.store,
		Guardrail:  guard,
		Toolkit:    tools.New(toolCfg),
		Reasoner:   reasoner,
		Audit:      sink,
		Logger:     logger,
		Redactions: cfg.Telemetry.Redactions,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func wireSources(src config.SourcesConfig, tc *tools.Config) error {
	switch {
	case src.HTTPBaseURL != "":
		p, err := providers.NewHTTPProvider(providers.HTTPConfig{BaseURL: src.HTTPBaseURL, APIKey: src.HTTPAPIKey})
		if err != nil {
			return err
		}
		tc.Market, tc.News = p, p
	default:
		if src.PricesDir != "" {
			tc.Market = providers.CSVPrices{Dir: src.PricesDir}
		}
		if src.NewsDir != "" {
			tc.News = providers.JSONNews{Dir: src.NewsDir}
		}
	}
	if src.PoliciesFile != "" {
		p, err := providers.LoadYAMLPolicies(src.PoliciesFile)
		if err != nil {
			return err
		}
		tc.Policies = p
	}
	if src.ExtractionDir != "" {
		tc.Extractor = providers.JSONExtractor{Dir: src.ExtractionDir}
	}
	return nil
}

func newGuardrail(ctx context.Context, cfg config.GuardrailConfig, sink domain.AuditSink, logger *slog.Logger) (*policy.Guardrail, error) {
	rules := policy.DefaultRules()
	if cfg.RulesFile != "" {
		rf, err := policy.LoadRuleFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = rf
	}
	return policy.NewGuardrail(ctx, policy.GuardrailConfig{Rules: rules, Audit: sink, Logger: logger})
}

// readDocuments loads document files; the id is the file name without extension.
func readDocuments(paths []string) ([]domain.Document, error) {
	docs := make([]domain.Document, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		base := filepath.Base(p)
		id := strings.TrimSuffix(base, filepath.Ext(base))
		docs = append(docs, domain.Document{ID: id, Title: id, Text: string(raw)})
	}
	return docs, nil
}

func exportWorkbook(ctx context.Context, store storage.StateStore, invocationID, subject, path string) error {
	bt, err := store.Get(ctx, invocationID, exportStage, domain.Key(domain.NSBacktest, subject))
	if errors.Is(err, domain.ErrKeyNotFound) {
		return fmt.Errorf("no backtest to export for %s", subject)
	}
	if err != nil {
		return err
	}
	eq, err := store.Get(ctx, invocationID, exportStage, domain.Key(domain.NSEquity, subject))
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create workbook: %w", err)
	}
	defer f.Close()
	summary, _ := bt.(*domain.ScalarSummary)
	equity, _ := eq.(*domain.Series)
	if err := report.WriteWorkbook(f, subject, summary, equity); err != nil {
		return err
	}
	return f.Close()
}

func printResult(w io.Writer, res domain.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	switch {
	case res.Refusal != nil:
		_, err := fmt.Fprintf(w, "Request refused (%s): %s\n", res.Refusal.Category, res.Refusal.Reason)
		return err
	case res.Status == domain.StatusSucceeded:
		_, err := fmt.Fprintln(w, res.Document)
		return err
	default:
		if res.LastSuccessful != nil {
			if _, err := fmt.Fprintf(w, "Last completed stage %s: %s\n", res.LastSuccessful.Stage, res.LastSuccessful.Text); err != nil {
				return err
			}
		}
		return nil
	}
}

// reportBreakers logs every source breaker and, for text output, lists the
// sources that failed during the run.
func reportBreakers(w io.Writer, stats map[string]governance.CircuitBreakerStats, text bool, logger *slog.Logger) error {
	sources := make([]string, 0, len(stats))
	for source := range stats {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		st := stats[source]
		logger.Info("Source breaker", "source", source, "state", st.State,
			"failures", st.Failures, "successes", st.Successes, "consecutive_failures", st.ConsecutiveFailures)
		if !text || st.Failures == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "source %s: %s, %d failures, %d successes\n", source, st.State, st.Failures, st.Successes); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(addr string, m *telemetry.ToolMetrics, logger *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind metrics listener: %w", err)
	}
	logger.Info("Metrics listening", "addr", listener.Addr().String())
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv, nil
}

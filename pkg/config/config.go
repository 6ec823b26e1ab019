// Package config provides configuration structures and loading logic for the analyst.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/logging"
	"github.com/polisai/polis-analyst/pkg/validation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLIS_"

// Config holds the analyst configuration.
type Config struct {
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Backtest   validation.Config `yaml:"backtest"`
	Governance GovernanceConfig  `yaml:"governance"`
	Guardrail  GuardrailConfig   `yaml:"guardrail"`
	Sources    SourcesConfig     `yaml:"sources"`
	Reasoner   ReasonerConfig    `yaml:"reasoner"`
	Storage    StorageConfig     `yaml:"storage"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Logging    logging.Config    `yaml:"logging"`
}

// PipelineConfig selects the preset and its sizing.
type PipelineConfig struct {
	Preset       string `yaml:"preset"`
	PricePeriods int    `yaml:"price_periods"`
	NewsLimit    int    `yaml:"news_limit"`
}

// BreakerConfig mirrors governance.CircuitBreakerConfig for YAML.
type BreakerConfig struct {
	MaxFailures    int           `yaml:"max_failures"`
	Cooldown       time.Duration `yaml:"cooldown"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

// GovernanceConfig configures the tool adapter.
type GovernanceConfig struct {
	Breaker    BreakerConfig                           `yaml:"breaker"`
	Timeout    time.Duration                           `yaml:"timeout"`
	Timeouts   map[string]time.Duration                `yaml:"timeouts"`
	RateLimits map[string]governance.RateLimiterConfig `yaml:"rate_limits"`
}

// GuardrailConfig points at an optional rule file.
type GuardrailConfig struct {
	RulesFile string `yaml:"rules_file"`
	// Watch reloads the rule file when it changes.
	Watch bool `yaml:"watch"`
}

// SourcesConfig selects the external collaborators. A non-empty HTTP base URL
// takes precedence over the file sources for prices and news.
type SourcesConfig struct {
	HTTPBaseURL   string `yaml:"http_base_url"`
	HTTPAPIKey    string `yaml:"http_api_key"`
	PricesDir     string `yaml:"prices_dir"`
	NewsDir       string `yaml:"news_dir"`
	PoliciesFile  string `yaml:"policies_file"`
	ExtractionDir string `yaml:"extraction_dir"`
}

// ReasonerConfig configures the optional reasoning collaborator.
type ReasonerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	MaxTokens int64         `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StorageConfig holds the durable store locations. Empty paths keep
// everything in memory.
type StorageConfig struct {
	AuditDB  string `yaml:"audit_db"`
	MemoryDB string `yaml:"memory_db"`
}

// TelemetryConfig holds configuration for OpenTelemetry and Prometheus.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	MetricsAddr  string            `yaml:"metrics_addr"`
	Redactions   map[string]string `yaml:"redactions"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cb := governance.DefaultCircuitBreakerConfig()
	return &Config{
		Pipeline: PipelineConfig{Preset: "market", PricePeriods: 252, NewsLimit: 20},
		Backtest: validation.Config{}.WithDefaults(),
		Governance: GovernanceConfig{
			Breaker: BreakerConfig{
				MaxFailures:    cb.MaxFailures,
				Cooldown:       cb.Cooldown,
				HalfOpenProbes: cb.HalfOpenProbes,
			},
			Timeout: governance.DefaultCallTimeout,
		},
		Logging: logging.Config{Level: "info"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigInvalid, path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"PRESET":          &cfg.Pipeline.Preset,
		"RULES_FILE":      &cfg.Guardrail.RulesFile,
		"HTTP_BASE_URL":   &cfg.Sources.HTTPBaseURL,
		"HTTP_API_KEY":    &cfg.Sources.HTTPAPIKey,
		"PRICES_DIR":      &cfg.Sources.PricesDir,
		"NEWS_DIR":        &cfg.Sources.NewsDir,
		"POLICIES_FILE":   &cfg.Sources.PoliciesFile,
		"EXTRACTION_DIR":  &cfg.Sources.ExtractionDir,
		"REASONER_MODEL":  &cfg.Reasoner.Model,
		"REASONER_URL":    &cfg.Reasoner.BaseURL,
		"AUDIT_DB":        &cfg.Storage.AuditDB,
		"MEMORY_DB":       &cfg.Storage.MemoryDB,
		"OTLP_ENDPOINT":   &cfg.Telemetry.OTLPEndpoint,
		"METRICS_ADDR":    &cfg.Telemetry.MetricsAddr,
		"LOG_LEVEL":       &cfg.Logging.Level,
		"BACKTEST_RULE":   (*string)(&cfg.Backtest.Rule),
		"REASONER_APIKEY": &cfg.Reasoner.APIKey,
	}
	for name, dst := range str {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	// The conventional SDK variable also enables the reasoner key.
	if cfg.Reasoner.APIKey == "" {
		cfg.Reasoner.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if val := os.Getenv(EnvPrefix + "PRICE_PERIODS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %sPRICE_PERIODS=%q", domain.ErrConfigInvalid, EnvPrefix, val)
		}
		cfg.Pipeline.PricePeriods = n
	}
	if val := os.Getenv(EnvPrefix + "BACKTEST_THRESHOLD"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("%w: %sBACKTEST_THRESHOLD=%q", domain.ErrConfigInvalid, EnvPrefix, val)
		}
		cfg.Backtest.Threshold = f
	}
	if val := os.Getenv(EnvPrefix + "REASONER_ENABLED"); val != "" {
		cfg.Reasoner.Enabled = val == "true"
	}
	if val := os.Getenv(EnvPrefix + "OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv(EnvPrefix + "GUARDRAIL_WATCH"); val == "true" {
		cfg.Guardrail.Watch = true
	}
	return nil
}

// Validate performs validation of the entire configuration, normalising
// fields where a default applies.
func (c *Config) Validate() error {
	switch c.Pipeline.Preset {
	case "":
		c.Pipeline.Preset = "market"
	case "market", "advocacy":
	default:
		return fmt.Errorf("%w: unknown preset %q", domain.ErrConfigInvalid, c.Pipeline.Preset)
	}
	if c.Pipeline.PricePeriods < 0 || c.Pipeline.NewsLimit < 0 {
		return fmt.Errorf("%w: price_periods and news_limit must not be negative", domain.ErrConfigInvalid)
	}

	c.Backtest = c.Backtest.WithDefaults()
	if err := c.Backtest.Validate(); err != nil {
		return fmt.Errorf("backtest configuration: %w", err)
	}

	if err := c.Governance.Validate(); err != nil {
		return fmt.Errorf("governance configuration: %w", err)
	}

	if c.Guardrail.Watch && c.Guardrail.RulesFile == "" {
		return fmt.Errorf("%w: guardrail.watch needs guardrail.rules_file", domain.ErrConfigInvalid)
	}

	if c.Reasoner.Enabled && c.Reasoner.APIKey == "" {
		return fmt.Errorf("%w: reasoner enabled without an api key", domain.ErrConfigInvalid)
	}

	for key, strategy := range c.Telemetry.Redactions {
		switch strategy {
		case "drop", "mask", "hash", "redact":
		default:
			return fmt.Errorf("%w: redaction %q for %q", domain.ErrConfigInvalid, strategy, key)
		}
	}

	level := strings.TrimSpace(strings.ToLower(c.Logging.Level))
	switch level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
		c.Logging.Level = level
	default:
		return fmt.Errorf("%w: invalid log level %q, supported levels: debug, info, warn, error",
			domain.ErrConfigInvalid, c.Logging.Level)
	}
	return nil
}

// Validate checks breaker and timeout settings.
func (g *GovernanceConfig) Validate() error {
	if g.Breaker.MaxFailures <= 0 || g.Breaker.HalfOpenProbes <= 0 || g.Breaker.Cooldown <= 0 {
		return fmt.Errorf("%w: breaker needs positive max_failures, half_open_probes, and cooldown", domain.ErrConfigInvalid)
	}
	if g.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", domain.ErrConfigInvalid)
	}
	for src, rl := range g.RateLimits {
		if rl.RequestsPerSecond <= 0 {
			return fmt.Errorf("%w: rate limit for %q must be positive", domain.ErrConfigInvalid, src)
		}
	}
	return nil
}

// NewAdapterConfig builds the adapter dependencies described by g. The
// caller fills Audit, Metrics, and Logger.
func (g GovernanceConfig) NewAdapterConfig(opts ...governance.ManagerOption) governance.AdapterConfig {
	opts = append([]governance.ManagerOption{governance.WithDefaults(governance.CircuitBreakerConfig{
		MaxFailures:    g.Breaker.MaxFailures,
		Cooldown:       g.Breaker.Cooldown,
		HalfOpenProbes: g.Breaker.HalfOpenProbes,
	})}, opts...)
	timeouts := governance.NewTimeoutManager(g.Timeout)
	for src, d := range g.Timeouts {
		timeouts.Configure(src, d)
	}
	return governance.AdapterConfig{
		Breakers: governance.NewCircuitBreakerManager(opts...),
		Limiter:  governance.NewRateLimiter(g.RateLimits),
		Timeouts: timeouts,
	}
}

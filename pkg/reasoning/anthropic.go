// Package reasoning provides the natural-language reasoning collaborator
// backed by the Anthropic Messages API.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/tools"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-3-5-haiku-latest"

const defaultSystem = "You assist a market and policy research pipeline. " +
	"Be factual and neutral, never recommend trades or allocations, and keep answers short."

// Config configures the Anthropic reasoner.
type Config struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	MaxTokens int64         `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	System    string        `yaml:"system"`
	Logger    *slog.Logger  `yaml:"-"`
}

// Anthropic implements domain.Reasoner.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	system    string
	logger    *slog.Logger
}

// NewAnthropic creates a reasoner. An API key is required.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: reasoner api key is empty", domain.ErrConfigInvalid)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.System == "" {
		cfg.System = defaultSystem
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		system:    cfg.System,
		logger:    cfg.Logger,
	}, nil
}

// Reason sends one message and converts the reply.
func (a *Anthropic) Reason(ctx context.Context, req domain.ReasoningRequest) (domain.ReasoningResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: a.system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userText(req))),
		},
	}
	if len(req.Tools) > 0 {
		params.Tools = toolParams(req.Tools)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return domain.ReasoningResponse{}, fmt.Errorf("%w: reasoner: %w", domain.ErrExternalSourceDegraded, err)
	}
	a.logger.Debug("reasoner replied",
		"stage", req.Stage,
		"stop_reason", string(msg.StopReason),
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)
	return fromMessage(msg, req.Tools), nil
}

func userText(req domain.ReasoningRequest) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if len(req.Context) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("\n\nContext:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, req.Context[k])
	}
	return b.String()
}

var toolDescriptions = map[string]string{
	tools.ToolMarketData:   "Fetch daily closing prices for a subject.",
	tools.ToolNews:         "Fetch recent headlines with sentiment for a subject.",
	tools.ToolFactors:      "Compute momentum, volatility, and trend factors for a subject.",
	tools.ToolMemory:       "Look up facts remembered about a subject from earlier runs.",
	tools.ToolPolicyLookup: "Look up policy positions for a topic.",
}

func toolParams(names []string) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(names))
	for _, name := range names {
		arg := "subject"
		if name == tools.ToolPolicyLookup {
			arg = "topic"
		}
		tool := anthropic.ToolParam{
			Name: name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{arg: map[string]any{"type": "string"}},
				Required:   []string{arg},
			},
		}
		if d, ok := toolDescriptions[name]; ok {
			tool.Description = anthropic.String(d)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

// fromMessage keeps text blocks and tool_use blocks naming an offered tool.
func fromMessage(msg *anthropic.Message, offered []string) domain.ReasoningResponse {
	allowed := make(map[string]bool, len(offered))
	for _, n := range offered {
		allowed[n] = true
	}

	var resp domain.ReasoningResponse
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			if !allowed[block.Name] {
				continue
			}
			resp.ToolCalls = append(resp.ToolCalls, domain.ToolCallRequest{
				Tool: block.Name,
				Args: stringArgs(block.Input),
			})
		}
	}
	resp.Text = strings.TrimSpace(strings.Join(text, "\n"))
	return resp
}

func stringArgs(raw json.RawMessage) map[string]string {
	var input map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &input)
	}
	out := make(map[string]string, len(input))
	for k, v := range input {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

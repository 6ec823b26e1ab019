package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// GuardrailConfig holds dependencies for NewGuardrail.
type GuardrailConfig struct {
	Rules  RuleFile
	Audit  domain.AuditSink
	Logger *slog.Logger
}

// Guardrail evaluates raw requests against the rule table.
type Guardrail struct {
	rules  atomic.Pointer[[]compiledRule]
	audit  domain.AuditSink
	logger *slog.Logger
}

// NewGuardrail compiles the rule table. An empty table allows everything.
func NewGuardrail(ctx context.Context, cfg GuardrailConfig) (*Guardrail, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &Guardrail{audit: cfg.Audit, logger: cfg.Logger}
	if err := g.Swap(ctx, cfg.Rules); err != nil {
		return nil, err
	}
	return g, nil
}

// Swap atomically replaces the rule table. On error the previous table stays active.
func (g *Guardrail) Swap(ctx context.Context, rf RuleFile) error {
	compiled, err := compileRules(ctx, rf)
	if err != nil {
		return err
	}
	g.rules.Store(&compiled)
	g.logger.Info("guardrail rules loaded", "rules", len(compiled))
	return nil
}

// Rules returns the active rule rows.
func (g *Guardrail) Rules() []Rule {
	active := *g.rules.Load()
	out := make([]Rule, len(active))
	for i, r := range active {
		out[i] = r.Rule
	}
	return out
}

// Evaluate returns the decision of the first matching rule, or allow.
// A predicate that fails to evaluate counts as a match for block rules and
// is skipped otherwise. Every decision is appended to the audit log.
func (g *Guardrail) Evaluate(ctx context.Context, invocationID, text string) domain.GuardrailDecision {
	in := NewInput(text)
	sum := sha256.Sum256([]byte(text))
	decision := domain.GuardrailDecision{
		Action:      domain.GuardrailAllow,
		InputDigest: hex.EncodeToString(sum[:]),
	}

	for _, r := range *g.rules.Load() {
		matched, err := r.matcher.Match(ctx, in)
		if err != nil {
			g.logger.Error("guardrail predicate failed", "rule_id", r.ID, "invocation_id", invocationID, "error", err)
			if r.Action != domain.GuardrailBlock {
				continue
			}
			matched = true
		}
		if !matched {
			continue
		}
		decision.RuleID = r.ID
		decision.Category = r.Category
		decision.Action = r.Action
		decision.Reason = r.Reason
		if decision.Reason == "" {
			decision.Reason = "matched guardrail rule " + r.ID
		}
		break
	}

	g.record(ctx, invocationID, decision)
	return decision
}

func (g *Guardrail) record(ctx context.Context, invocationID string, d domain.GuardrailDecision) {
	g.logger.Info("guardrail decision",
		"invocation_id", invocationID,
		"action", d.Action,
		"rule_id", d.RuleID,
		"category", d.Category,
	)
	if g.audit == nil || invocationID == "" {
		return
	}
	detail := map[string]string{
		"action":       string(d.Action),
		"input_digest": d.InputDigest,
	}
	if d.RuleID != "" {
		detail["rule_id"] = d.RuleID
		detail["category"] = d.Category
	}
	if err := g.audit.Append(ctx, domain.AuditEntry{
		InvocationID: invocationID,
		Kind:         domain.AuditGuardrailDecision,
		Detail:       detail,
	}); err != nil {
		g.logger.Warn("guardrail audit append failed", "invocation_id", invocationID, "error", err)
	}
}

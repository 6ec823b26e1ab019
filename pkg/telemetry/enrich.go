package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// RecordGuardrailDecision annotates the span with the guardrail outcome.
// The matched text never reaches the span; only the input digest does.
func RecordGuardrailDecision(span trace.Span, d domain.GuardrailDecision) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("guardrail.action", string(d.Action)),
	}
	if d.RuleID != "" {
		attrs = append(attrs,
			attribute.String("guardrail.rule_id", d.RuleID),
			attribute.String("guardrail.category", d.Category),
		)
	}
	if d.InputDigest != "" {
		attrs = append(attrs, attribute.String("guardrail.input_digest", d.InputDigest))
	}
	span.SetAttributes(attrs...)

	if d.Action == domain.GuardrailBlock {
		span.AddEvent("guardrail.blocked", trace.WithAttributes(attribute.String("guardrail.reason", d.Reason)))
	}
}

// RecordStageSummary attaches the coarse stage outcome to a stage span.
func RecordStageSummary(span trace.Span, s domain.StageSummary) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("stage.status", string(s.Status)),
		attribute.Int("stage.summary_bytes", s.Size()),
		attribute.Int("stage.keys", len(s.Keys)),
	)
	if len(s.Disclosures) > 0 {
		span.AddEvent("stage.degraded", trace.WithAttributes(attribute.StringSlice("stage.disclosures", s.Disclosures)))
	}
}

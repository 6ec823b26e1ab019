package domain

import (
	"context"
	"time"
)

// AuditKind classifies audit entries.
type AuditKind string

const (
	AuditInvocationStart   AuditKind = "invocation.start"
	AuditInvocationEnd     AuditKind = "invocation.end"
	AuditGuardrailDecision AuditKind = "guardrail.decision"
	AuditStageStart        AuditKind = "stage.start"
	AuditStageComplete     AuditKind = "stage.complete"
	AuditStageFailed       AuditKind = "stage.failed"
	AuditStatePut          AuditKind = "state.put"
	AuditStateGet          AuditKind = "state.get"
	AuditStateMiss         AuditKind = "state.miss"
	AuditStateReject       AuditKind = "state.reject"
	AuditToolCall          AuditKind = "tool.call"
	AuditBreakerTransition AuditKind = "breaker.transition"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	InvocationID string            `json:"invocation_id"`
	Seq          int64             `json:"seq"`
	Timestamp    time.Time         `json:"timestamp"`
	Kind         AuditKind         `json:"kind"`
	Stage        string            `json:"stage,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
}

// AuditSink accepts audit entries. Implementations must be safe for concurrent use.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

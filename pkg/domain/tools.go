package domain

import "time"

// CallOutcome classifies how a resilient tool call resolved.
type CallOutcome string

const (
	OutcomePrimarySuccess CallOutcome = "primary-success"
	OutcomeFallbackUsed   CallOutcome = "fallback-used"
	OutcomeFailed         CallOutcome = "failed"
)

// Provenance states where a tool value came from.
type Provenance string

const (
	// ProvenancePrimary means the live source answered.
	ProvenancePrimary Provenance = "primary"
	// ProvenanceCached means the last good value for the same call was reused.
	ProvenanceCached Provenance = "cached"
	// ProvenanceSentinel means a fixed placeholder value was substituted.
	ProvenanceSentinel Provenance = "sentinel"
	// ProvenanceNone means no value is available.
	ProvenanceNone Provenance = "none"
)

// Degraded reports whether the value did not come from the live source.
func (p Provenance) Degraded() bool {
	return p != ProvenancePrimary
}

// ToolCallRecord is the immutable audit record of one external tool call.
type ToolCallRecord struct {
	InvocationID string        `json:"invocation_id"`
	Tool         string        `json:"tool"`
	Source       string        `json:"source"`
	ArgsDigest   string        `json:"args_digest"`
	Outcome      CallOutcome   `json:"outcome"`
	Provenance   Provenance    `json:"provenance"`
	BreakerState string        `json:"breaker_state"`
	Reason       string        `json:"reason,omitempty"`
	Duration     time.Duration `json:"duration"`
	Timestamp    time.Time     `json:"timestamp"`
}

package domain

// GuardrailAction is the verdict of a guardrail rule.
type GuardrailAction string

const (
	GuardrailAllow GuardrailAction = "allow"
	GuardrailWarn  GuardrailAction = "warn"
	GuardrailBlock GuardrailAction = "block"
)

// Valid reports whether the action is one of the known verdicts.
func (a GuardrailAction) Valid() bool {
	switch a {
	case GuardrailAllow, GuardrailWarn, GuardrailBlock:
		return true
	}
	return false
}

// GuardrailDecision records the outcome of evaluating a request against the rule table.
type GuardrailDecision struct {
	RuleID      string          `json:"rule_id,omitempty"`
	Category    string          `json:"category,omitempty"`
	Action      GuardrailAction `json:"action"`
	Reason      string          `json:"reason,omitempty"`
	InputDigest string          `json:"input_digest"`
}

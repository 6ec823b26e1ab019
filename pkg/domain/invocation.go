package domain

import "time"

// InvocationStatus is the terminal status of an invocation.
type InvocationStatus string

const (
	StatusSucceeded InvocationStatus = "succeeded"
	StatusAborted   InvocationStatus = "aborted"
	StatusFailed    InvocationStatus = "failed"
)

// InvocationState tracks the orchestrator state machine:
// INIT → STAGE[0] … STAGE[n-1] → DONE, with terminal ABORTED and FAILED.
type InvocationState string

const (
	StateInit    InvocationState = "init"
	StateRunning InvocationState = "running"
	StateDone    InvocationState = "done"
	StateAborted InvocationState = "aborted"
	StateFailed  InvocationState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s InvocationState) Terminal() bool {
	return s == StateDone || s == StateAborted || s == StateFailed
}

// Document is an input document handed to the pipeline (for example a bill text).
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// Request is the raw user request that starts an invocation.
type Request struct {
	Subject   string            `json:"subject"`
	Text      string            `json:"text"`
	Documents []Document        `json:"documents,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StageStatus classifies a single stage run.
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageDegraded  StageStatus = "degraded"
	StageFailed    StageStatus = "failed"
)

// StageSummary is the small hand-off a stage returns to the orchestrator.
// It references State Store keys instead of carrying payloads.
type StageSummary struct {
	Stage       string            `json:"stage"`
	Status      StageStatus       `json:"status"`
	Keys        []string          `json:"keys,omitempty"`
	Text        string            `json:"text,omitempty"`
	Facts       map[string]string `json:"facts,omitempty"`
	Disclosures []string          `json:"disclosures,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// Size approximates the encoded size of the summary in bytes.
func (s StageSummary) Size() int {
	n := len(s.Stage) + len(s.Text)
	for _, k := range s.Keys {
		n += len(k)
	}
	for k, v := range s.Facts {
		n += len(k) + len(v)
	}
	for _, d := range s.Disclosures {
		n += len(d)
	}
	return n
}

// Refusal explains a guardrail block.
type Refusal struct {
	RuleID   string `json:"rule_id"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// Failure is the sanitized description of a failed invocation.
type Failure struct {
	Stage  string `json:"stage,omitempty"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Result is the lightweight output of an invocation.
type Result struct {
	InvocationID   string            `json:"invocation_id"`
	Status         InvocationStatus  `json:"status"`
	Document       string            `json:"document,omitempty"`
	Stages         []StageSummary    `json:"stages"`
	LastSuccessful *StageSummary     `json:"last_successful,omitempty"`
	Disclosures    []string          `json:"disclosures,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	Refusal        *Refusal          `json:"refusal,omitempty"`
	Failure        *Failure          `json:"failure,omitempty"`
	Guardrail      GuardrailDecision `json:"guardrail"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

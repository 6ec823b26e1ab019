// Package runtime defines the contract shared by the orchestrator and the
// stages it runs, keeping stage logic decoupled from execution mechanics.
package runtime

import (
	"context"
	"log/slog"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/tools"
)

// MaxSummaryBytes bounds the summary a stage may hand to later stages.
const MaxSummaryBytes = 4096

// Stage is one step of a pipeline.
type Stage interface {
	Name() string
	// Contract declares the key namespaces the stage writes and reads.
	Contract() storage.Contract
	Run(ctx context.Context, sc *StageContext) (domain.StageSummary, error)
}

// StageContext is everything a stage may touch. Earlier stages are visible
// only through their summaries and the State Store.
type StageContext struct {
	InvocationID string
	Pipeline     string
	Request      domain.Request
	Session      *storage.Session
	Toolkit      *tools.Toolkit
	Reasoner     domain.Reasoner
	Audit        domain.AuditSink
	Logger       *slog.Logger
	Previous     []domain.StageSummary
	// Warnings are guardrail warnings raised for this request.
	Warnings []string
}

// PreviousSummary returns the summary of an earlier stage by name.
func (sc *StageContext) PreviousSummary(stage string) (domain.StageSummary, bool) {
	for _, s := range sc.Previous {
		if s.Stage == stage {
			return s, true
		}
	}
	return domain.StageSummary{}, false
}

// Disclosures collects the disclosure lines of all earlier stages.
func (sc *StageContext) Disclosures() []string {
	var out []string
	for _, s := range sc.Previous {
		out = append(out, s.Disclosures...)
	}
	return out
}

// Completed constructs a completed summary; it becomes degraded as soon as a
// disclosure is added.
func Completed(stage, text string, keys ...string) domain.StageSummary {
	return domain.StageSummary{Stage: stage, Status: domain.StageCompleted, Text: text, Keys: keys}
}

// Disclose records a degraded-data disclosure on the summary.
func Disclose(s *domain.StageSummary, line string) {
	s.Disclosures = append(s.Disclosures, line)
	s.Status = domain.StageDegraded
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName     string
	StageContract storage.Contract
	Fn            func(ctx context.Context, sc *StageContext) (domain.StageSummary, error)
}

func (f StageFunc) Name() string               { return f.StageName }
func (f StageFunc) Contract() storage.Contract { return f.StageContract }

func (f StageFunc) Run(ctx context.Context, sc *StageContext) (domain.StageSummary, error) {
	return f.Fn(ctx, sc)
}

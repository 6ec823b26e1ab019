package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/storage"
)

// maxMemoryFacts caps how many facts are echoed back in a summary.
const maxMemoryFacts = 5

// LookupMemory returns stored facts about a subject. The memory service is
// reached through the adapter; a failed lookup yields no facts and a degraded
// provenance.
func (k *Toolkit) LookupMemory(ctx context.Context, sess *storage.Session, subject string) (Summary, []domain.Fact, error) {
	sum := Summary{Tool: ToolMemory, Provenance: domain.ProvenancePrimary}
	if k.memory == nil {
		sum.Provenance = domain.ProvenanceNone
		sum.Text = "memory unavailable"
		return sum, nil, nil
	}

	none := []domain.Fact{}
	res := governance.Execute(ctx, k.adapter, scope(sess), governance.Call[[]domain.Fact]{
		Tool:   ToolMemory,
		Source: SourceMemory,
		Args:   map[string]string{"subject": subject},
		Primary: func(ctx context.Context) ([]domain.Fact, error) {
			return k.memory.Retrieve(ctx, subject)
		},
		Sentinel: &none,
		NoCache:  true,
	})
	if res.Degraded() {
		sum.Provenance = res.Provenance
		sum.Text = "memory unavailable"
		return sum, nil, nil
	}

	facts := res.Value
	shown := facts
	if len(shown) > maxMemoryFacts {
		shown = shown[len(shown)-maxMemoryFacts:]
	}
	texts := make([]string, len(shown))
	for i, f := range shown {
		texts[i] = f.Text
	}
	sum.Facts = map[string]string{"facts": itoa(len(facts))}
	sum.Text = fmt.Sprintf("%d stored facts", len(facts))
	if len(texts) > 0 {
		sum.Text += ": " + strings.Join(texts, "; ")
	}
	return sum, facts, nil
}

// Remember stores facts about a subject for later invocations.
func (k *Toolkit) Remember(ctx context.Context, sess *storage.Session, subject string, facts ...domain.Fact) error {
	if k.memory == nil || len(facts) == 0 {
		return nil
	}
	res := governance.Execute(ctx, k.adapter, scope(sess), governance.Call[struct{}]{
		Tool:   ToolMemoryStore,
		Source: SourceMemory,
		Args:   map[string]string{"subject": subject, "facts": itoa(len(facts))},
		Primary: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, k.memory.Store(ctx, subject, facts)
		},
		NoCache: true,
	})
	if res.Cause != nil {
		return fmt.Errorf("store memory for %s: %w", subject, res.Cause)
	}
	return nil
}

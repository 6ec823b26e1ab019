package stages

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
)

// maxToolCalls caps how many tool requests a single reasoning turn may make.
const maxToolCalls = 3

// maxNarrativeBytes bounds reasoner text kept in a stage summary.
const maxNarrativeBytes = 1024

// consult asks the reasoner for text, allowing one round of tool calls.
// It returns "" without error when no reasoner is configured.
func consult(ctx context.Context, sc *runtime.StageContext, prompt string, facts map[string]string) (string, error) {
	if sc.Reasoner == nil {
		return "", nil
	}
	req := domain.ReasoningRequest{
		Stage:   sc.Session.Stage(),
		Prompt:  prompt,
		Context: facts,
		Tools:   sc.Toolkit.Names(),
	}
	resp, err := sc.Reasoner.Reason(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.ToolCalls) == 0 {
		return resp.Text, nil
	}

	calls := resp.ToolCalls
	if len(calls) > maxToolCalls {
		calls = calls[:maxToolCalls]
	}
	results := make([]string, 0, len(calls))
	for _, call := range calls {
		sum, err := sc.Toolkit.Dispatch(ctx, sc.Session, call)
		if err != nil {
			sc.Logger.Warn("reasoner tool call failed", "tool", call.Tool, "error", err)
			results = append(results, call.Tool+": unavailable ("+domain.ErrorCode(err)+")")
			continue
		}
		results = append(results, sum.String())
	}

	followUp := make(map[string]string, len(facts)+1)
	for k, v := range facts {
		followUp[k] = v
	}
	followUp["tool_results"] = strings.Join(results, "\n")
	resp, err = sc.Reasoner.Reason(ctx, domain.ReasoningRequest{
		Stage:   req.Stage,
		Prompt:  prompt,
		Context: followUp,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimSpace(s[:n]) + "..."
}

// summaryFacts flattens earlier stage summaries into reasoning context.
func summaryFacts(previous []domain.StageSummary) map[string]string {
	out := make(map[string]string)
	for _, s := range previous {
		if s.Text != "" {
			out[s.Stage] = s.Text
		}
		keys := make([]string, 0, len(s.Facts))
		for k := range s.Facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[s.Stage+"."+k] = s.Facts[k]
		}
	}
	return out
}

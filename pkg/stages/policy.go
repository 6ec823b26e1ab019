package stages

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/tools"
)

// PolicyReview looks up policy positions for every topic named by the
// extracted bills.
type PolicyReview struct{}

func (PolicyReview) Name() string { return StagePolicy }

func (PolicyReview) Contract() storage.Contract {
	return storage.Contract{
		Produces: []string{domain.NSPolicy},
		Consumes: []string{domain.NSBill},
	}
}

func (PolicyReview) Run(ctx context.Context, sc *runtime.StageContext) (domain.StageSummary, error) {
	var topics []string
	seen := map[string]bool{}
	for _, d := range sc.Request.Documents {
		bill, err := sc.Session.Records(ctx, domain.Key(domain.NSBill, d.ID))
		if errors.Is(err, domain.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return domain.StageSummary{}, err
		}
		for _, t := range tools.Topics(bill) {
			t = strings.TrimSpace(t)
			if t != "" && !seen[t] {
				seen[t] = true
				topics = append(topics, t)
			}
		}
	}

	sum := runtime.Completed(StagePolicy, "")
	sum.Facts = map[string]string{"topics": strconv.Itoa(len(topics))}
	if len(topics) == 0 {
		sum.Text = "no policy topics identified"
		runtime.Disclose(&sum, "policy context unavailable: no topics extracted")
		return sum, nil
	}

	lines := make([]string, 0, len(topics))
	for _, t := range topics {
		res, err := sc.Toolkit.LookupPolicy(ctx, sc.Session, t)
		if err != nil {
			return domain.StageSummary{}, err
		}
		sum.Keys = append(sum.Keys, res.Key)
		lines = append(lines, res.Text)
		if res.Degraded() {
			runtime.Disclose(&sum, fmt.Sprintf("policy context for %s degraded: %s value used", t, res.Provenance))
		}
	}
	sum.Text = strings.Join(lines, "; ")
	return sum, nil
}

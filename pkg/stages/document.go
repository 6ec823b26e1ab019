package stages

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
	"github.com/polisai/polis-analyst/pkg/storage"
)

// Per-document lines kept in the stage summary.
const (
	maxDocumentLines   = 8
	maxDocumentLineLen = 240
)

// DocumentReview extracts a structured bill from every request document.
type DocumentReview struct{}

func (DocumentReview) Name() string { return StageDocument }

func (DocumentReview) Contract() storage.Contract {
	return storage.Contract{Produces: []string{domain.NSBill}}
}

func (DocumentReview) Run(ctx context.Context, sc *runtime.StageContext) (domain.StageSummary, error) {
	docs := sc.Request.Documents
	if len(docs) == 0 {
		return domain.StageSummary{}, fmt.Errorf("%w: no documents to review", domain.ErrInvalidInput)
	}

	sum := runtime.Completed(StageDocument, "")
	sum.Facts = map[string]string{"documents": strconv.Itoa(len(docs))}
	lines := make([]string, 0, min(len(docs), maxDocumentLines))
	degraded := 0
	for _, d := range docs {
		res, err := sc.Toolkit.AnalyzeDocument(ctx, sc.Session, d)
		if err != nil {
			return domain.StageSummary{}, err
		}
		if len(lines) < maxDocumentLines {
			sum.Keys = append(sum.Keys, res.Key)
			lines = append(lines, truncate(d.ID+": "+res.Text, maxDocumentLineLen))
		}
		if res.Degraded() {
			degraded++
			if degraded <= maxDocumentLines {
				runtime.Disclose(&sum, fmt.Sprintf("extraction for %s degraded: %s value used", d.ID, res.Provenance))
			}
		}
	}
	if omitted := len(docs) - len(lines); omitted > 0 {
		lines = append(lines, fmt.Sprintf("%d more documents", omitted))
	}
	if degraded > maxDocumentLines {
		runtime.Disclose(&sum, fmt.Sprintf("extraction degraded for %d more documents", degraded-maxDocumentLines))
	}
	sum.Facts["summarized"] = strconv.Itoa(min(len(docs), maxDocumentLines))
	sum.Facts["degraded"] = strconv.Itoa(degraded)
	sum.Text = strings.Join(lines, "; ")
	return sum, nil
}

package stages

import (
	"context"
	"errors"
	"strconv"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
	"github.com/polisai/polis-analyst/pkg/report"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/tools"
)

// maxDocumentBytes bounds the rendered report carried in the stage summary.
// The full text stays under report:<subject>.
const maxDocumentBytes = 3500

// Report renders the final document from the State Store and earlier summaries.
type Report struct {
	Kind report.Kind
}

func (Report) Name() string { return StageReport }

func (r Report) Contract() storage.Contract {
	c := storage.Contract{Produces: []string{domain.NSReport}}
	if r.Kind == report.KindAdvocacy {
		c.Consumes = []string{domain.NSBill, domain.NSPolicy}
	} else {
		c.Consumes = []string{domain.NSHypothesis, domain.NSFactors, domain.NSBacktest}
	}
	return c
}

func (r Report) Run(ctx context.Context, sc *runtime.StageContext) (domain.StageSummary, error) {
	subject := sc.Request.Subject

	var doc report.Report
	var err error
	if r.Kind == report.KindAdvocacy {
		doc, err = r.advocacy(ctx, sc)
	} else {
		doc, err = r.market(ctx, sc)
	}
	if err != nil {
		return domain.StageSummary{}, err
	}

	key := domain.Key(domain.NSReport, subject)
	if err := sc.Session.Put(ctx, key, reportPayload(doc), storage.WithUpdater(StageReport)); err != nil {
		return domain.StageSummary{}, err
	}

	facts := summaryFacts(sc.Previous)
	facts["draft"] = truncate(doc.Render(), maxDocumentBytes)
	narrative, err := consult(ctx, sc,
		"Write a short, neutral narrative paragraph for this "+string(doc.Kind)+" report on "+subject+". Do not give advice.", facts)
	if err != nil {
		sc.Logger.Warn("report narrative unavailable", "error", err)
	}
	if narrative != "" {
		doc.Narrative = truncate(narrative, maxNarrativeBytes)
		if err := sc.Session.Put(ctx, key, reportPayload(doc), storage.WithUpdater(StageReport)); err != nil {
			return domain.StageSummary{}, err
		}
	}

	sum := runtime.Completed(StageReport, truncate(doc.Render(), maxDocumentBytes), key)
	sum.Facts = map[string]string{
		"kind":     string(doc.Kind),
		"sections": strconv.Itoa(len(doc.Sections)),
	}
	return sum, nil
}

func (r Report) market(ctx context.Context, sc *runtime.StageContext) (report.Report, error) {
	subject := sc.Request.Subject
	in := report.MarketInput{
		Subject:     subject,
		Disclosures: sc.Disclosures(),
		Warnings:    sc.Warnings,
	}
	if prev, ok := sc.PreviousSummary(StageAnalysis); ok {
		in.Narrative = prev.Facts["narrative"]
	}

	hs, err := optionalSummary(ctx, sc.Session, domain.Key(domain.NSHypothesis, subject))
	if err != nil {
		return report.Report{}, err
	}
	if hs != nil {
		if h, err := domain.HypothesisFromSummary(hs); err == nil {
			in.Hypothesis = &h
		}
	}
	fs, err := optionalSummary(ctx, sc.Session, domain.Key(domain.NSFactors, subject))
	if err != nil {
		return report.Report{}, err
	}
	in.Factors = tools.FactorsFromSummary(fs)
	if in.Backtest, err = optionalSummary(ctx, sc.Session, domain.Key(domain.NSBacktest, subject)); err != nil {
		return report.Report{}, err
	}
	return report.NewMarketReport(in), nil
}

func (r Report) advocacy(ctx context.Context, sc *runtime.StageContext) (report.Report, error) {
	in := report.AdvocacyInput{
		Subject:     sc.Request.Subject,
		Policies:    map[string]*domain.RecordList{},
		Disclosures: sc.Disclosures(),
		Warnings:    sc.Warnings,
	}
	for _, d := range sc.Request.Documents {
		bill, err := optionalRecords(ctx, sc.Session, domain.Key(domain.NSBill, d.ID))
		if err != nil {
			return report.Report{}, err
		}
		if bill == nil {
			continue
		}
		in.Bills = append(in.Bills, bill)
		for _, topic := range tools.Topics(bill) {
			if _, seen := in.Policies[topic]; seen {
				continue
			}
			list, err := optionalRecords(ctx, sc.Session, domain.Key(domain.NSPolicy, topic))
			if err != nil {
				return report.Report{}, err
			}
			if list != nil {
				in.Policies[topic] = list
			}
		}
	}
	return report.NewAdvocacyReport(in), nil
}

func reportPayload(doc report.Report) *domain.ScalarSummary {
	return &domain.ScalarSummary{
		Scalars: map[string]float64{"sections": float64(len(doc.Sections))},
		Labels: map[string]string{
			"kind":    string(doc.Kind),
			"subject": doc.Subject,
			"text":    doc.Render(),
		},
	}
}

func optionalSummary(ctx context.Context, sess *storage.Session, key string) (*domain.ScalarSummary, error) {
	s, err := sess.Summary(ctx, key)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil, nil
	}
	return s, err
}

func optionalRecords(ctx context.Context, sess *storage.Session, key string) (*domain.RecordList, error) {
	r, err := sess.Records(ctx, key)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil, nil
	}
	return r, err
}

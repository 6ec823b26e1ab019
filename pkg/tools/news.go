package tools

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/storage"
)

// FetchNews retrieves recent headlines and writes them to news:<subject>.
func (k *Toolkit) FetchNews(ctx context.Context, sess *storage.Session, subject string) (Summary, error) {
	if subject == "" {
		return Summary{}, fmt.Errorf("%w: empty subject", domain.ErrInvalidInput)
	}

	res := governance.Execute(ctx, k.adapter, scope(sess), governance.Call[[]domain.NewsItem]{
		Tool:   ToolNews,
		Source: SourceNews,
		Args:   map[string]string{"subject": subject, "limit": strconv.Itoa(k.newsLimit)},
		Primary: func(ctx context.Context) ([]domain.NewsItem, error) {
			if k.news == nil {
				return nil, fmt.Errorf("%w: no news provider", domain.ErrExternalSourceDegraded)
			}
			return k.news.FetchNews(ctx, subject, k.newsLimit)
		},
		Validate: func(items []domain.NewsItem) error {
			if len(items) == 0 {
				return domain.ErrEmptyResult
			}
			return nil
		},
		Sentinel: &[]domain.NewsItem{},
	})

	items := res.Value
	if len(items) > k.newsLimit {
		items = items[:k.newsLimit]
	}
	records := &domain.RecordList{Records: make([]domain.Record, len(items))}
	sum := 0.0
	for i, item := range items {
		sum += item.Sentiment
		records.Records[i] = domain.Record{
			ID: item.ID,
			Attributes: map[string]string{
				"title":        item.Title,
				"source":       item.Source,
				"url":          item.URL,
				"published_at": item.PublishedAt.Format(time.RFC3339),
			},
			Metrics: map[string]float64{"sentiment": item.Sentiment},
		}
	}

	key := domain.Key(domain.NSNews, subject)
	if err := sess.Put(ctx, key, records); err != nil {
		return Summary{}, err
	}

	facts := map[string]string{"items": strconv.Itoa(len(items))}
	text := "no headlines available"
	if len(items) > 0 {
		mean := sum / float64(len(items))
		facts["mean_sentiment"] = formatFloat(mean)
		text = fmt.Sprintf("%d headlines, mean sentiment %.2f", len(items), mean)
	}
	return Summary{Tool: ToolNews, Key: key, Provenance: res.Provenance, Text: text, Facts: facts}, nil
}

// MeanSentiment averages the sentiment metric of news records.
func MeanSentiment(records *domain.RecordList) (float64, bool) {
	if records == nil || len(records.Records) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, r := range records.Records {
		sum += r.Metrics["sentiment"]
	}
	return sum / float64(len(records.Records)), true
}

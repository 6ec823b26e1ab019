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

// FetchPrices retrieves closing prices and writes them to prices:<subject>.
func (k *Toolkit) FetchPrices(ctx context.Context, sess *storage.Session, subject string, periods int) (Summary, error) {
	if subject == "" {
		return Summary{}, fmt.Errorf("%w: empty subject", domain.ErrInvalidInput)
	}
	if periods <= 0 {
		periods = k.priceHistory
	}

	res := governance.Execute(ctx, k.adapter, scope(sess), governance.Call[*domain.Series]{
		Tool:   ToolMarketData,
		Source: SourceMarket,
		Args:   map[string]string{"subject": subject, "periods": strconv.Itoa(periods)},
		Primary: func(ctx context.Context) (*domain.Series, error) {
			if k.market == nil {
				return nil, fmt.Errorf("%w: no market data provider", domain.ErrExternalSourceDegraded)
			}
			return k.market.FetchPrices(ctx, subject, periods)
		},
		Validate: validatePrices,
		Sentinel: &emptySeries,
	})

	series := res.Value
	if series == nil {
		series = &domain.Series{}
	}
	series = domain.ClonePayload(series).(*domain.Series)
	series.Name = subject

	key := domain.Key(domain.NSPrices, subject)
	if err := sess.Put(ctx, key, series); err != nil {
		return Summary{}, err
	}

	facts := map[string]string{"rows": strconv.Itoa(series.Len())}
	text := "no price data available"
	if n := series.Len(); n > 0 {
		first, last := series.Points[0], series.Points[n-1]
		facts["first"] = first.Time.Format(time.DateOnly)
		facts["last"] = last.Time.Format(time.DateOnly)
		facts["last_close"] = formatFloat(last.Value)
		text = fmt.Sprintf("%d closes from %s to %s", n, facts["first"], facts["last"])
	}
	return Summary{Tool: ToolMarketData, Key: key, Provenance: res.Provenance, Text: text, Facts: facts}, nil
}

var emptySeries = &domain.Series{}

func validatePrices(s *domain.Series) error {
	if s == nil || s.Len() == 0 {
		return domain.ErrEmptyResult
	}
	for i, p := range s.Points {
		if p.Value <= 0 {
			return fmt.Errorf("%w: non-positive close at index %d", domain.ErrInvalidInput, i)
		}
		if i > 0 && !p.Time.After(s.Points[i-1].Time) {
			return fmt.Errorf("%w: closes out of order at index %d", domain.ErrInvalidInput, i)
		}
	}
	return nil
}

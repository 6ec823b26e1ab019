package stages

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/tools"
)

// Acquisition fetches prices and headlines for the subject concurrently.
type Acquisition struct {
	// Periods is the price history length; zero uses the toolkit default.
	Periods int
}

func (Acquisition) Name() string { return StageAcquisition }

func (Acquisition) Contract() storage.Contract {
	return storage.Contract{Produces: []string{domain.NSPrices, domain.NSNews}}
}

func (a Acquisition) Run(ctx context.Context, sc *runtime.StageContext) (domain.StageSummary, error) {
	subject := sc.Request.Subject

	var prices, news tools.Summary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		prices, err = sc.Toolkit.FetchPrices(gctx, sc.Session, subject, a.Periods)
		return err
	})
	g.Go(func() error {
		var err error
		news, err = sc.Toolkit.FetchNews(gctx, sc.Session, subject)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.StageSummary{}, err
	}

	sum := runtime.Completed(StageAcquisition, prices.Text+"; "+news.Text, prices.Key, news.Key)
	sum.Facts = map[string]string{
		"price_rows":       prices.Facts["rows"],
		"price_provenance": string(prices.Provenance),
		"news_items":       news.Facts["items"],
		"news_provenance":  string(news.Provenance),
	}
	if v, ok := news.Facts["mean_sentiment"]; ok {
		sum.Facts["mean_sentiment"] = v
	}

	if prices.Degraded() {
		runtime.Disclose(&sum, fmt.Sprintf("price data for %s degraded: %s value used", subject, prices.Provenance))
	}
	if news.Degraded() {
		runtime.Disclose(&sum, fmt.Sprintf("sentiment degraded: news for %s unavailable, %s value used", subject, news.Provenance))
	}
	return sum, nil
}

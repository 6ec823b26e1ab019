package stages

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/validation"
)

// Validation backtests the analysis signal against the acquired prices.
type Validation struct {
	Config validation.Config
}

func (Validation) Name() string { return StageValidation }

func (Validation) Contract() storage.Contract {
	return storage.Contract{
		Produces: []string{domain.NSBacktest, domain.NSEquity},
		Consumes: []string{domain.NSPrices, domain.NSSignal, domain.NSHypothesis},
	}
}

func (v Validation) Run(ctx context.Context, sc *runtime.StageContext) (domain.StageSummary, error) {
	subject := sc.Request.Subject

	prices, err := sc.Session.Series(ctx, domain.Key(domain.NSPrices, subject))
	if err != nil {
		return domain.StageSummary{}, err
	}
	signal, err := sc.Session.Series(ctx, domain.Key(domain.NSSignal, subject))
	if errors.Is(err, domain.ErrKeyNotFound) {
		return unavailable("no signal series"), nil
	}
	if err != nil {
		return domain.StageSummary{}, err
	}

	cfg := v.Config
	var hyp domain.SignalHypothesis
	if s, err := sc.Session.Summary(ctx, domain.Key(domain.NSHypothesis, subject)); err == nil {
		hyp, _ = domain.HypothesisFromSummary(s)
	}
	cfg = cfg.ForDirection(hyp.Direction)

	res, err := validation.Backtest(prices, signal, cfg)
	if errors.Is(err, domain.ErrInvalidInput) {
		return unavailable("not enough aligned history"), nil
	}
	if err != nil {
		return domain.StageSummary{}, err
	}

	btKey := domain.Key(domain.NSBacktest, subject)
	if err := sc.Session.Put(ctx, btKey, res.ToSummary()); err != nil {
		return domain.StageSummary{}, err
	}
	eqKey := domain.Key(domain.NSEquity, subject)
	if err := sc.Session.Put(ctx, eqKey, res.EquitySeries(subject)); err != nil {
		return domain.StageSummary{}, err
	}

	sum := runtime.Completed(StageValidation, fmt.Sprintf(
		"backtest over %d periods: total return %.2f%%, Sharpe %.2f, max drawdown %.2f%%",
		res.Periods, res.TotalReturn*100, res.Sharpe, res.MaxDrawdown*100,
	), btKey, eqKey)
	sum.Facts = map[string]string{
		"sharpe":       strconv.FormatFloat(res.Sharpe, 'f', 4, 64),
		"cagr":         strconv.FormatFloat(res.CAGR, 'f', 4, 64),
		"max_drawdown": strconv.FormatFloat(res.MaxDrawdown, 'f', 4, 64),
		"total_return": strconv.FormatFloat(res.TotalReturn, 'f', 4, 64),
		"trades":       strconv.Itoa(res.Trades),
	}
	if hyp.Direction != "" {
		sum.Facts["hypothesis"] = string(hyp.Direction)
		sum.Facts["supports_hypothesis"] = strconv.FormatBool(supports(hyp.Direction, res.TotalReturn))
	}
	return sum, nil
}

func unavailable(reason string) domain.StageSummary {
	sum := runtime.Completed(StageValidation, "validation unavailable")
	runtime.Disclose(&sum, "validation unavailable: "+reason)
	return sum
}

// supports reports whether the historical strategy return agrees with the stance.
func supports(d domain.Direction, totalReturn float64) bool {
	switch d {
	case domain.DirectionLong, domain.DirectionShort:
		return totalReturn > 0
	default:
		return totalReturn == 0
	}
}

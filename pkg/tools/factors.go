package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/storage"
)

// Factor windows, in periods.
const (
	ShortWindow = 20
	LongWindow  = 60
)

// Factor names written to factors:<subject>.
const (
	FactorMomentumShort = "momentum_20"
	FactorMomentumLong  = "momentum_60"
	FactorVolatility    = "volatility_20"
	FactorZScore        = "return_zscore_20"
	FactorTrend         = "trend_ratio_20"
)

// ComputeFactors reads prices:<subject>, writes factors:<subject> and the
// per-period signal series signal:<subject> (trailing short momentum).
func (k *Toolkit) ComputeFactors(ctx context.Context, sess *storage.Session, subject string) (Summary, domain.Factors, error) {
	prices, err := sess.Series(ctx, domain.Key(domain.NSPrices, subject))
	if err != nil {
		return Summary{}, nil, err
	}

	factors, err := Compute(prices.Values())
	if err != nil {
		return Summary{}, nil, err
	}

	key := domain.Key(domain.NSFactors, subject)
	if err := sess.Put(ctx, key, &domain.ScalarSummary{
		Scalars: factors,
		Labels:  map[string]string{"subject": subject},
	}); err != nil {
		return Summary{}, nil, err
	}

	signal := MomentumSeries(prices, ShortWindow)
	signal.Name = subject
	if err := sess.Put(ctx, domain.Key(domain.NSSignal, subject), signal); err != nil {
		return Summary{}, nil, err
	}

	facts := make(map[string]string, len(factors))
	parts := make([]string, 0, len(factors))
	for _, name := range factors.Names() {
		facts[name] = formatFloat(factors[name])
		parts = append(parts, fmt.Sprintf("%s=%.4f", name, factors[name]))
	}
	return Summary{
		Tool:       ToolFactors,
		Key:        key,
		Provenance: domain.ProvenancePrimary,
		Text:       strings.Join(parts, " "),
		Facts:      facts,
	}, factors, nil
}

// Compute derives the factor set from closing prices. It needs more than
// ShortWindow points; the long momentum is omitted when history is shorter
// than LongWindow.
func Compute(closes []float64) (domain.Factors, error) {
	if len(closes) <= ShortWindow {
		return nil, fmt.Errorf("%w: %d closes, need more than %d", domain.ErrInvalidInput, len(closes), ShortWindow)
	}
	returns := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns[i-1] = closes[i]/closes[i-1] - 1
	}

	f := domain.Factors{
		FactorMomentumShort: Momentum(closes, ShortWindow),
		FactorVolatility:    Volatility(returns[len(returns)-ShortWindow:]) * math.Sqrt(252),
		FactorZScore:        ZScore(returns[len(returns)-ShortWindow:], returns[len(returns)-1]),
		FactorTrend:         closes[len(closes)-1]/Mean(closes[len(closes)-ShortWindow:]) - 1,
	}
	if len(closes) > LongWindow {
		f[FactorMomentumLong] = Momentum(closes, LongWindow)
	}
	return f, nil
}

// Momentum is the return over the trailing window ending at the last close.
func Momentum(closes []float64, window int) float64 {
	n := len(closes)
	if window <= 0 || n <= window || closes[n-1-window] == 0 {
		return 0
	}
	return closes[n-1]/closes[n-1-window] - 1
}

// MomentumSeries returns the trailing momentum at every point, aligned with
// prices; points without a full window carry 0.
func MomentumSeries(prices *domain.Series, window int) *domain.Series {
	out := &domain.Series{Points: make([]domain.Point, prices.Len())}
	for i, p := range prices.Points {
		v := 0.0
		if i >= window && prices.Points[i-window].Value != 0 {
			v = p.Value/prices.Points[i-window].Value - 1
		}
		out.Points[i] = domain.Point{Time: p.Time, Value: v}
	}
	return out
}

// Mean is the arithmetic mean; 0 for an empty slice.
func Mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

// Volatility is the sample standard deviation.
func Volatility(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	m := Mean(v)
	s := 0.0
	for _, x := range v {
		s += (x - m) * (x - m)
	}
	return math.Sqrt(s / float64(len(v)-1))
}

// ZScore standardizes x against v; 0 when v has no dispersion.
func ZScore(v []float64, x float64) float64 {
	sd := Volatility(v)
	if sd == 0 {
		return 0
	}
	return (x - Mean(v)) / sd
}

// FactorsFromSummary decodes the factors payload.
func FactorsFromSummary(s *domain.ScalarSummary) domain.Factors {
	if s == nil {
		return nil
	}
	out := make(domain.Factors, len(s.Scalars))
	for k, v := range s.Scalars {
		out[k] = v
	}
	return out
}

func itoa(n int) string { return strconv.Itoa(n) }

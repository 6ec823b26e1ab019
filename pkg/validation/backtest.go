// Package validation implements the vectorized backtest used to check a signal
// hypothesis against historical prices.
//
// All functions are pure: identical inputs produce bit-identical results.
package validation

import (
	"fmt"
	"math"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// DefaultPeriodsPerYear annualizes daily bars.
const DefaultPeriodsPerYear = 252

// PositionRule maps a signal value to a position.
type PositionRule string

const (
	// LongFlat is long when the signal is strictly above the threshold, flat otherwise.
	LongFlat PositionRule = "long-flat"
	// LongShort is additionally short when the signal is strictly below -threshold.
	LongShort PositionRule = "long-short"
	// Auto follows the hypothesis under test: long-short for a short stance,
	// long-flat otherwise. Without a hypothesis it behaves as LongFlat.
	Auto PositionRule = "auto"
)

// Config controls a backtest run.
type Config struct {
	Threshold      float64      `yaml:"threshold"`
	Rule           PositionRule `yaml:"rule"`
	PeriodsPerYear int          `yaml:"periods_per_year"`
	// RiskFreeRate is annual and subtracted per period before computing Sharpe.
	RiskFreeRate float64 `yaml:"risk_free_rate"`
	// CostPerTrade is charged as a fraction of equity per unit of position change.
	CostPerTrade float64 `yaml:"cost_per_trade"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.Rule == "" {
		c.Rule = Auto
	}
	if c.PeriodsPerYear <= 0 {
		c.PeriodsPerYear = DefaultPeriodsPerYear
	}
	return c
}

// ForDirection resolves Auto against the stance being validated.
func (c Config) ForDirection(d domain.Direction) Config {
	if c.Rule != "" && c.Rule != Auto {
		return c
	}
	c.Rule = LongFlat
	if d == domain.DirectionShort {
		c.Rule = LongShort
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Rule != LongFlat && c.Rule != LongShort && c.Rule != Auto {
		return fmt.Errorf("%w: unknown position rule %q", domain.ErrConfigInvalid, c.Rule)
	}
	if c.CostPerTrade < 0 || c.CostPerTrade >= 1 {
		return fmt.Errorf("%w: cost_per_trade must be in [0, 1)", domain.ErrConfigInvalid)
	}
	if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) {
		return fmt.Errorf("%w: threshold must be finite", domain.ErrConfigInvalid)
	}
	return nil
}

// Backtest evaluates a signal against prices:
//
//  1. per-period returns r[t] = p[t]/p[t-1] - 1
//  2. positions from the signal using cfg.Rule and cfg.Threshold
//  3. strategy returns s[t] = pos[t-1] * r[t], less trading costs
//  4. equity by compounding from 1.0
//  5. Sharpe, CAGR, and maximum drawdown from the strategy returns and equity
//
// Misaligned, empty, or non-finite inputs fail with domain.ErrInvalidInput.
func Backtest(prices, signal *domain.Series, cfg Config) (domain.BacktestResult, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return domain.BacktestResult{}, err
	}
	if err := checkAligned(prices, signal); err != nil {
		return domain.BacktestResult{}, err
	}

	px := prices.Values()
	returns := Returns(px)
	positions := Positions(signal.Values(), cfg.Threshold, cfg.Rule)

	n := len(px)
	strategy := make([]float64, n-1)
	trades := 0
	exposed := 0
	prev := 0.0
	for t := 1; t < n; t++ {
		pos := positions[t-1]
		change := math.Abs(pos - prev)
		if change > 0 {
			trades++
		}
		if pos != 0 {
			exposed++
		}
		strategy[t-1] = pos*returns[t-1] - cfg.CostPerTrade*change
		prev = pos
	}

	equity := Compound(strategy)
	curve := make([]domain.Point, n)
	for i := range curve {
		curve[i] = domain.Point{Time: prices.Points[i].Time, Value: equity[i]}
	}

	return domain.BacktestResult{
		Equity:          curve,
		StrategyReturns: strategy,
		Sharpe:          Sharpe(strategy, cfg.PeriodsPerYear, cfg.RiskFreeRate),
		CAGR:            CAGR(equity, cfg.PeriodsPerYear),
		MaxDrawdown:     MaxDrawdown(equity),
		TotalReturn:     equity[n-1] - 1,
		Exposure:        float64(exposed) / float64(n-1),
		Trades:          trades,
		Periods:         n - 1,
		Start:           prices.Points[0].Time,
		End:             prices.Points[n-1].Time,
	}, nil
}

func checkAligned(prices, signal *domain.Series) error {
	if prices == nil || signal == nil || prices.Len() == 0 || signal.Len() == 0 {
		return fmt.Errorf("%w: empty series", domain.ErrInvalidInput)
	}
	if prices.Len() != signal.Len() {
		return fmt.Errorf("%w: %d prices vs %d signal points", domain.ErrInvalidInput, prices.Len(), signal.Len())
	}
	if prices.Len() < 2 {
		return fmt.Errorf("%w: need at least 2 points", domain.ErrInvalidInput)
	}
	for i, p := range prices.Points {
		s := signal.Points[i]
		if !p.Time.Equal(s.Time) {
			return fmt.Errorf("%w: timestamps differ at index %d", domain.ErrInvalidInput, i)
		}
		if i > 0 && !p.Time.After(prices.Points[i-1].Time) {
			return fmt.Errorf("%w: timestamps not increasing at index %d", domain.ErrInvalidInput, i)
		}
		if !finite(p.Value) || p.Value <= 0 {
			return fmt.Errorf("%w: price %v at index %d", domain.ErrInvalidInput, p.Value, i)
		}
		if !finite(s.Value) {
			return fmt.Errorf("%w: signal %v at index %d", domain.ErrInvalidInput, s.Value, i)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Returns computes simple returns; the result has len(prices)-1 elements.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out[i-1] = prices[i]/prices[i-1] - 1
	}
	return out
}

// Positions maps each signal value to -1, 0, or 1. A signal equal to the
// threshold is flat.
func Positions(signal []float64, threshold float64, rule PositionRule) []float64 {
	out := make([]float64, len(signal))
	for i, s := range signal {
		switch {
		case s > threshold:
			out[i] = 1
		case rule == LongShort && s < -threshold:
			out[i] = -1
		}
	}
	return out
}

// Compound returns the equity curve starting at 1.0; it has len(returns)+1 elements.
func Compound(returns []float64) []float64 {
	out := make([]float64, len(returns)+1)
	out[0] = 1
	for i, r := range returns {
		out[i+1] = out[i] * (1 + r)
	}
	return out
}

// Sharpe is the annualized Sharpe ratio using the sample standard deviation.
// It is 0 when fewer than two returns exist or the returns have no spread.
// Dispersion is judged on the raw returns since subtracting the risk-free
// rate shifts every return equally.
func Sharpe(returns []float64, periodsPerYear int, riskFree float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	spread := false
	variance := 0.0
	for _, r := range returns {
		if r != returns[0] {
			spread = true
		}
		d := r - mean
		variance += d * d
	}
	if !spread {
		return 0
	}
	variance /= float64(n - 1)
	stdev := math.Sqrt(variance)
	if !finite(stdev) || stdev <= zeroSpread*math.Max(1, math.Abs(mean)) {
		return 0
	}
	excess := mean - riskFree/float64(periodsPerYear)
	return excess / stdev * math.Sqrt(float64(periodsPerYear))
}

// zeroSpread is the relative deviation below which returns count as constant.
const zeroSpread = 1e-12

// CAGR annualizes the growth of an equity curve.
func CAGR(equity []float64, periodsPerYear int) float64 {
	periods := len(equity) - 1
	if periods < 1 || equity[0] <= 0 {
		return 0
	}
	growth := equity[periods] / equity[0]
	if growth <= 0 {
		return -1
	}
	return math.Pow(growth, float64(periodsPerYear)/float64(periods)) - 1
}

// MaxDrawdown is the largest peak-to-trough decline as a positive fraction.
func MaxDrawdown(equity []float64) float64 {
	peak := math.Inf(-1)
	worst := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

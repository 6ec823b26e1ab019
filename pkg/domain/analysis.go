package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Direction is the stance of a signal hypothesis.
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionFlat    Direction = "flat"
	DirectionNeutral Direction = "neutral"
)

// SignalHypothesis is the analysis stage's proposed directional view.
type SignalHypothesis struct {
	Subject    string
	Direction  Direction
	Confidence float64
	FactorRefs []string
	Rationale  []string
}

// ToSummary encodes the hypothesis as a State Store payload.
func (h SignalHypothesis) ToSummary() *ScalarSummary {
	return &ScalarSummary{
		Scalars: map[string]float64{"confidence": h.Confidence},
		Labels: map[string]string{
			"subject":     h.Subject,
			"direction":   string(h.Direction),
			"factor_refs": strings.Join(h.FactorRefs, ","),
			"rationale":   strings.Join(h.Rationale, ","),
		},
	}
}

// HypothesisFromSummary decodes a hypothesis written with ToSummary.
func HypothesisFromSummary(s *ScalarSummary) (SignalHypothesis, error) {
	if s == nil || s.Labels["direction"] == "" {
		return SignalHypothesis{}, fmt.Errorf("%w: summary is not a hypothesis", ErrSchemaMismatch)
	}
	return SignalHypothesis{
		Subject:    s.Labels["subject"],
		Direction:  Direction(s.Labels["direction"]),
		Confidence: s.Scalars["confidence"],
		FactorRefs: splitList(s.Labels["factor_refs"]),
		Rationale:  splitList(s.Labels["rationale"]),
	}, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// BacktestResult holds the output of a vectorized backtest.
type BacktestResult struct {
	Equity          []Point
	StrategyReturns []float64
	Sharpe          float64
	CAGR            float64
	MaxDrawdown     float64
	TotalReturn     float64
	Exposure        float64
	Trades          int
	Periods         int
	Start           time.Time
	End             time.Time
}

// ToSummary encodes the scalar metrics of the backtest.
func (b BacktestResult) ToSummary() *ScalarSummary {
	return &ScalarSummary{
		Scalars: map[string]float64{
			"sharpe":       b.Sharpe,
			"cagr":         b.CAGR,
			"max_drawdown": b.MaxDrawdown,
			"total_return": b.TotalReturn,
			"exposure":     b.Exposure,
			"trades":       float64(b.Trades),
			"periods":      float64(b.Periods),
		},
		Labels: map[string]string{
			"start": b.Start.Format(time.RFC3339),
			"end":   b.End.Format(time.RFC3339),
		},
	}
}

// EquitySeries returns the equity curve as a Series payload.
func (b BacktestResult) EquitySeries(name string) *Series {
	out := &Series{Name: name, Points: make([]Point, len(b.Equity))}
	copy(out.Points, b.Equity)
	return out
}

// Factors is a named set of computed factor values.
type Factors map[string]float64

// Names returns factor names in sorted order.
func (f Factors) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

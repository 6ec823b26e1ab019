package stages

import (
	"fmt"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
	"github.com/polisai/polis-analyst/pkg/report"
	"github.com/polisai/polis-analyst/pkg/validation"
)

// Preset names.
const (
	PresetMarket   = "market"
	PresetAdvocacy = "advocacy"
)

// Options tune the built-in presets.
type Options struct {
	Backtest validation.Config
	// PricePeriods is the price history requested by acquisition.
	PricePeriods int
}

// Market is acquisition → analysis → validation → report.
func Market(opts Options) *engine.Pipeline {
	return &engine.Pipeline{
		Name: PresetMarket,
		Stages: []runtime.Stage{
			Acquisition{Periods: opts.PricePeriods},
			Analysis{},
			Validation{Config: opts.Backtest},
			Report{Kind: report.KindMarket},
		},
	}
}

// Advocacy is document → policy → report.
func Advocacy() *engine.Pipeline {
	return &engine.Pipeline{
		Name: PresetAdvocacy,
		Stages: []runtime.Stage{
			DocumentReview{},
			PolicyReview{},
			Report{Kind: report.KindAdvocacy},
		},
	}
}

// Preset builds a preset by name.
func Preset(name string, opts Options) (*engine.Pipeline, error) {
	switch name {
	case PresetMarket:
		return Market(opts), nil
	case PresetAdvocacy:
		return Advocacy(), nil
	default:
		return nil, fmt.Errorf("%w: unknown preset %q", domain.ErrConfigInvalid, name)
	}
}

// RegisterPresets adds both presets to the registry.
func RegisterPresets(reg *engine.Registry, opts Options) error {
	for _, p := range []*engine.Pipeline{Market(opts), Advocacy()} {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("register %s: %w", p.Name, err)
		}
	}
	return nil
}

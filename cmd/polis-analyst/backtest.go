package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-analyst/pkg/report"
	"github.com/polisai/polis-analyst/pkg/tools"
	"github.com/polisai/polis-analyst/pkg/tools/providers"
	"github.com/polisai/polis-analyst/pkg/validation"
)

func newBacktestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest trailing momentum on a price CSV",
		RunE:  runBacktest,
	}
	f := cmd.Flags()
	f.String("prices", "", "Price CSV file (required)")
	f.Int("window", tools.ShortWindow, "Momentum window in periods")
	f.Float64("threshold", 0, "Signal threshold")
	f.String("rule", string(validation.LongFlat), "Position rule (long-flat, long-short, auto)")
	f.Float64("cost", 0, "Cost per unit of position change")
	f.Int("periods-per-year", validation.DefaultPeriodsPerYear, "Periods per year for annualisation")
	f.String("export", "", "Write the workbook (.xlsx) to this path")
	_ = cmd.MarkFlagRequired("prices")
	return cmd
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	path, _ := f.GetString("prices")
	window, _ := f.GetInt("window")
	rule, _ := f.GetString("rule")
	exportPath, _ := f.GetString("export")

	cfg := validation.Config{Rule: validation.PositionRule(rule)}
	cfg.Threshold, _ = f.GetFloat64("threshold")
	cfg.CostPerTrade, _ = f.GetFloat64("cost")
	cfg.PeriodsPerYear, _ = f.GetInt("periods-per-year")

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open prices: %w", err)
	}
	defer file.Close()
	prices, err := providers.ReadPriceCSV(file)
	if err != nil {
		return err
	}

	res, err := validation.Backtest(prices, tools.MomentumSeries(prices, window), cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "periods:       %d\n", res.Periods)
	fmt.Fprintf(out, "total return:  %.4f\n", res.TotalReturn)
	fmt.Fprintf(out, "cagr:          %.4f\n", res.CAGR)
	fmt.Fprintf(out, "sharpe:        %.4f\n", res.Sharpe)
	fmt.Fprintf(out, "max drawdown:  %.4f\n", res.MaxDrawdown)
	fmt.Fprintf(out, "exposure:      %.4f\n", res.Exposure)
	fmt.Fprintf(out, "trades:        %d\n", res.Trades)

	if exportPath == "" {
		return nil
	}
	w, err := os.Create(exportPath)
	if err != nil {
		return fmt.Errorf("create workbook: %w", err)
	}
	defer w.Close()
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := report.WriteWorkbook(w, name, res.ToSummary(), res.EquitySeries(name)); err != nil {
		return err
	}
	return w.Close()
}

package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// Workbook sheet names.
const (
	SheetSummary = "Summary"
	SheetEquity  = "Equity"
)

var metricOrder = []string{"total_return", "cagr", "sharpe", "max_drawdown", "exposure", "trades", "periods"}

// WriteWorkbook writes the backtest metrics and equity curve as an xlsx workbook.
func WriteWorkbook(w io.Writer, subject string, backtest *domain.ScalarSummary, equity *domain.Series) error {
	if backtest == nil || equity == nil {
		return fmt.Errorf("%w: no backtest to export", domain.ErrInvalidInput)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	rows := [][]any{
		{"subject", subject},
		{"start", backtest.Labels["start"]},
		{"end", backtest.Labels["end"]},
	}
	for _, name := range metricOrder {
		rows = append(rows, []any{name, backtest.Scalars[name]})
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("write summary row %d: %w", i+1, err)
		}
	}

	if _, err := f.NewSheet(SheetEquity); err != nil {
		return fmt.Errorf("create equity sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetEquity, "A1", &[]any{"date", "equity"}); err != nil {
		return fmt.Errorf("write equity header: %w", err)
	}
	for i, p := range equity.Points {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetEquity, cell, &[]any{p.Time.Format(time.DateOnly), p.Value}); err != nil {
			return fmt.Errorf("write equity row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

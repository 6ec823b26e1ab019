package providers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// CSVPrices reads closing prices from "<dir>/<subject>.csv" files with a
// header row containing "date" and "close" columns.
type CSVPrices struct {
	Dir string
}

// FetchPrices implements domain.MarketDataProvider. The most recent periods rows are returned.
func (p CSVPrices) FetchPrices(ctx context.Context, subject string, periods int) (*domain.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(p.Dir, filepath.Base(subject)+".csv"))
	if err != nil {
		return nil, fmt.Errorf("open price file: %w", err)
	}
	defer f.Close()

	series, err := ReadPriceCSV(f)
	if err != nil {
		return nil, err
	}
	series.Name = subject
	if periods > 0 && series.Len() > periods {
		series.Points = series.Points[series.Len()-periods:]
	}
	return series, nil
}

// ReadPriceCSV parses a date/close CSV into a series sorted by date.
func ReadPriceCSV(r io.Reader) (*domain.Series, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read price header: %w", err)
	}
	dateCol, closeCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "date", "time", "timestamp":
			dateCol = i
		case "close", "adj_close", "value":
			if closeCol < 0 {
				closeCol = i
			}
		}
	}
	if dateCol < 0 || closeCol < 0 {
		return nil, fmt.Errorf("%w: price file needs date and close columns", domain.ErrInvalidInput)
	}

	series := &domain.Series{}
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read price row %d: %w", line, err)
		}
		ts, err := parseTime(row[dateCol])
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", domain.ErrInvalidInput, line, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[closeCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", domain.ErrInvalidInput, line, err)
		}
		series.Points = append(series.Points, domain.Point{Time: ts, Value: v})
	}
	sort.SliceStable(series.Points, func(i, j int) bool { return series.Points[i].Time.Before(series.Points[j].Time) })
	return series, nil
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

// JSONNews reads headlines from "<dir>/<subject>.json" holding a JSON array of news items.
type JSONNews struct {
	Dir string
}

// FetchNews implements domain.NewsProvider, newest first.
func (p JSONNews) FetchNews(ctx context.Context, subject string, limit int) ([]domain.NewsItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(p.Dir, filepath.Base(subject)+".json"))
	if err != nil {
		return nil, fmt.Errorf("read news file: %w", err)
	}
	var items []domain.NewsItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode news file: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].PublishedAt.After(items[j].PublishedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// YAMLPolicies is a policy retriever backed by a YAML file:
//
//   - id: p1
//     topic: housing
//     position: support zoning reform
//     source: platform-2024
type YAMLPolicies struct {
	records []domain.PolicyRecord
}

type policyRow struct {
	ID       string `yaml:"id"`
	Topic    string `yaml:"topic"`
	Position string `yaml:"position"`
	Source   string `yaml:"source"`
}

// LoadYAMLPolicies reads a policy file.
func LoadYAMLPolicies(path string) (*YAMLPolicies, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var rows []policyRow
	if err := yaml.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	out := &YAMLPolicies{records: make([]domain.PolicyRecord, len(rows))}
	for i, r := range rows {
		out.records[i] = domain.PolicyRecord{ID: r.ID, Topic: r.Topic, Position: r.Position, Source: r.Source}
	}
	return out, nil
}

// Lookup implements domain.PolicyRetriever with a case-insensitive topic match.
func (p *YAMLPolicies) Lookup(ctx context.Context, topic string) ([]domain.PolicyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.PolicyRecord
	for _, r := range p.records {
		if strings.EqualFold(r.Topic, topic) {
			out = append(out, r)
		}
	}
	return out, nil
}

// JSONExtractor returns pre-extracted fields stored as "<dir>/<document id>.json".
type JSONExtractor struct {
	Dir string
}

// Extract implements domain.Extractor.
func (e JSONExtractor) Extract(ctx context.Context, doc domain.Document) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(e.Dir, filepath.Base(doc.ID)+".json"))
	if err != nil {
		return nil, fmt.Errorf("read extraction: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	return fields, nil
}

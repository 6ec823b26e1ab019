package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-analyst/pkg/domain"
)

func TestReadPriceCSV(t *testing.T) {
	in := "date,open,close\n2024-01-03,1,101.5\n2024-01-02,1,100\n"
	series, err := ReadPriceCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, 2, series.Len())
	assert.Equal(t, []float64{100, 101.5}, series.Values())
}

func TestReadPriceCSVRejectsMissingColumns(t *testing.T) {
	_, err := ReadPriceCSV(strings.NewReader("day,price\n2024-01-02,1\n"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = ReadPriceCSV(strings.NewReader("date,close\n2024-01-02,abc\n"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCSVPricesTrimsToPeriods(t *testing.T) {
	dir := t.TempDir()
	body := "date,close\n2024-01-02,1\n2024-01-03,2\n2024-01-04,3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AAPL.csv"), []byte(body), 0o600))

	series, err := CSVPrices{Dir: dir}.FetchPrices(context.Background(), "AAPL", 2)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", series.Name)
	assert.Equal(t, []float64{2, 3}, series.Values())
}

func TestJSONNewsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	body := `[{"id":"a","title":"old","published_at":"2024-01-01T00:00:00Z","sentiment":0.1},
	          {"id":"b","title":"new","published_at":"2024-02-01T00:00:00Z","sentiment":-0.1}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AAPL.json"), []byte(body), 0o600))

	items, err := JSONNews{Dir: dir}.FetchNews(context.Background(), "AAPL", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
}

func TestYAMLPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	body := "- id: p1\n  topic: Housing\n  position: support\n  source: platform\n- id: p2\n  topic: tax\n  position: oppose\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	policies, err := LoadYAMLPolicies(path)
	require.NoError(t, err)
	records, err := policies.Lookup(context.Background(), "housing")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "p1", records[0].ID)
}

func TestJSONExtractor(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hb-1.json"), []byte(`{"title":"Act","sponsor":"x","summary":"y"}`), 0o600))

	fields, err := JSONExtractor{Dir: dir}.Extract(context.Background(), domain.Document{ID: "hb-1"})
	require.NoError(t, err)
	assert.Equal(t, "Act", fields["title"])
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/prices":
			assert.Equal(t, "AAPL", r.URL.Query().Get("subject"))
			_, _ = w.Write([]byte(`{"points":[{"time":"2024-01-02T00:00:00Z","value":100}]}`))
		case "/v1/news":
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL + "/v1", APIKey: "secret", Client: &http.Client{Timeout: time.Second}})
	require.NoError(t, err)

	series, err := p.FetchPrices(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{100}, series.Values())

	_, err = p.FetchNews(context.Background(), "AAPL", 5)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Contains(t, err.Error(), "3s")
}

func TestNewHTTPProviderRejectsBadURL(t *testing.T) {
	_, err := NewHTTPProvider(HTTPConfig{BaseURL: "not a url"})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestStaticFailAndCalls(t *testing.T) {
	s := NewStatic().Fail("news", assert.AnError)
	_, err := s.FetchNews(context.Background(), "AAPL", 5)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, s.Calls("news"))

	s.Fail("news", nil)
	items, err := s.FetchNews(context.Background(), "AAPL", 5)
	require.NoError(t, err)
	assert.Empty(t, items)
}

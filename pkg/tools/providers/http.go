// Package providers contains reference adapters for the market data, news,
// extraction, and policy collaborators.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// maxResponseBytes bounds provider response bodies.
const maxResponseBytes = 8 << 20

// HTTPConfig configures an HTTP JSON provider.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// HTTPProvider fetches prices and news from a JSON HTTP API:
//
//	GET {base}/prices?subject=AAPL&periods=252 → {"points":[{"time":"...","value":1.0}]}
//	GET {base}/news?subject=AAPL&limit=20      → {"items":[{"id":"...","title":"...",...}]}
//
// HTTP 429 maps to domain.ErrRateLimited.
type HTTPProvider struct {
	base   *url.URL
	apiKey string
	client *http.Client
}

// NewHTTPProvider validates the base URL and instruments the client transport.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid provider url %q", domain.ErrConfigInvalid, cfg.BaseURL)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	instrumented := *client
	transport := instrumented.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	instrumented.Transport = otelhttp.NewTransport(transport)
	return &HTTPProvider{base: base, apiKey: cfg.APIKey, client: &instrumented}, nil
}

type pricesResponse struct {
	Points []domain.Point `json:"points"`
}

// FetchPrices implements domain.MarketDataProvider.
func (p *HTTPProvider) FetchPrices(ctx context.Context, subject string, periods int) (*domain.Series, error) {
	var body pricesResponse
	q := url.Values{"subject": {subject}, "periods": {strconv.Itoa(periods)}}
	if err := p.get(ctx, "prices", q, &body); err != nil {
		return nil, err
	}
	return &domain.Series{Name: subject, Points: body.Points}, nil
}

type newsResponse struct {
	Items []domain.NewsItem `json:"items"`
}

// FetchNews implements domain.NewsProvider.
func (p *HTTPProvider) FetchNews(ctx context.Context, subject string, limit int) ([]domain.NewsItem, error) {
	var body newsResponse
	q := url.Values{"subject": {subject}, "limit": {strconv.Itoa(limit)}}
	if err := p.get(ctx, "news", q, &body); err != nil {
		return nil, err
	}
	return body.Items, nil
}

func (p *HTTPProvider) get(ctx context.Context, path string, q url.Values, out any) error {
	u := p.base.JoinPath(path)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned 429 (retry after %s)", domain.ErrRateLimited, path, retryAfter(resp))
	case resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ErrEmptyResult
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

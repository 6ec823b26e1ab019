package providers

import (
	"context"
	"sync"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// Static serves fixed data and can be told to fail, which makes it the
// default collaborator in tests.
type Static struct {
	mu       sync.Mutex
	prices   map[string]*domain.Series
	news     map[string][]domain.NewsItem
	policies map[string][]domain.PolicyRecord
	fields   map[string]map[string]any
	failures map[string]error
	calls    map[string]int
}

// NewStatic creates an empty Static provider.
func NewStatic() *Static {
	return &Static{
		prices:   make(map[string]*domain.Series),
		news:     make(map[string][]domain.NewsItem),
		policies: make(map[string][]domain.PolicyRecord),
		fields:   make(map[string]map[string]any),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// WithPrices registers a price series.
func (s *Static) WithPrices(subject string, series *domain.Series) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[subject] = series
	return s
}

// WithNews registers headlines.
func (s *Static) WithNews(subject string, items ...domain.NewsItem) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.news[subject] = items
	return s
}

// WithPolicies registers policy records for a topic.
func (s *Static) WithPolicies(topic string, records ...domain.PolicyRecord) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[topic] = records
	return s
}

// WithExtraction registers extracted fields for a document id.
func (s *Static) WithExtraction(docID string, fields map[string]any) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[docID] = fields
	return s
}

// Fail makes every call of kind ("prices", "news", "policies", "extract") return err.
func (s *Static) Fail(kind string, err error) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, kind)
	} else {
		s.failures[kind] = err
	}
	return s
}

// Calls reports how often kind was requested.
func (s *Static) Calls(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

func (s *Static) enter(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[kind]++
	return s.failures[kind]
}

// FetchPrices implements domain.MarketDataProvider.
func (s *Static) FetchPrices(_ context.Context, subject string, periods int) (*domain.Series, error) {
	if err := s.enter("prices"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.prices[subject]
	if !ok {
		return &domain.Series{Name: subject}, nil
	}
	out := domain.ClonePayload(series).(*domain.Series)
	if periods > 0 && out.Len() > periods {
		out.Points = out.Points[out.Len()-periods:]
	}
	return out, nil
}

// FetchNews implements domain.NewsProvider.
func (s *Static) FetchNews(_ context.Context, subject string, limit int) ([]domain.NewsItem, error) {
	if err := s.enter("news"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := append([]domain.NewsItem(nil), s.news[subject]...)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Lookup implements domain.PolicyRetriever.
func (s *Static) Lookup(_ context.Context, topic string) ([]domain.PolicyRecord, error) {
	if err := s.enter("policies"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PolicyRecord(nil), s.policies[topic]...), nil
}

// Extract implements domain.Extractor.
func (s *Static) Extract(_ context.Context, doc domain.Document) (map[string]any, error) {
	if err := s.enter("extract"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields[doc.ID], nil
}

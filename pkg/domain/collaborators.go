package domain

import (
	"context"
	"time"
)

// ReasoningRequest asks the external reasoning collaborator for text or tool calls.
type ReasoningRequest struct {
	Stage   string
	Prompt  string
	Context map[string]string
	Tools   []string
}

// ToolCallRequest is a tool invocation proposed by the reasoning collaborator.
type ToolCallRequest struct {
	Tool string
	Args map[string]string
}

// ReasoningResponse carries free text and optional tool call requests.
type ReasoningResponse struct {
	Text      string
	ToolCalls []ToolCallRequest
}

// Reasoner is the opaque natural-language reasoning collaborator.
type Reasoner interface {
	Reason(ctx context.Context, req ReasoningRequest) (ReasoningResponse, error)
}

// Fact is a unit of persistent memory about a subject.
type Fact struct {
	Subject   string
	Text      string
	Tags      []string
	CreatedAt time.Time
}

// MemoryService stores and retrieves facts across invocations.
type MemoryService interface {
	Store(ctx context.Context, subject string, facts []Fact) error
	Retrieve(ctx context.Context, subject string) ([]Fact, error)
}

// Extractor turns a document into structured fields.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (map[string]any, error)
}

// NewsItem is a single headline with an optional sentiment score in [-1, 1].
type NewsItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Sentiment   float64   `json:"sentiment"`
}

// MarketDataProvider returns closing prices for a subject.
type MarketDataProvider interface {
	FetchPrices(ctx context.Context, subject string, periods int) (*Series, error)
}

// NewsProvider returns recent news for a subject.
type NewsProvider interface {
	FetchNews(ctx context.Context, subject string, limit int) ([]NewsItem, error)
}

// PolicyRecord is a retrieved policy position or precedent.
type PolicyRecord struct {
	ID       string
	Topic    string
	Position string
	Source   string
}

// PolicyRetriever looks up policy records for a topic.
type PolicyRetriever interface {
	Lookup(ctx context.Context, topic string) ([]PolicyRecord, error)
}

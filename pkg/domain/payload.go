package domain

import (
	"maps"
	"strings"
	"time"
)

// PayloadKind names one of the fixed payload shapes held by the State Store.
type PayloadKind string

const (
	// KindSeries is an ordered time series.
	KindSeries PayloadKind = "series"
	// KindRecords is a list of flat records.
	KindRecords PayloadKind = "records"
	// KindSummary is a bag of named scalars and labels.
	KindSummary PayloadKind = "summary"
)

// Payload is the sealed union of values a stage may write to the State Store.
type Payload interface {
	Kind() PayloadKind
	// Len reports the number of points, records, or scalars.
	Len() int
	clone() Payload
}

// ClonePayload returns a deep copy so readers never share memory with writers.
func ClonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	return p.clone()
}

// Point is a single observation in a Series.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Series is an ordered sequence of points.
type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

func (s *Series) Kind() PayloadKind { return KindSeries }
func (s *Series) Len() int          { return len(s.Points) }

func (s *Series) clone() Payload {
	out := &Series{Name: s.Name, Points: make([]Point, len(s.Points))}
	copy(out.Points, s.Points)
	return out
}

// Values returns the series values in order.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// Record is one row of a RecordList.
type Record struct {
	ID         string             `json:"id"`
	Attributes map[string]string  `json:"attributes,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// RecordList holds records such as news items or extracted document fields.
type RecordList struct {
	Records []Record `json:"records"`
}

func (r *RecordList) Kind() PayloadKind { return KindRecords }
func (r *RecordList) Len() int          { return len(r.Records) }

func (r *RecordList) clone() Payload {
	out := &RecordList{Records: make([]Record, len(r.Records))}
	for i, rec := range r.Records {
		out.Records[i] = Record{
			ID:         rec.ID,
			Attributes: maps.Clone(rec.Attributes),
			Metrics:    maps.Clone(rec.Metrics),
		}
	}
	return out
}

// ScalarSummary holds named numeric values and string labels.
type ScalarSummary struct {
	Scalars map[string]float64 `json:"scalars,omitempty"`
	Labels  map[string]string  `json:"labels,omitempty"`
}

func (s *ScalarSummary) Kind() PayloadKind { return KindSummary }
func (s *ScalarSummary) Len() int          { return len(s.Scalars) + len(s.Labels) }

func (s *ScalarSummary) clone() Payload {
	return &ScalarSummary{Scalars: maps.Clone(s.Scalars), Labels: maps.Clone(s.Labels)}
}

// Key namespaces used by the built-in stages.
const (
	NSPrices     = "prices"
	NSNews       = "news"
	NSFactors    = "factors"
	NSSignal     = "signal"
	NSHypothesis = "hypothesis"
	NSBacktest   = "backtest"
	NSEquity     = "equity"
	NSBill       = "bill"
	NSPolicy     = "policy"
	NSReport     = "report"
)

// Key builds a State Store key of the form "<namespace>:<subject>".
func Key(namespace, subject string) string {
	return namespace + ":" + subject
}

// Namespace returns the namespace part of a key.
func Namespace(key string) string {
	ns, _, found := strings.Cut(key, ":")
	if !found {
		return key
	}
	return ns
}

// StateEntry is the metadata of a State Store entry.
type StateEntry struct {
	Key       string
	Kind      PayloadKind
	Producer  string
	Updater   string
	Consumers []string
	Version   int
	WrittenAt time.Time
}

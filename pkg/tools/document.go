package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/storage"
)

// billSchema is the shape the extraction collaborator must return.
const billSchema = `{
  "type": "object",
  "required": ["title", "sponsor", "summary"],
  "properties": {
    "title":      {"type": "string", "minLength": 1},
    "sponsor":    {"type": "string"},
    "summary":    {"type": "string"},
    "status":     {"type": "string"},
    "topics":     {"type": "array", "items": {"type": "string"}},
    "provisions": {"type": "array", "items": {"type": "string"}}
  }
}`

var billSchemaLoader = gojsonschema.NewStringLoader(billSchema)

// AnalyzeDocument extracts structured fields from a document, validates them,
// and writes bill:<document id>.
func (k *Toolkit) AnalyzeDocument(ctx context.Context, sess *storage.Session, doc domain.Document) (Summary, error) {
	if doc.ID == "" || strings.TrimSpace(doc.Text) == "" {
		return Summary{}, fmt.Errorf("%w: document needs an id and text", domain.ErrInvalidInput)
	}

	res := governance.Execute(ctx, k.adapter, scope(sess), governance.Call[map[string]any]{
		Tool:   ToolDocumentAnalyze,
		Source: SourceExtractor,
		Args:   map[string]string{"document": doc.ID, "length": strconv.Itoa(len(doc.Text))},
		Primary: func(ctx context.Context) (map[string]any, error) {
			if k.extractor == nil {
				return nil, fmt.Errorf("%w: no extractor", domain.ErrExternalSourceDegraded)
			}
			return k.extractor.Extract(ctx, doc)
		},
		Validate: ValidateExtraction,
		Sentinel: &map[string]any{"title": doc.Title, "sponsor": "", "summary": ""},
	})

	records := extractionRecords(doc.ID, res.Value)
	key := domain.Key(domain.NSBill, doc.ID)
	if err := sess.Put(ctx, key, records); err != nil {
		return Summary{}, err
	}

	header := records.Records[0].Attributes
	facts := map[string]string{
		"title":      header["title"],
		"provisions": strconv.Itoa(len(records.Records) - 1),
	}
	if header["sponsor"] != "" {
		facts["sponsor"] = header["sponsor"]
	}
	text := fmt.Sprintf("%q with %d provisions", header["title"], len(records.Records)-1)
	return Summary{Tool: ToolDocumentAnalyze, Key: key, Provenance: res.Provenance, Text: text, Facts: facts}, nil
}

// ValidateExtraction checks extractor output against the bill schema.
func ValidateExtraction(fields map[string]any) error {
	if fields == nil {
		return domain.ErrEmptyResult
	}
	result, err := gojsonschema.Validate(billSchemaLoader, gojsonschema.NewGoLoader(fields))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]error, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, errors.New(e.String()))
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...))
}

// extractionRecords flattens extracted fields into a header record followed
// by one record per provision.
func extractionRecords(docID string, fields map[string]any) *domain.RecordList {
	header := domain.Record{ID: docID, Attributes: map[string]string{}}
	for _, name := range []string{"title", "sponsor", "summary", "status"} {
		if v, ok := fields[name].(string); ok {
			header.Attributes[name] = v
		}
	}
	header.Attributes["topics"] = strings.Join(stringList(fields["topics"]), ",")

	out := &domain.RecordList{Records: []domain.Record{header}}
	for i, p := range stringList(fields["provisions"]) {
		out.Records = append(out.Records, domain.Record{
			ID:         fmt.Sprintf("%s#%d", docID, i+1),
			Attributes: map[string]string{"text": p},
		})
	}
	return out
}

func stringList(v any) []string {
	switch typed := v.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Topics returns the topics recorded in a bill header.
func Topics(records *domain.RecordList) []string {
	if records == nil || len(records.Records) == 0 || records.Records[0].Attributes["topics"] == "" {
		return nil
	}
	return strings.Split(records.Records[0].Attributes["topics"], ",")
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// MemoryFactStore is an in-memory domain.MemoryService.
type MemoryFactStore struct {
	mu    sync.RWMutex
	facts map[string][]domain.Fact
}

// NewMemoryFactStore creates an empty MemoryFactStore.
func NewMemoryFactStore() *MemoryFactStore {
	return &MemoryFactStore{facts: make(map[string][]domain.Fact)}
}

// Store appends facts for a subject.
func (s *MemoryFactStore) Store(_ context.Context, subject string, facts []domain.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range facts {
		f.Subject = subject
		f.Tags = slices.Clone(f.Tags)
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now().UTC()
		}
		s.facts[subject] = append(s.facts[subject], f)
	}
	return nil
}

// Retrieve returns the facts stored for a subject in insertion order.
func (s *MemoryFactStore) Retrieve(_ context.Context, subject string) ([]domain.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Fact, len(s.facts[subject]))
	for i, f := range s.facts[subject] {
		f.Tags = slices.Clone(f.Tags)
		out[i] = f
	}
	return out, nil
}

// SQLiteFactStore persists facts in the facts table.
type SQLiteFactStore struct {
	db *sql.DB
}

// NewSQLiteFactStore wraps a database opened with OpenSQLite.
func NewSQLiteFactStore(db *sql.DB) *SQLiteFactStore {
	return &SQLiteFactStore{db: db}
}

// Store inserts facts for a subject in a single transaction.
func (s *SQLiteFactStore) Store(ctx context.Context, subject string, facts []domain.Fact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fact transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range facts {
		created := f.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO facts (subject, text, tags, created_at) VALUES (?, ?, ?, ?)`,
			subject, f.Text, strings.Join(f.Tags, ","), created.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert fact: %w", err)
		}
	}
	return tx.Commit()
}

// Retrieve returns the facts stored for a subject in insertion order.
func (s *SQLiteFactStore) Retrieve(ctx context.Context, subject string) ([]domain.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, tags, created_at FROM facts WHERE subject = ? ORDER BY id`, subject)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []domain.Fact
	for rows.Next() {
		var text, tags, created string
		if err := rows.Scan(&text, &tags, &created); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f := domain.Fact{Subject: subject, Text: text}
		if tags != "" {
			f.Tags = strings.Split(tags, ",")
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			f.CreatedAt = ts
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

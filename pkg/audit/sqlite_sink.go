package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// SQLiteSink persists audit entries in the audit_entries table created by
// storage.OpenSQLite.
type SQLiteSink struct {
	mu  sync.Mutex
	db  *sql.DB
	seq int64
}

// NewSQLiteSink wraps an opened database.
func NewSQLiteSink(ctx context.Context, db *sql.DB) (*SQLiteSink, error) {
	var maxSeq sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_entries`).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("read audit sequence: %w", err)
	}
	return &SQLiteSink{db: db, seq: maxSeq.Int64}, nil
}

// Append inserts an entry.
func (s *SQLiteSink) Append(ctx context.Context, entry domain.AuditEntry) error {
	if entry.InvocationID == "" {
		return errors.New("audit entry without invocation id")
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (invocation_id, seq, ts, kind, stage, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.InvocationID, s.seq, entry.Timestamp.Format(time.RFC3339Nano), string(entry.Kind), entry.Stage, string(detail),
	)
	if err != nil {
		s.seq--
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Entries returns the persisted entries of one invocation in sequence order.
func (s *SQLiteSink) Entries(ctx context.Context, invocationID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, kind, stage, detail FROM audit_entries WHERE invocation_id = ? ORDER BY seq`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e            domain.AuditEntry
			ts, kind, dt string
		)
		if err := rows.Scan(&e.Seq, &ts, &kind, &e.Stage, &dt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.InvocationID = invocationID
		e.Kind = domain.AuditKind(kind)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(dt), &e.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

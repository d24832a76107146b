// Package audit provides the sqlite-backed audit trail store.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	domain "github.com/toolgate-proxy/toolgate/internal/domain/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	tool       TEXT NOT NULL DEFAULT '',
	toolset    TEXT NOT NULL DEFAULT '',
	backend    TEXT NOT NULL DEFAULT '',
	ok         INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	detail     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_records(tool) WHERE kind = 'tool_call';
`

// SQLiteStore persists audit records in a sqlite database. The driver is
// pure Go (modernc.org/sqlite), so no cgo is needed.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// sqlite allows one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append writes one record. A missing ID or timestamp is filled in.
func (s *SQLiteStore) Append(ctx context.Context, rec domain.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records
			(id, ts, kind, session_id, tool, toolset, backend, ok, latency_ms, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Time.UnixMilli(), string(rec.Kind), rec.SessionID,
		rec.Tool, rec.Toolset, rec.Backend, boolToInt(rec.OK),
		rec.LatencyMs, rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Usage aggregates tool-call records.
func (s *SQLiteStore) Usage(ctx context.Context) (domain.UsageStats, error) {
	stats := domain.UsageStats{
		ByTool:    make(map[string]int64),
		ByBackend: make(map[string]int64),
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0)
		FROM audit_records WHERE kind = ?`, string(domain.KindToolCall))
	if err := row.Scan(&stats.TotalCalls, &stats.FailedCalls); err != nil {
		return stats, fmt.Errorf("aggregate audit totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tool, backend, COUNT(*)
		FROM audit_records WHERE kind = ?
		GROUP BY tool, backend`, string(domain.KindToolCall))
	if err != nil {
		return stats, fmt.Errorf("aggregate audit by tool: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var toolName, backend string
		var count int64
		if err := rows.Scan(&toolName, &backend, &count); err != nil {
			return stats, fmt.Errorf("scan audit row: %w", err)
		}
		if toolName != "" {
			stats.ByTool[toolName] += count
		}
		if backend != "" {
			stats.ByBackend[backend] += count
		}
	}
	return stats, rows.Err()
}

// Prune deletes records older than before.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_records WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune audit records: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface verification.
var _ domain.Store = (*SQLiteStore)(nil)

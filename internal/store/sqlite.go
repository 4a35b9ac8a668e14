package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/stmtrelay/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    statement_name  TEXT PRIMARY KEY,
    execution_id    TEXT NOT NULL,
    sql_text        TEXT NOT NULL,
    adapter_kind    TEXT NOT NULL,
    correlation_id  TEXT,
    adapter_fields  TEXT,
    submitted_at    DATETIME NOT NULL,
    expires_at      DATETIME,
    handled         INTEGER NOT NULL DEFAULT 0,
    handled_at      DATETIME,
    detail          TEXT
)`

const createCorrelationIndex = `
CREATE INDEX IF NOT EXISTS idx_executions_correlation
    ON executions (correlation_id, submitted_at)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createExecutionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create executions table: %w", err)
	}

	if _, err := db.Exec(createCorrelationIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create correlation index: %w", err)
	}

	return &SQLiteStore{db: db, opts: newOptions(opts)}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordSubmission inserts a new, unhandled execution record.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, rec *model.ExecutionRecord) error {
	fields, err := json.Marshal(rec.Adapter.Fields)
	if err != nil {
		return fmt.Errorf("marshal adapter fields: %w", err)
	}

	var expiresAt *time.Time
	if rec.ExpiresAt != nil {
		t := rec.ExpiresAt.UTC()
		expiresAt = &t
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (
			statement_name, execution_id, sql_text, adapter_kind,
			correlation_id, adapter_fields, submitted_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (statement_name) DO NOTHING`,
		rec.StatementName, rec.ExecutionID, rec.SQL, string(rec.Adapter.Kind),
		nullString(rec.Adapter.CorrelationID), string(fields), rec.SubmittedAt.UTC(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("record %s: %w", rec.StatementName, ErrDuplicateStatementName)
	}
	return nil
}

// ResolveAdapter retrieves the live record for statementName.
func (s *SQLiteStore) ResolveAdapter(ctx context.Context, statementName string) (*model.ExecutionRecord, error) {
	rec := &model.ExecutionRecord{}
	var (
		kind          string
		correlationID sql.NullString
		fields        sql.NullString
		detail        sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT statement_name, execution_id, sql_text, adapter_kind,
			correlation_id, adapter_fields, submitted_at, expires_at,
			handled, handled_at, detail
		FROM executions WHERE statement_name = ?`, statementName,
	).Scan(
		&rec.StatementName, &rec.ExecutionID, &rec.SQL, &kind,
		&correlationID, &fields, &rec.SubmittedAt, &rec.ExpiresAt,
		&rec.Handled, &rec.HandledAt, &detail,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolve %s: %w", statementName, ErrUnknownStatementName)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	if rec.Expired(s.opts.now()) {
		return nil, fmt.Errorf("resolve %s: expired: %w", statementName, ErrUnknownStatementName)
	}

	rec.Adapter.Kind = model.AdapterKind(kind)
	rec.Adapter.CorrelationID = correlationID.String
	if fields.Valid && fields.String != "null" {
		if err := json.Unmarshal([]byte(fields.String), &rec.Adapter.Fields); err != nil {
			return nil, fmt.Errorf("decode adapter fields: %w", err)
		}
	}
	if detail.Valid {
		rec.Detail = json.RawMessage(detail.String)
	}
	return rec, nil
}

// MarkHandled sets the handled flag with a single conditional update so
// that exactly one concurrent caller observes Recorded.
func (s *SQLiteStore) MarkHandled(ctx context.Context, statementName string, detail json.RawMessage) (MarkResult, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE executions SET handled = 1, handled_at = ?, detail = ? WHERE statement_name = ? AND handled = 0",
		s.opts.now().UTC(), nullString(string(detail)), statementName,
	)
	if err != nil {
		return 0, fmt.Errorf("mark handled: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return Recorded, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE statement_name = ?", statementName,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check execution: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("mark %s: %w", statementName, ErrUnknownStatementName)
	}
	return AlreadyHandled, nil
}

// LatestStatementName returns the most recently submitted statement name
// for correlationID, whether or not it has been handled.
func (s *SQLiteStore) LatestStatementName(ctx context.Context, correlationID string) (string, error) {
	var name string
	var expiresAt *time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT statement_name, expires_at FROM executions
		WHERE correlation_id = ?
		ORDER BY submitted_at DESC, rowid DESC LIMIT 1`, correlationID,
	).Scan(&name, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("latest for %s: %w", correlationID, ErrUnknownStatementName)
	}
	if err != nil {
		return "", fmt.Errorf("get latest execution: %w", err)
	}
	if expiresAt != nil && !s.opts.now().Before(*expiresAt) {
		return "", fmt.Errorf("latest for %s: expired: %w", correlationID, ErrUnknownStatementName)
	}
	return name, nil
}

// GetStats returns aggregate counts over all records.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := newStats()
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(handled), 0) FROM executions",
	).Scan(&stats.Total, &stats.Handled); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	stats.Pending = stats.Total - stats.Handled

	rows, err := tx.QueryContext(ctx, "SELECT adapter_kind, COUNT(*) FROM executions GROUP BY adapter_kind")
	if err != nil {
		return nil, fmt.Errorf("count by adapter: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan adapter count: %w", err)
		}
		stats.CountByAdapter[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate adapter counts: %w", err)
	}

	return stats, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

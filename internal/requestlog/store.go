// Package requestlog persists a best-effort audit trail of proxied requests.
// Writes never block or fail a client request; the gateway logs write errors
// and moves on.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry records one admitted-or-rejected request.
type Entry struct {
	TraceID      string
	ClientID     string
	Method       string
	Route        string
	Base         string
	Table        string
	Record       string
	Status       int
	ErrorMessage string
	CreatedAt    time.Time
}

// Writer persists audit entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// NoopWriter ignores all writes. Used when no audit trail is configured.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteWriter opens (or creates) a SQLite-backed audit trail.
func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "airgate-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// NewPostgresWriter opens a Postgres-backed audit trail.
func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s audit writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS proxy_requests (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	client_id TEXT NOT NULL,
	method TEXT NOT NULL,
	route TEXT NOT NULL,
	base_id TEXT,
	table_name TEXT,
	record_id TEXT,
	status INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS proxy_requests (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	client_id TEXT NOT NULL,
	method TEXT NOT NULL,
	route TEXT NOT NULL,
	base_id TEXT,
	table_name TEXT,
	record_id TEXT,
	status INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize audit schema: %w", err)
	}
	return nil
}

// Write inserts one audit entry.
func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO proxy_requests(trace_id, client_id, method, route, base_id, table_name, record_id, status, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if w.dialect == "postgres" {
		query = `INSERT INTO proxy_requests(trace_id, client_id, method, route, base_id, table_name, record_id, status, error_message, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	}

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.ClientID,
		entry.Method,
		entry.Route,
		entry.Base,
		entry.Table,
		entry.Record,
		entry.Status,
		entry.ErrorMessage,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Query selects audit entries for listing. Zero-valued filters are ignored.
type Query struct {
	Limit    int
	Offset   int
	Route    string
	ClientID string
}

// ListResult is a page of audit entries plus the unpaged total.
type ListResult struct {
	Total int
	Data  []Entry
}

// List returns audit entries, newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (*ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	var where []string
	var args []interface{}
	next := func() string {
		if w.dialect == "postgres" {
			return fmt.Sprintf("$%d", len(args))
		}
		return "?"
	}
	if q.Route != "" {
		args = append(args, q.Route)
		where = append(where, "route = "+next())
	}
	if q.ClientID != "" {
		args = append(args, q.ClientID)
		where = append(where, "client_id = "+next())
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proxy_requests"+cond, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}

	args = append(args, q.Limit)
	limitPh := next()
	args = append(args, q.Offset)
	offsetPh := next()

	rows, err := w.db.QueryContext(ctx,
		"SELECT trace_id, client_id, method, route, base_id, table_name, record_id, status, error_message, created_at FROM proxy_requests"+
			cond+" ORDER BY created_at DESC LIMIT "+limitPh+" OFFSET "+offsetPh, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	result := &ListResult{Total: total}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TraceID, &e.ClientID, &e.Method, &e.Route, &e.Base, &e.Table, &e.Record, &e.Status, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		result.Data = append(result.Data, e)
	}
	return result, rows.Err()
}

// DeleteBefore removes entries created before cutoff and reports how many
// were removed. Used for retention maintenance.
func (w *SQLWriter) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := "DELETE FROM proxy_requests WHERE created_at < ?"
	if w.dialect == "postgres" {
		query = "DELETE FROM proxy_requests WHERE created_at < $1"
	}
	res, err := w.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

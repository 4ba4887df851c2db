// Package accesslog persists per-request records in SQLite. It backs
// the optional access log: method, path, status, latency, and the
// authenticated principal when present.
package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one proxied (or rejected) request.
type Entry struct {
	ID          string
	Method      string
	Path        string
	Status      int
	Duration    time.Duration
	PrincipalID string
	RemoteAddr  string
	CreatedAt   time.Time
}

// Store is a SQLite-backed access log.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the access log database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init access log schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			principal_id TEXT,
			remote_addr TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_principal ON requests(principal_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Record inserts one entry. A zero ID or CreatedAt is filled in.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO requests (id, method, path, status, duration_ns, principal_id, remote_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		e.ID, e.Method, e.Path, e.Status, e.Duration.Nanoseconds(), e.PrincipalID, e.RemoteAddr, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert access log entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, method, path, status, duration_ns, principal_id, remote_addr, created_at
		FROM requests ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durationNS int64
		if err := rows.Scan(&e.ID, &e.Method, &e.Path, &e.Status, &durationNS, &e.PrincipalID, &e.RemoteAddr, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan access log entry: %w", err)
		}
		e.Duration = time.Duration(durationNS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    urls       TEXT NOT NULL,
    completed  INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS session_records (
    session_id TEXT NOT NULL,
    idx        INTEGER NOT NULL,
    url        TEXT NOT NULL,
    success    INTEGER NOT NULL,
    skipped    INTEGER NOT NULL DEFAULT 0,
    category   TEXT,
    message    TEXT,
    attempts   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// SQLiteStore persists snapshots in a SQLite database. It suits long-lived
// deployments where many sessions accumulate and pruning by query beats
// scanning a directory.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// initializes the schema.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults(), now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save writes or replaces the snapshot inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	snap.UpdatedAt = s.now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = snap.UpdatedAt
	}
	urls, err := json.Marshal(snap.URLs)
	if err != nil {
		return fmt.Errorf("marshal url list: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, job_id, urls, completed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   job_id = excluded.job_id,
		   urls = excluded.urls,
		   completed = excluded.completed,
		   updated_at = excluded.updated_at`,
		snap.SessionID, snap.JobID, string(urls), boolToInt(snap.Completed), snap.CreatedAt, snap.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, rec := range snap.Processed {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO session_records
			   (session_id, idx, url, success, skipped, category, message, attempts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.SessionID, rec.Index, rec.URL, boolToInt(rec.Success), boolToInt(rec.Skipped),
			rec.Category, rec.Message, rec.Attempts,
		); err != nil {
			return fmt.Errorf("upsert session record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return nil
}

// Load returns the snapshot for sessionID, or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, job_id, urls, completed, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID,
	)
	var snap Snapshot
	var urls string
	var completed int
	err := row.Scan(&snap.SessionID, &snap.JobID, &urls, &completed, &snap.CreatedAt, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	snap.Completed = completed != 0
	if err := json.Unmarshal([]byte(urls), &snap.URLs); err != nil {
		return nil, fmt.Errorf("decode url list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, url, success, skipped, COALESCE(category, ''), COALESCE(message, ''), attempts
		 FROM session_records WHERE session_id = ? ORDER BY idx ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load session records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec URLRecord
		var success, skipped int
		if err := rows.Scan(&rec.Index, &rec.URL, &success, &skipped, &rec.Category, &rec.Message, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		rec.Success = success != 0
		rec.Skipped = skipped != 0
		snap.Processed = append(snap.Processed, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session records: %w", err)
	}
	return &snap, nil
}

// CanResume reports whether sessionID exists, is incomplete, and is fresh.
func (s *SQLiteStore) CanResume(ctx context.Context, sessionID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT completed, updated_at FROM sessions WHERE session_id = ?`, sessionID,
	)
	var completed int
	var updatedAt time.Time
	err := row.Scan(&completed, &updatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	if completed != 0 {
		return false, nil
	}
	return s.now().Sub(updatedAt) <= s.opts.Expiry, nil
}

// Prune deletes expired sessions and, beyond the retention count, the oldest
// completed ones, along with their records.
func (s *SQLiteStore) Prune(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.Expiry)
	removed := 0

	n, err := s.deleteSessions(ctx,
		`SELECT session_id FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return removed, err
	}
	removed += n

	n, err = s.deleteSessions(ctx,
		`SELECT session_id FROM sessions WHERE completed = 1
		 ORDER BY updated_at ASC
		 LIMIT MAX(0, (SELECT COUNT(*) FROM sessions) - ?)`, s.opts.Retention)
	if err != nil {
		return removed, err
	}
	removed += n
	return removed, nil
}

func (s *SQLiteStore) deleteSessions(ctx context.Context, query string, arg any) (int, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return 0, fmt.Errorf("select prunable sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate prunable sessions: %w", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM session_records WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete session records: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete session: %w", err)
		}
	}
	return len(ids), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package execserver

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// IndexEntry records where a session's artifacts live, surviving the
// session itself. The artifact endpoint uses it to serve files for
// stopped sessions.
type IndexEntry struct {
	SessionID string
	Cwd       string
	CreatedAt time.Time
	StoppedAt *time.Time
}

// SessionIndex persists session metadata in SQLite
type SessionIndex struct {
	db *sql.DB
}

// NewSessionIndex opens (and migrates) the session index under dataDir
func NewSessionIndex(dataDir string) (*SessionIndex, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sessions.db")
	// Enable WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	idx := &SessionIndex{db: db}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return idx, nil
}

func (idx *SessionIndex) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		cwd TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		stopped_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_stopped ON sessions(stopped_at);
	`
	_, err := idx.db.Exec(schema)
	return err
}

// Add records a newly created session
func (idx *SessionIndex) Add(sessionID, cwd string) error {
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO sessions (session_id, cwd, created_at, stopped_at) VALUES (?, ?, ?, NULL)`,
		sessionID, cwd, time.Now().UTC(),
	)
	return err
}

// MarkStopped records that a session has been stopped
func (idx *SessionIndex) MarkStopped(sessionID string) error {
	_, err := idx.db.Exec(
		`UPDATE sessions SET stopped_at = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID,
	)
	return err
}

// Get returns the index entry for a session, or nil when unknown
func (idx *SessionIndex) Get(sessionID string) (*IndexEntry, error) {
	row := idx.db.QueryRow(
		`SELECT session_id, cwd, created_at, stopped_at FROM sessions WHERE session_id = ?`,
		sessionID,
	)

	var entry IndexEntry
	var stoppedAt sql.NullTime
	err := row.Scan(&entry.SessionID, &entry.Cwd, &entry.CreatedAt, &stoppedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if stoppedAt.Valid {
		entry.StoppedAt = &stoppedAt.Time
	}
	return &entry, nil
}

// Prune removes entries stopped longer than retention ago
func (idx *SessionIndex) Prune(retention time.Duration) (int64, error) {
	result, err := idx.db.Exec(
		`DELETE FROM sessions WHERE stopped_at IS NOT NULL AND stopped_at < ?`,
		time.Now().UTC().Add(-retention),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the underlying database
func (idx *SessionIndex) Close() error {
	return idx.db.Close()
}

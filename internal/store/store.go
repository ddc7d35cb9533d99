// Package store persists estimator sessions to SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding sessions, estimates,
// calibration snapshots and faults.
type Store struct {
	*sql.DB

	path string

	mu      sync.Mutex
	pending []Estimate
}

// maxPending bounds the in-memory estimate queue. When the flusher
// falls behind, the oldest rows are dropped first.
const maxPending = 16384

// Open opens (creating if needed) the database at path, applies the
// connection pragmas and runs any outstanding migrations from
// migrationsDir.
func Open(path, migrationsDir string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(migrationsDir); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close flushes any queued estimates and closes the database.
func (s *Store) Close() error {
	if _, err := s.Flush(); err != nil {
		s.DB.Close()
		return err
	}
	return s.DB.Close()
}

// Session is one estimator run.
type Session struct {
	ID        string          `json:"id"`
	StartedAt time.Time       `json:"started_at"`
	Config    json.RawMessage `json:"config"`
}

// CreateSession records a new session with the given configuration and
// returns it. The configuration is stored as JSON.
func (s *Store) CreateSession(config any) (*Session, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal session config: %w", err)
	}

	session := &Session{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Config:    data,
	}

	_, err = s.Exec(
		`INSERT INTO sessions (session_id, started_at, config) VALUES (?, ?, ?)`,
		session.ID, session.StartedAt.Format(time.RFC3339), string(data),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return session, nil
}

// Session returns the session with the given id.
func (s *Store) Session(id string) (*Session, error) {
	var session Session
	var startedAt, config string
	err := s.QueryRow(
		`SELECT session_id, started_at, config FROM sessions WHERE session_id = ?`, id,
	).Scan(&session.ID, &startedAt, &config)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if session.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at for session %s: %w", id, err)
	}
	session.Config = json.RawMessage(config)
	return &session, nil
}

// Sessions returns the most recent sessions, newest first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.Query(
		`SELECT session_id, started_at, config FROM sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		var startedAt, config string
		if err := rows.Scan(&session.ID, &startedAt, &config); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if session.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at for session %s: %w", session.ID, err)
		}
		session.Config = json.RawMessage(config)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

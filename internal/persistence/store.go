// Package persistence journals backend and client attachment lifecycle to
// SQLite so an operator can see which debug sessions ran and how they ended,
// including sessions cut short by a crash of the server itself.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Stop reasons written to backends.stop_reason.
const (
	ReasonRemoved   = "removed"
	ReasonReaped    = "reaped"
	ReasonShutdown  = "shutdown"
	ReasonExited    = "exited"
	ReasonAbandoned = "abandoned"
)

// Backend is one journaled gdb backend.
type Backend struct {
	ID         string `json:"id"`
	Pid        int    `json:"pid"`
	Cmd        string `json:"cmd"`
	GdbPath    string `json:"gdbPath"`
	StartedAt  string `json:"startedAt"`           // RFC 3339
	StoppedAt  string `json:"stoppedAt,omitempty"` // empty while running
	StopReason string `json:"stopReason,omitempty"`
	Clients    int    `json:"clients"` // distinct clients ever attached
}

// Store provides the journal backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path, creating its
// parent directory if needed.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the backends table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS backends (
			id TEXT PRIMARY KEY,
			pid INTEGER NOT NULL DEFAULT 0,
			cmd TEXT NOT NULL DEFAULT '',
			gdb_path TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			stopped_at TEXT,
			stop_reason TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_backends_started ON backends(started_at);
	`)
	return err
}

// migrateV2 creates the attachments table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS attachments (
			backend_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			attached_at TEXT NOT NULL,
			detached_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_backend ON attachments(backend_id);
	`)
	return err
}

// timeLayout has fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// BackendStarted records a newly spawned backend.
func (s *Store) BackendStarted(id string, pid int, cmd []string, gdbPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO backends (id, pid, cmd, gdb_path, started_at) VALUES (?, ?, ?, ?, ?)",
		id, pid, strings.Join(cmd, " "), gdbPath, now(),
	)
	if err != nil {
		return fmt.Errorf("insert backend: %w", err)
	}
	return nil
}

// BackendStopped closes a backend row and every attachment still open on it.
// Stopping an already stopped backend keeps the first reason.
func (s *Store) BackendStopped(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE backends SET stopped_at = ?, stop_reason = ? WHERE id = ? AND stopped_at IS NULL",
		ts, reason, id,
	); err != nil {
		return fmt.Errorf("stop backend: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE attachments SET detached_at = ? WHERE backend_id = ? AND detached_at IS NULL",
		ts, id,
	); err != nil {
		return fmt.Errorf("detach clients: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ClientAttached records that a client started using a backend.
func (s *Store) ClientAttached(backendID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO attachments (backend_id, client_id, attached_at) VALUES (?, ?, ?)",
		backendID, clientID, now(),
	)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// ClientDetached closes the open attachment of a client to a backend.
func (s *Store) ClientDetached(backendID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE attachments SET detached_at = ? WHERE backend_id = ? AND client_id = ? AND detached_at IS NULL",
		now(), backendID, clientID,
	)
	if err != nil {
		return fmt.Errorf("detach client: %w", err)
	}
	return nil
}

// CloseAbandoned marks every backend still open from a previous run as
// abandoned and returns how many there were.
func (s *Store) CloseAbandoned() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	res, err := s.db.Exec(
		"UPDATE backends SET stopped_at = ?, stop_reason = ? WHERE stopped_at IS NULL",
		ts, ReasonAbandoned,
	)
	if err != nil {
		return 0, fmt.Errorf("close abandoned backends: %w", err)
	}
	if _, err := s.db.Exec("UPDATE attachments SET detached_at = ? WHERE detached_at IS NULL", ts); err != nil {
		return 0, fmt.Errorf("close abandoned attachments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count abandoned backends: %w", err)
	}
	return int(n), nil
}

// RecentBackends returns up to limit backends, newest first.
func (s *Store) RecentBackends(limit int) ([]Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT b.id, b.pid, b.cmd, b.gdb_path, b.started_at,
			COALESCE(b.stopped_at, ''), b.stop_reason,
			(SELECT COUNT(DISTINCT a.client_id) FROM attachments a WHERE a.backend_id = b.id)
		FROM backends b
		ORDER BY b.started_at DESC, b.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list backends: %w", err)
	}
	defer rows.Close()

	var out []Backend
	for rows.Next() {
		var b Backend
		if err := rows.Scan(&b.ID, &b.Pid, &b.Cmd, &b.GdbPath, &b.StartedAt, &b.StoppedAt, &b.StopReason, &b.Clients); err != nil {
			return nil, fmt.Errorf("scan backend: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backends: %w", err)
	}

	if out == nil {
		out = []Backend{}
	}
	return out, nil
}

// openAttachments returns the client ids still attached to a backend.
func (s *Store) openAttachments(backendID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT client_id FROM attachments WHERE backend_id = ? AND detached_at IS NULL ORDER BY rowid",
		backendID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}

// Package store provides the controller's SQLite persistence: nodes, their
// event history, available updates, update jobs, and backups. Jobs and
// backups survive controller restarts; the orphan sweep in FailOrphanedJobs
// resolves the ones a restart interrupted.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the controller database.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// New creates a Store on an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// runMigrations creates or updates the schema.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id             TEXT PRIMARY KEY,
		hostname       TEXT NOT NULL DEFAULT '',
		ip             TEXT NOT NULL DEFAULT '',
		ssh_user       TEXT NOT NULL DEFAULT '',
		ssh_port       INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'online',
		last_seen      DATETIME,
		agent_version  TEXT NOT NULL DEFAULT '',
		os_info        TEXT NOT NULL DEFAULT '',
		cpu_percent    REAL NOT NULL DEFAULT 0,
		memory_percent REAL NOT NULL DEFAULT 0,
		disk_percent   REAL NOT NULL DEFAULT 0,
		commit_hash    TEXT NOT NULL DEFAULT '',
		branch_name    TEXT NOT NULL DEFAULT '',
		commit_time    DATETIME,
		code_status    TEXT NOT NULL DEFAULT 'unknown',
		code_source    INTEGER NOT NULL DEFAULT 0,
		extra_json     TEXT,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);

	CREATE TABLE IF NOT EXISTS node_events (
		id           TEXT PRIMARY KEY,
		node_id      TEXT NOT NULL,
		type         TEXT NOT NULL,
		message      TEXT NOT NULL DEFAULT '',
		details_json TEXT,
		created_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_node_events_node ON node_events(node_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_node_events_type ON node_events(type);

	CREATE TABLE IF NOT EXISTS updates (
		id                TEXT PRIMARY KEY,
		node_id           TEXT NOT NULL DEFAULT '',
		package_name      TEXT NOT NULL,
		current_version   TEXT NOT NULL DEFAULT '',
		candidate_version TEXT NOT NULL,
		severity          TEXT NOT NULL,
		is_applied        INTEGER NOT NULL DEFAULT 0,
		applied_at        DATETIME,
		created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_updates_node ON updates(node_id);
	CREATE INDEX IF NOT EXISTS idx_updates_applied ON updates(is_applied);

	CREATE TABLE IF NOT EXISTS update_jobs (
		id              TEXT PRIMARY KEY,
		node_id         TEXT NOT NULL,
		update_ids      TEXT NOT NULL,
		status          TEXT NOT NULL,
		progress        INTEGER NOT NULL DEFAULT 0,
		total_steps     INTEGER NOT NULL DEFAULT 0,
		completed_steps INTEGER NOT NULL DEFAULT 0,
		current_step    TEXT NOT NULL DEFAULT '',
		output          TEXT NOT NULL DEFAULT '',
		error           TEXT NOT NULL DEFAULT '',
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		started_at      DATETIME,
		finished_at     DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_update_jobs_node ON update_jobs(node_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_update_jobs_status ON update_jobs(status);

	CREATE TABLE IF NOT EXISTS backups (
		id          TEXT PRIMARY KEY,
		node_id     TEXT NOT NULL,
		service     TEXT NOT NULL DEFAULT 'redis',
		status      TEXT NOT NULL,
		size_bytes  INTEGER NOT NULL DEFAULT 0,
		sha256      TEXT NOT NULL DEFAULT '',
		location    TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		extra_json  TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_backups_node ON backups(node_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// GetMeta reads a meta value into out (stored as JSON). Returns
// ErrNotFound when the key was never written.
func (s *Store) GetMeta(key string, out any) error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get meta %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode meta %s: %w", key, err)
	}
	return nil
}

// SetMeta writes a meta value as JSON.
func (s *Store) SetMeta(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, string(raw))
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

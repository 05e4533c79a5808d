// Package store implements the embedded persistence layer for the Command
// Center: the event log, alert rules, the durable delivery queue and its
// attempt history, dedup bookkeeping, and the hash-chained operator audit
// log. All six tables live in one SQLite database file.
//
// # WAL mode
//
// The database is opened with journal_mode=WAL and synchronous=NORMAL so a
// commit is durable across process crashes without paying a full fsync per
// transaction. modernc.org/sqlite supports a single writer; the pool is
// constrained to one connection so concurrent writers serialize in Go
// rather than surfacing SQLITE_BUSY.
//
// # Timestamps
//
// Timestamps are stored as TEXT in a fixed-width RFC 3339 UTC layout with a
// nine-digit fraction. Fixed width makes lexical order equal to
// chronological order, so range predicates on time columns compare
// correctly in SQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// DefaultQueryLimit is applied when a caller passes a limit ≤ 0.
	DefaultQueryLimit = 50

	// MaxQueryLimit caps every list operation regardless of the requested
	// limit.
	MaxQueryLimit = 1000
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

const ddl = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id    TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	source      TEXT NOT NULL,
	severity    TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	payload     TEXT,
	timestamp   TEXT NOT NULL,
	received_at TEXT NOT NULL,
	client_ip   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_type_time    ON events(event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_source_time  ON events(source, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_tenant_time  ON events(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_received_at  ON events(received_at);

CREATE TABLE IF NOT EXISTS alert_rules (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL,
	event_type     TEXT,
	source         TEXT,
	severity       TEXT,
	tenant_id      TEXT,
	window_seconds INTEGER NOT NULL,
	threshold      INTEGER NOT NULL,
	enabled        INTEGER NOT NULL DEFAULT 1,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS delivery_queue (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_event_id  TEXT NOT NULL,
	rule_name       TEXT NOT NULL,
	alert_payload   TEXT NOT NULL,
	webhook_url     TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 5,
	next_attempt_at TEXT NOT NULL,
	last_error      TEXT,
	replay_of       INTEGER,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_next_attempt ON delivery_queue(next_attempt_at);

CREATE TABLE IF NOT EXISTS delivery_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	delivery_id     INTEGER NOT NULL,
	alert_event_id  TEXT NOT NULL,
	rule_name       TEXT NOT NULL,
	alert_payload   TEXT NOT NULL,
	webhook_url     TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	max_attempts    INTEGER NOT NULL,
	status          TEXT NOT NULL,
	error           TEXT,
	next_attempt_at TEXT,
	replay_of       INTEGER,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_delivery ON delivery_history(delivery_id);

CREATE TABLE IF NOT EXISTS dedup_history (
	rule_name       TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	last_enqueue_at TEXT NOT NULL,
	PRIMARY KEY (rule_name, tenant_id)
);

CREATE TABLE IF NOT EXISTS operator_audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	actor      TEXT NOT NULL,
	action     TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	metadata   TEXT,
	source_ip  TEXT,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Store is the SQLite-backed persistence layer shared by every Command
// Center subsystem. All methods are safe for concurrent use; the single
// pooled connection serializes writers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path, applies the
// connection pragmas, and ensures the schema exists. Use ":memory:" for an
// ephemeral in-memory database in tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// --- internal helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts the store's own fixed-width layout and falls back to
// RFC 3339 for rows inserted by hand (fixtures, sqlite3 shell).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// nullableStr converts an empty string to a nil pointer, which the driver
// stores as SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullableID converts a zero id to a nil pointer (stored as SQL NULL).
func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

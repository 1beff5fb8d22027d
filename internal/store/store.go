// Package store owns the transactional schema described in spec.md §3:
// one SQLite database (snapshot-isolation via per-statement transactions)
// holding the tables every other replication-core package reads and
// writes through narrow, component-owned methods.
//
// Grounded on daemon/manager/persistence.go's PersistentStore: same
// modernc.org/sqlite driver, same connection-pool tuning, same
// INSERT-OR-REPLACE / explicit-transaction idioms, generalized from one
// table (transfer_sessions) to the full §3 entity set.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB handle. Every component package (transfer,
// availability, peercatalog, scheduler) is handed the same *DB and owns
// the tables relevant to it; none of them reach past the methods exposed
// here into another package's rows.
type DB struct {
	SQL *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the full schema. A single process owns this handle; SQLite serializes
// writers itself, which is sufficient for the per-(node,artifact) and
// per-session write locality the spec requires (§5).
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	db := &DB{SQL: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.SQL.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	repo_id TEXT NOT NULL DEFAULT '',
	byte_size INTEGER NOT NULL,
	whole_digest TEXT NOT NULL,
	chunk_size INTEGER NOT NULL,
	total_chunks INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	default_priority INTEGER NOT NULL DEFAULT 2
);

CREATE TABLE IF NOT EXISTS edge_nodes (
	id TEXT PRIMARY KEY,
	endpoint TEXT NOT NULL,
	region TEXT NOT NULL,
	status TEXT NOT NULL,
	max_upload_bps INTEGER NOT NULL DEFAULT 0,
	max_download_bps INTEGER NOT NULL DEFAULT 0,
	sync_window_start TEXT NOT NULL DEFAULT '',
	sync_window_end TEXT NOT NULL DEFAULT '',
	sync_window_tz TEXT NOT NULL DEFAULT 'UTC',
	max_concurrency INTEGER NOT NULL DEFAULT 4,
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	backoff_until TIMESTAMP,
	last_seen TIMESTAMP,
	cache_used_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS repo_assignments (
	edge_id TEXT NOT NULL,
	repo_id TEXT NOT NULL,
	sync_enabled INTEGER NOT NULL DEFAULT 1,
	priority_override INTEGER,
	repo_default_priority INTEGER NOT NULL DEFAULT 2,
	schedule TEXT,
	last_replicated_at TIMESTAMP,
	PRIMARY KEY (edge_id, repo_id)
);

CREATE TABLE IF NOT EXISTS transfer_sessions (
	id TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL,
	target_node TEXT NOT NULL,
	total_chunks INTEGER NOT NULL,
	chunk_size INTEGER NOT NULL,
	status TEXT NOT NULL,
	scheduling_priority INTEGER NOT NULL DEFAULT 2,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	artifact_digest TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	UNIQUE (artifact_id, target_node)
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON transfer_sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_target ON transfer_sessions(target_node);

CREATE TABLE IF NOT EXISTS transfer_chunks (
	session_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	status TEXT NOT NULL,
	source_peer TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, chunk_index),
	FOREIGN KEY (session_id) REFERENCES transfer_sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chunks_status ON transfer_chunks(session_id, status);

CREATE TABLE IF NOT EXISTS chunk_availability (
	edge_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	bitfield BLOB NOT NULL,
	total_chunks INTEGER NOT NULL,
	available_count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (edge_id, artifact_id)
);
CREATE INDEX IF NOT EXISTS idx_availability_artifact ON chunk_availability(artifact_id);

CREATE TABLE IF NOT EXISTS peer_connections (
	source_node TEXT NOT NULL,
	target_node TEXT NOT NULL,
	latency_ms REAL,
	bandwidth_bps REAL,
	status TEXT NOT NULL DEFAULT 'probing',
	last_probed_at TIMESTAMP,
	success_ct INTEGER NOT NULL DEFAULT 0,
	failure_ct INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_node, target_node),
	CHECK (source_node <> target_node)
);

CREATE TABLE IF NOT EXISTS sync_tasks (
	id TEXT PRIMARY KEY,
	scheduling_priority INTEGER NOT NULL,
	enqueued_at TIMESTAMP NOT NULL,
	edge_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_tasks_priority ON sync_tasks(scheduling_priority, enqueued_at);
`

func (db *DB) migrate() error {
	if _, err := db.SQL.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	var version int
	err := db.SQL.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		_, err = db.SQL.Exec(`INSERT INTO schema_version (version) VALUES (1)`)
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: schema version: %w", err)
	}
	return nil
}

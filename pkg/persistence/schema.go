// Package persistence is the durable audit trail. The in-memory job store
// is authoritative while a job lives; this package records every committed
// state transition and a summary row per terminal job, so history survives
// the janitor's reap and service restarts. All writes flow through a
// single worker goroutine feeding one SQLite connection.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// CurrentSchemaVersion is bumped with every incompatible schema change.
const CurrentSchemaVersion = 1

// Open opens (or creates) the database at dbPath and brings the schema to
// the current version.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func migrate(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	switch {
	case version == 0:
		return createSchema(db)
	case version == CurrentSchemaVersion:
		return nil
	case version > CurrentSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, CurrentSchemaVersion)
	}
	// No migrations exist yet below the current version.
	return fmt.Errorf("no migration path from schema version %d", version)
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE job_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	owner      TEXT NOT NULL DEFAULT '',
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	exit_code  INTEGER,
	at         TIMESTAMP NOT NULL
);
CREATE INDEX idx_job_events_job ON job_events(job_id, id);

CREATE TABLE jobs (
	job_id           TEXT PRIMARY KEY,
	owner            TEXT NOT NULL DEFAULT '',
	repo             TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	exit_code        INTEGER,
	clone_method     TEXT NOT NULL DEFAULT '',
	git_status       TEXT NOT NULL DEFAULT '',
	index_status     TEXT NOT NULL DEFAULT '',
	prompt_bytes     INTEGER NOT NULL DEFAULT 0,
	prompt_tokens    INTEGER NOT NULL DEFAULT 0,
	output_bytes     INTEGER NOT NULL DEFAULT 0,
	output_truncated INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	started_at       TIMESTAMP,
	ended_at         TIMESTAMP
);
CREATE INDEX idx_jobs_owner ON jobs(owner, ended_at);

CREATE TABLE service_runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	version    TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	stopped_at TIMESTAMP
);
`
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit()
}

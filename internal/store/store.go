// Package store owns the relational persistence layer: schema
// migrations and a shared *sql.DB. modernc.org/sqlite is a pure-Go
// driver with no cgo dependency, the right fit for a local-first desktop
// application's single-file store.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaVersion is the code's expected schema version. Open refuses to
// operate against a database stamped with a newer version and applies
// any migrations an older database is missing.
const schemaVersion = 1

// migrations are applied in order, V1..Vn, each idempotent via
// "IF NOT EXISTS" so re-running a partially applied migration is safe.
var migrations = []string{
	v1Schema,
}

const v1Schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	public_key TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_revisions (
	project_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	policy_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	actor TEXT,
	note TEXT,
	PRIMARY KEY (project_id, version)
);

CREATE TABLE IF NOT EXISTS policies (
	project_id TEXT PRIMARY KEY,
	current_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	seed INTEGER NOT NULL,
	proof_mode TEXT NOT NULL,
	sampler_json TEXT,
	policy_version INTEGER NOT NULL,
	state TEXT NOT NULL,
	rerun_of TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id TEXT NOT NULL,
	order_index INTEGER NOT NULL,
	config_json TEXT NOT NULL,
	PRIMARY KEY (run_id, order_index)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	parent_checkpoint TEXT,
	kind TEXT NOT NULL,
	order_index INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	inputs_sha256 TEXT,
	outputs_sha256 TEXT,
	prev_chain TEXT NOT NULL,
	curr_chain TEXT NOT NULL,
	signature TEXT NOT NULL,
	usage_tokens INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	semantic_digest TEXT,
	incident_json TEXT,
	policy_revision_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, order_index);

CREATE TABLE IF NOT EXISTS checkpoint_payloads (
	checkpoint_id TEXT PRIMARY KEY,
	prompt_payload TEXT,
	output_preview TEXT,
	full_output_hash TEXT
);

CREATE TABLE IF NOT EXISTS edit_log (
	run_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	diff_sha256 TEXT NOT NULL,
	diff_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS receipts (
	car_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	file_path TEXT,
	match_kind TEXT NOT NULL,
	epsilon REAL,
	s_grade TEXT
);
`

// Open opens (creating if absent) a SQLite database at path and applies
// any unapplied migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	ctx := context.Background()

	var current int
	row := db.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE id = 1`)
	switch err := row.Scan(&current); {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		// Table likely doesn't exist yet; apply migration 1 which creates it.
		current = 0
	}

	if current > schemaVersion {
		return fmt.Errorf("store: database schema v%d is newer than code v%d", current, schemaVersion)
	}

	for i := current; i < len(migrations); i++ {
		if _, err := db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("store: apply migration v%d: %w", i+1, err)
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO schema_meta (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version
	`, schemaVersion)
	if err != nil {
		return fmt.Errorf("store: stamp schema version: %w", err)
	}
	return nil
}

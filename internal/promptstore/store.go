// Package promptstore is the self-improvement store: versioned personas
// with a rollback chain, persona patch lifecycle, A/B tests, capability
// states, and immutable run records. It lives in its own SQLite file,
// independent of the run/state store; there is no cross-store atomicity.
package promptstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "evoloop-si-v1-versions-patches-abtests"
)

// Store wraps the self-improvement SQLite database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.evoloop/improve.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".evoloop", "improve.db")
}

// Open opens (or creates) the self-improvement database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS si_prompt_versions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			persona_text TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			applied_patch_id TEXT,
			previous_version_id TEXT,
			ab_test_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(workflow_id, agent_id, version_number)
		);`,
		// At most one active version per (workflow, agent).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_active
			ON si_prompt_versions(workflow_id, agent_id) WHERE is_active = 1;`,
		`CREATE TABLE IF NOT EXISTS si_prompt_patches (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			capability_gaps JSON NOT NULL DEFAULT '[]',
			base_version_id TEXT,
			proposed_persona TEXT NOT NULL,
			justification TEXT NOT NULL DEFAULT '',
			generated_by TEXT NOT NULL CHECK(generated_by IN ('heuristic', 'llm')),
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'rejected', 'applied')),
			confidence REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS si_ab_tests (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			control_version_id TEXT NOT NULL,
			candidate_version_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('active', 'completed', 'canceled')),
			winner TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ab_tests_active
			ON si_ab_tests(workflow_id, agent_id) WHERE status = 'active';`,
		`CREATE TABLE IF NOT EXISTS si_capability_states (
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			proficiency REAL NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			evidence TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (workflow_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS si_run_records (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_scores JSON NOT NULL DEFAULT '{}',
			agent_scores JSON NOT NULL DEFAULT '{}',
			prompt_versions JSON NOT NULL DEFAULT '{}',
			total_retries INTEGER NOT NULL DEFAULT 0,
			total_steps INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			operator_score REAL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patches_status ON si_prompt_patches(workflow_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_records_workflow ON si_run_records(workflow_id, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the global database connection
var DB *sql.DB

// InitDB initializes the SQLite database connection and creates tables
func InitDB(dbPath string) error {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := DB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// CloseDB closes the database connection
func CloseDB() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

func createTables() error {
	_, err := DB.Exec(`
		CREATE TABLE IF NOT EXISTS sandboxes (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			state_reason TEXT DEFAULT '',
			image TEXT NOT NULL,
			pod_name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sandboxes table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			id TEXT PRIMARY KEY,
			sandbox_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			status TEXT NOT NULL,
			status_reason TEXT DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			ttl_seconds INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			max_expires_at TIMESTAMP NOT NULL,
			released_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create leases table: %w", err)
	}

	// One active lease per (user, workflow) at any instant.
	_, err = DB.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uq_leases_active_owner
		ON leases(user_id, workflow_id) WHERE status = 'active'
	`)
	if err != nil {
		return fmt.Errorf("failed to create active lease index: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			lease_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			sandbox_id TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER DEFAULT 0,
			error TEXT DEFAULT '',
			output_tail TEXT DEFAULT '',
			artifact_refs_json TEXT DEFAULT '[]',
			token_ciphertext TEXT DEFAULT '',
			token_nonce TEXT DEFAULT '',
			token_key_id TEXT DEFAULT '',
			token_sha256 TEXT DEFAULT '',
			timeout_seconds INTEGER NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	// One in-flight run per lease at a time.
	_, err = DB.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uq_runs_inflight
		ON runs(lease_id) WHERE status IN ('pending', 'running')
	`)
	if err != nil {
		return fmt.Errorf("failed to create in-flight run index: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS reclaim_runs (
			id TEXT PRIMARY KEY,
			trigger_type TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			expired_leases INTEGER DEFAULT 0,
			orphaned_runs INTEGER DEFAULT 0,
			forced_destroys INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create reclaim_runs table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS reclaim_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create reclaim_items table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			source TEXT NOT NULL,
			from_status TEXT DEFAULT '',
			to_status TEXT NOT NULL,
			reason TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create lifecycle_events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_leases_status ON leases(status)",
		"CREATE INDEX IF NOT EXISTS idx_leases_expires_at ON leases(status, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_leases_request ON leases(user_id, workflow_id, request_id)",
		"CREATE INDEX IF NOT EXISTS idx_runs_lease ON runs(lease_id)",
		"CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)",
		"CREATE INDEX IF NOT EXISTS idx_sandboxes_state ON sandboxes(state)",
		"CREATE INDEX IF NOT EXISTS idx_reclaim_items_run ON reclaim_items(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_target ON lifecycle_events(target_kind, target_id)",
	}
	for _, idx := range indexes {
		if _, err := DB.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Package db provides database schema migration management.
package db

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one versioned schema step. Steps are embedded in the
// binary; the terminal has no deploy pipeline that could ship SQL files.
type migration struct {
	Version     int
	Description string
	Statements  []string
}

// migrations lists every schema step in order. Append only.
var migrations = []migration{
	{
		Version:     1,
		Description: "sync item queue",
		Statements: []string{`
		CREATE TABLE IF NOT EXISTS sync_items (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload BLOB NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			next_eligible_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
			`CREATE INDEX IF NOT EXISTS idx_sync_items_pending
			ON sync_items (status, priority, created_at, seq);`,
		},
	},
	{
		Version:     2,
		Description: "conflict records and audit trail",
		Statements: []string{`
		CREATE TABLE IF NOT EXISTS conflict_records (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			local_value BLOB NOT NULL,
			remote_value BLOB NOT NULL,
			local_modified_at INTEGER NOT NULL,
			remote_modified_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			resolution TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			detected_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL DEFAULT 0
		);`,
			`CREATE INDEX IF NOT EXISTS idx_conflict_records_status
			ON conflict_records (status, detected_at);`,
			`CREATE TABLE IF NOT EXISTS conflict_audit (
			id TEXT PRIMARY KEY,
			conflict_id TEXT NOT NULL REFERENCES conflict_records(id),
			rule TEXT NOT NULL,
			outcome TEXT NOT NULL,
			actor TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL
		);`,
		},
	},
}

// Migrator applies embedded schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Up applies all pending migrations in version order.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Description, err)
		}
	}
	return nil
}

// apply runs one migration inside a transaction.
func (m *Migrator) apply(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range mig.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		mig.Version, time.Now().Unix(), mig.Description,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

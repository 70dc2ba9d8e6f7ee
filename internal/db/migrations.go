package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS action_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	character TEXT NOT NULL,
	action_type TEXT NOT NULL,
	x INTEGER NOT NULL DEFAULT 0,
	y INTEGER NOT NULL DEFAULT 0,
	result TEXT,
	error TEXT,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS action_logs_timestamp
ON action_logs(timestamp DESC);

CREATE TABLE IF NOT EXISTS inventory_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	character TEXT NOT NULL,
	items TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS inventory_snapshots_timestamp
ON inventory_snapshots(timestamp DESC);

CREATE TABLE IF NOT EXISTS character_tasks (
	id TEXT PRIMARY KEY,
	character TEXT NOT NULL,
	task_type TEXT NOT NULL,
	script_name TEXT NOT NULL,
	script_args TEXT NOT NULL DEFAULT '[]',
	state TEXT NOT NULL CHECK(state IN ('idle','starting','running','stopping','stopped','errored','recovered')),
	process_id INTEGER,
	start_time TEXT,
	last_updated TEXT NOT NULL,
	task_data TEXT,
	error_message TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS character_tasks_character
ON character_tasks(character);

CREATE INDEX IF NOT EXISTS character_tasks_state
ON character_tasks(state);
`,
		DownSQL: `
DROP TABLE IF EXISTS character_tasks;
DROP TABLE IF EXISTS inventory_snapshots;
DROP TABLE IF EXISTS action_logs;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		// Retention: keep the newest ~10000 rows per log table, checked at
		// a coarse insert granularity so the delete cost amortizes.
		Version: 2,
		UpSQL: `
CREATE TRIGGER IF NOT EXISTS action_logs_prune
AFTER INSERT ON action_logs
WHEN (NEW.id % 1000) = 0
BEGIN
	DELETE FROM action_logs WHERE id <= NEW.id - 10000;
END;

CREATE TRIGGER IF NOT EXISTS inventory_snapshots_prune
AFTER INSERT ON inventory_snapshots
WHEN (NEW.id % 500) = 0
BEGIN
	DELETE FROM inventory_snapshots WHERE id <= NEW.id - 10000;
END;
`,
		DownSQL: `
DROP TRIGGER IF EXISTS inventory_snapshots_prune;
DROP TRIGGER IF EXISTS action_logs_prune;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}

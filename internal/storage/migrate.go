package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations 按顺序执行；PRAGMA user_version 记录已应用的版本
// migrations run in order; PRAGMA user_version records how many applied
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS memories (
		id           TEXT PRIMARY KEY,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		memory_type  TEXT NOT NULL DEFAULT '',
		topics       TEXT NOT NULL DEFAULT '[]',
		embedding    BLOB,
		importance   REAL NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		synced_at    TEXT,
		cloud_id     TEXT,
		remote_rev   TEXT NOT NULL DEFAULT '',
		pending_sync INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		session_type TEXT NOT NULL DEFAULT '',
		context      TEXT NOT NULL DEFAULT '{}',
		messages     TEXT NOT NULL DEFAULT '[]',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		synced_at    TEXT,
		cloud_id     TEXT,
		remote_rev   TEXT NOT NULL DEFAULT '',
		pending_sync INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS tasks (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT NOT NULL UNIQUE,
		task_type        TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 0,
		payload          BLOB,
		status           TEXT NOT NULL,
		created_at       TEXT NOT NULL,
		available_at     TEXT NOT NULL,
		started_at       TEXT,
		finished_at      TEXT,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		max_retries      INTEGER NOT NULL DEFAULT 3,
		last_error       TEXT NOT NULL DEFAULT '',
		estimated_cpu    REAL NOT NULL DEFAULT 0,
		estimated_ram    REAL NOT NULL DEFAULT 0,
		requires_gpu     INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id             TEXT PRIMARY KEY,
		entity_type    TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		local_version  TEXT NOT NULL,
		remote_version TEXT NOT NULL,
		remote_rev     TEXT NOT NULL DEFAULT '',
		detected_at    TEXT NOT NULL,
		UNIQUE(entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(content_hash);
	CREATE INDEX IF NOT EXISTS idx_memories_pending ON memories(pending_sync);
	CREATE INDEX IF NOT EXISTS idx_memories_cloud ON memories(cloud_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_pending ON sessions(pending_sync);
	CREATE INDEX IF NOT EXISTS idx_sessions_cloud ON sessions(cloud_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(status, priority DESC, created_at, seq);
	`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion reports the applied migration count.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	return version, err
}

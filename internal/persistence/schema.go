package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		title TEXT NOT NULL,
		status INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		capabilities TEXT NOT NULL,
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		blocked_by TEXT NOT NULL DEFAULT '',
		timeout INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		kind INTEGER NOT NULL,
		PRIMARY KEY (from_id, to_id),
		FOREIGN KEY (from_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (to_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_to_id ON task_dependencies(to_id);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		capabilities TEXT NOT NULL,
		capacity INTEGER NOT NULL,
		current_load INTEGER NOT NULL,
		status INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		last_heartbeat INTEGER NOT NULL,
		registered_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload BLOB,
		priority INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

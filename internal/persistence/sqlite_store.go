package persistence

import (
	"context"
	"database/sql"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			definition BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			state BLOB NOT NULL,
			trigger_data BLOB,
			mock_results BLOB,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			wake_at INTEGER NOT NULL DEFAULT 0,
			parent_execution_id TEXT NOT NULL DEFAULT '',
			parent_node_id TEXT NOT NULL DEFAULT '',
			nesting_depth INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL DEFAULT '',
			debug INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			deadline INTEGER NOT NULL DEFAULT 0,
			replay_of TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_runnable ON executions(status, wake_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_execution_id)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			signal_name TEXT NOT NULL,
			payload BLOB,
			received_at INTEGER NOT NULL,
			consumed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals(execution_id, signal_name, consumed_at)`,
		`CREATE TABLE IF NOT EXISTS sub_workflow_calls (
			id TEXT PRIMARY KEY,
			parent_execution_id TEXT NOT NULL,
			parent_node_id TEXT NOT NULL,
			child_execution_id TEXT NOT NULL,
			input_mapping BLOB,
			output_mapping BLOB,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (parent_execution_id, parent_node_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sub_workflow_calls_child ON sub_workflow_calls(child_execution_id)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			next_run_at INTEGER NOT NULL,
			last_run_at INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			trigger_data BLOB,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idem_key TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id, id)`,
	},
	// SQLite serializes writers, so the subselect and the update see the
	// same snapshot.
	claimQuery: `
		UPDATE executions SET lease_owner = ?, lease_expires_at = ?
		WHERE id IN (
			SELECT id FROM executions
			WHERE status = 'running' AND wake_at <= ?
			  AND (lease_owner = '' OR lease_expires_at <= ?)
			ORDER BY priority DESC, wake_at
			LIMIT ?
		)
		RETURNING ` + executionColumns,
}

// NewSQLiteStore initializes the schema in db and returns a store backed
// by it.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// In-memory databases must be limited to one connection
// (db.SetMaxOpenConns(1)), otherwise each connection sees its own empty
// database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(context.Background(), db, sqliteDialect)
}

package persistence

import (
	"context"
	"database/sql"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			definition BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			state BYTEA NOT NULL,
			trigger_data BYTEA,
			mock_results BYTEA,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at BIGINT NOT NULL DEFAULT 0,
			wake_at BIGINT NOT NULL DEFAULT 0,
			parent_execution_id TEXT NOT NULL DEFAULT '',
			parent_node_id TEXT NOT NULL DEFAULT '',
			nesting_depth INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL DEFAULT '',
			debug INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			deadline BIGINT NOT NULL DEFAULT 0,
			replay_of TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_runnable ON executions(status, wake_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_execution_id)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			signal_name TEXT NOT NULL,
			payload BYTEA,
			received_at BIGINT NOT NULL,
			consumed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals(execution_id, signal_name, consumed_at)`,
		`CREATE TABLE IF NOT EXISTS sub_workflow_calls (
			id TEXT PRIMARY KEY,
			parent_execution_id TEXT NOT NULL,
			parent_node_id TEXT NOT NULL,
			child_execution_id TEXT NOT NULL,
			input_mapping BYTEA,
			output_mapping BYTEA,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (parent_execution_id, parent_node_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sub_workflow_calls_child ON sub_workflow_calls(child_execution_id)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			next_run_at BIGINT NOT NULL,
			last_run_at BIGINT NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			trigger_data BYTEA,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idem_key TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id BIGSERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id, id)`,
	},
	// SKIP LOCKED lets concurrent workers claim disjoint batches without
	// blocking on each other's candidate rows.
	claimQuery: `
		UPDATE executions SET lease_owner = ?, lease_expires_at = ?
		WHERE id IN (
			SELECT id FROM executions
			WHERE status = 'running' AND wake_at <= ?
			  AND (lease_owner = '' OR lease_expires_at <= ?)
			ORDER BY priority DESC, wake_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + executionColumns,
}

// NewPostgresStore initializes the schema in db and returns a store backed
// by it.
//
// It expects an *sql.DB that uses a PostgreSQL driver, typically
// "github.com/jackc/pgx/v5/stdlib":
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(context.Background(), db, postgresDialect)
}

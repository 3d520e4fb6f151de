package durably

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL returns the CREATE TABLE statements for the system database,
// parameterized by schema name. The teacher embeds an external migration
// file (go:embed migrations/1_initial_dbos_schema.sql); that file was not
// part of this retrieval pack, so the schema is expressed directly as Go
// string constants instead of an embed target that does not exist.
func schemaDDL(schema string) []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.workflow_status (
			workflow_uuid TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			name TEXT,
			authenticated_user TEXT,
			assumed_role TEXT,
			authenticated_roles TEXT,
			request TEXT,
			input TEXT,
			output TEXT,
			error TEXT,
			executor_id TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			application_version TEXT,
			queue_name TEXT,
			dedup_id TEXT,
			priority INT NOT NULL DEFAULT 0,
			deadline_epoch_ms BIGINT,
			timeout_ms BIGINT,
			queued_at BIGINT,
			started_at BIGINT,
			completed_at BIGINT,
			UNIQUE (queue_name, dedup_id)
		)`, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.transaction_outputs (
			workflow_uuid TEXT NOT NULL REFERENCES %s.workflow_status(workflow_uuid),
			function_id INT NOT NULL,
			function_name TEXT,
			output TEXT,
			error TEXT,
			txn_id TEXT,
			txn_snapshot TEXT,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_uuid, function_id)
		)`, schema, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.operation_outputs (
			workflow_uuid TEXT NOT NULL REFERENCES %s.workflow_status(workflow_uuid),
			function_id INT NOT NULL,
			function_name TEXT,
			output TEXT,
			error TEXT,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_uuid, function_id)
		)`, schema, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.notifications (
			message_uuid TEXT PRIMARY KEY,
			destination_uuid TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			message TEXT,
			created_at_epoch_ms BIGINT NOT NULL
		)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_notifications_dest_topic ON %s.notifications (destination_uuid, topic, created_at_epoch_ms)`, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.workflow_events (
			workflow_uuid TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY (workflow_uuid, key)
		)`, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.workflow_queue (
			workflow_uuid TEXT PRIMARY KEY REFERENCES %s.workflow_status(workflow_uuid),
			queue_name TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT
		)`, schema, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.executor_heartbeats (
			executor_id TEXT PRIMARY KEY,
			last_seen_at BIGINT NOT NULL
		)`, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.scheduler_state (
			workflow_name TEXT PRIMARY KEY,
			last_fired_at_epoch_ms BIGINT NOT NULL
		)`, schema),
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	for _, stmt := range schemaDDL(schema) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return wrapError(KindSystemDatabase, "run schema migration", err)
		}
	}
	return nil
}

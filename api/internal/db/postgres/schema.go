package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied at startup. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS agent_audit_events (
		id              UUID PRIMARY KEY,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		action          TEXT NOT NULL,
		site_id         TEXT NOT NULL,
		site_name       TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		runtime         TEXT NOT NULL DEFAULT '',
		domain          TEXT NOT NULL DEFAULT '',
		trace_id        TEXT NOT NULL DEFAULT '',
		stage           TEXT NOT NULL DEFAULT '',
		content_changed BOOLEAN NOT NULL DEFAULT FALSE,
		error           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS agent_audit_events_created_at_idx ON agent_audit_events (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS agent_deployments (
		trace_id        TEXT PRIMARY KEY,
		site_id         TEXT NOT NULL,
		policy          TEXT NOT NULL,
		state           TEXT NOT NULL,
		digest          TEXT NOT NULL DEFAULT '',
		served_path     TEXT NOT NULL DEFAULT '',
		failed_stage    TEXT NOT NULL DEFAULT '',
		content_changed BOOLEAN NOT NULL DEFAULT FALSE,
		started_at      TIMESTAMPTZ NOT NULL,
		finished_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS agent_deployments_site_idx ON agent_deployments (site_id, started_at DESC)`,
}

// Migrate creates the agent tables when they are missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

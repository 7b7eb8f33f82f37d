package db

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		endpoint    TEXT NOT NULL,
		specialties TEXT[] NOT NULL DEFAULT '{}',
		weight      DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		model       TEXT NOT NULL DEFAULT '',
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS dispatch_tasks (
		id              TEXT PRIMARY KEY,
		task_type       TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL,
		status          TEXT NOT NULL,
		agents          TEXT[] NOT NULL DEFAULT '{}',
		winner_agent_id TEXT,
		winner_text     TEXT,
		ranking         JSONB,
		cache_stats     JSONB,
		error_message   TEXT,
		created_at      TIMESTAMPTZ NOT NULL,
		completed_at    TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS agent_responses (
		task_id       TEXT NOT NULL REFERENCES dispatch_tasks(id) ON DELETE CASCADE,
		agent_id      TEXT NOT NULL,
		success       BOOLEAN NOT NULL,
		response_text TEXT NOT NULL DEFAULT '',
		latency_ms    BIGINT NOT NULL DEFAULT 0,
		cache_hit     BOOLEAN NOT NULL DEFAULT FALSE,
		attempts      INTEGER NOT NULL DEFAULT 0,
		score         DOUBLE PRECISION NOT NULL DEFAULT 0,
		model         TEXT NOT NULL DEFAULT '',
		responded_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (task_id, agent_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatch_tasks_created_at ON dispatch_tasks (created_at DESC)`,
}

// EnsureSchema creates the sink tables when missing.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

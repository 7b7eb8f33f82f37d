package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/dispatch"
)

const upsertAgentQuery = `
	INSERT INTO agents (id, endpoint, specialties, weight, model, updated_at)
	VALUES (:id, :endpoint, :specialties, :weight, :model, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
		endpoint = EXCLUDED.endpoint,
		specialties = EXCLUDED.specialties,
		weight = EXCLUDED.weight,
		model = EXCLUDED.model,
		updated_at = EXCLUDED.updated_at`

const upsertTaskQuery = `
	INSERT INTO dispatch_tasks (
		id, task_type, description, status, agents, winner_agent_id, winner_text,
		ranking, cache_stats, error_message, created_at, completed_at
	) VALUES (
		:id, :task_type, :description, :status, :agents, :winner_agent_id, :winner_text,
		:ranking, :cache_stats, :error_message, :created_at, :completed_at
	)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		agents = EXCLUDED.agents,
		winner_agent_id = EXCLUDED.winner_agent_id,
		winner_text = EXCLUDED.winner_text,
		ranking = EXCLUDED.ranking,
		cache_stats = EXCLUDED.cache_stats,
		error_message = EXCLUDED.error_message,
		completed_at = EXCLUDED.completed_at`

const upsertResponseQuery = `
	INSERT INTO agent_responses (
		task_id, agent_id, success, response_text, latency_ms, cache_hit,
		attempts, score, model, responded_at
	) VALUES (
		:task_id, :agent_id, :success, :response_text, :latency_ms, :cache_hit,
		:attempts, :score, :model, :responded_at
	)
	ON CONFLICT (task_id, agent_id) DO UPDATE SET
		success = EXCLUDED.success,
		response_text = EXCLUDED.response_text,
		latency_ms = EXCLUDED.latency_ms,
		cache_hit = EXCLUDED.cache_hit,
		attempts = EXCLUDED.attempts,
		score = EXCLUDED.score,
		model = EXCLUDED.model,
		responded_at = EXCLUDED.responded_at`

// SaveRound queues res for persistence. It implements dispatch.Sink.
func (c *Client) SaveRound(_ context.Context, res *dispatch.Result) {
	if res == nil || res.Task == nil {
		return
	}
	c.queueRound(RoundRecordFromResult(res), nil)
}

// WriteRound upserts the task row and its responses in one transaction.
func (c *Client) WriteRound(ctx context.Context, rec *RoundRecord) error {
	return c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, upsertTaskQuery, &rec.Task); err != nil {
			return fmt.Errorf("upsert task %s: %w", rec.Task.ID, err)
		}
		for i := range rec.Responses {
			if _, err := tx.NamedExecContext(ctx, upsertResponseQuery, &rec.Responses[i]); err != nil {
				return fmt.Errorf("upsert response %s/%s: %w", rec.Task.ID, rec.Responses[i].AgentID, err)
			}
		}
		return nil
	})
}

// SyncAgents mirrors the directory into the agents table.
func (c *Client) SyncAgents(ctx context.Context, profiles []agents.AgentProfile) error {
	now := time.Now().UTC()
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, p := range profiles {
			rec := AgentRecordFromProfile(p, now)
			if _, err := tx.NamedExecContext(ctx, upsertAgentQuery, &rec); err != nil {
				return fmt.Errorf("upsert agent %s: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("Agents synced to database", zap.Int("count", len(profiles)))
	return nil
}

package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/circuitbreaker"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/dispatch"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/models"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/voting"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClientWithDB(sqlx.NewDb(raw, "postgres"), Config{Workers: 1, QueueSize: 4}, zaptest.NewLogger(t))
	return c, mock
}

func sampleResult() *dispatch.Result {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := dispatch.NewTask("technical-feature", "Implement a login endpoint", now)
	task.Agents = []string{"coder", "writer"}
	_ = task.Transition(dispatch.StatusInProgress, now)
	_ = task.Transition(dispatch.StatusCompleted, now.Add(time.Second))

	winner := models.AgentResponse{AgentID: "coder", Success: true, Text: "func Login() {}", LatencyMs: 900, Timestamp: now, Attempts: 1}
	return &dispatch.Result{
		Task:   task,
		Winner: &winner,
		Ranking: []voting.ScoredCandidate{
			{AgentID: "coder", Score: 12.7},
			{AgentID: "writer", Score: 0},
		},
		Responses: []models.AgentResponse{
			winner,
			models.Failed("writer", "agent \"writer\" timed out", 30*time.Second, now),
		},
		CacheStats: dispatch.CacheStats{Misses: 2},
	}
}

func TestRoundRecordFromResult(t *testing.T) {
	rec := RoundRecordFromResult(sampleResult())

	assert.Equal(t, "completed", rec.Task.Status)
	require.NotNil(t, rec.Task.WinnerAgentID)
	assert.Equal(t, "coder", *rec.Task.WinnerAgentID)
	assert.Nil(t, rec.Task.ErrorMessage)
	assert.NotNil(t, rec.Task.CompletedAt)
	assert.JSONEq(t, `[{"agent_id":"coder","score":12.7,"breakdown":""},{"agent_id":"writer","score":0,"breakdown":""}]`, string(rec.Task.Ranking))
	assert.Equal(t, 2, rec.Task.CacheStats["misses"])

	require.Len(t, rec.Responses, 2)
	assert.Equal(t, 12.7, rec.Responses[0].Score)
	assert.False(t, rec.Responses[1].Success)
	assert.Equal(t, rec.Task.ID, rec.Responses[1].TaskID)
}

func TestWriteRoundCommits(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dispatch_tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO agent_responses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO agent_responses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, c.WriteRound(context.Background(), RoundRecordFromResult(sampleResult())))

	mock.ExpectClose()
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRoundRollsBackOnError(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dispatch_tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO agent_responses").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := c.WriteRound(context.Background(), RoundRecordFromResult(sampleResult()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraint violation")

	mock.ExpectClose()
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRoundIsWrittenByWorkers(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dispatch_tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO agent_responses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO agent_responses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	c.SaveRound(context.Background(), sampleResult())
	c.SaveRound(context.Background(), nil)

	require.NoError(t, c.Close(), "close drains the queue")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncAgents(t *testing.T) {
	c, mock := newMockClient(t)

	profiles := []agents.AgentProfile{
		{ID: "coder", Endpoint: "http://coder:8080", Specialties: []string{"technical"}, Weight: 1.2},
		{ID: "writer", Endpoint: "http://writer:8080", Specialties: []string{"creative"}, Weight: 1},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agents").
		WithArgs("coder", "http://coder:8080", "{\"technical\"}", 1.2, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO agents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, c.SyncAgents(context.Background(), profiles))

	mock.ExpectClose()
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS agents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS dispatch_tasks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS agent_responses").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, c.EnsureSchema(context.Background()))

	mock.ExpectClose()
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	c, mock := newMockClient(t)

	threshold := int(circuitbreaker.DatabaseSettings().FailureThreshold)
	for i := 0; i < threshold; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	}
	for i := 0; i < threshold; i++ {
		assert.Error(t, c.WriteRound(context.Background(), RoundRecordFromResult(sampleResult())))
	}

	err := c.WriteRound(context.Background(), RoundRecordFromResult(sampleResult()))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.True(t, c.Wrapper().IsOpen())

	mock.ExpectClose()
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"hits":1}`)))
	assert.Equal(t, float64(1), j["hits"])
	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)
	assert.Error(t, j.Scan(42))
}

package voting

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/models"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	dir, err := agents.NewDirectory([]agents.AgentProfile{
		{ID: "coder", Endpoint: "http://coder:1", Specialties: []string{"technical", "coding"}},
		{ID: "heavy", Endpoint: "http://heavy:1", Weight: 1.2},
		{ID: "plain", Endpoint: "http://plain:1"},
		{ID: "writer", Endpoint: "http://writer:1", Specialties: []string{"creative"}},
	})
	require.NoError(t, err)
	return NewEngine(dir, DefaultParams())
}

func ok(agentID, text string, latencyMs int64) models.AgentResponse {
	return models.AgentResponse{AgentID: agentID, Success: true, Text: text, LatencyMs: latencyMs, Timestamp: time.Now()}
}

func failed(agentID string) models.AgentResponse {
	return models.Failed(agentID, "agent down", 2*time.Second, time.Now())
}

func TestTaskKeyword(t *testing.T) {
	assert.Equal(t, "coding", TaskKeyword("coding-task"))
	assert.Equal(t, "technical", TaskKeyword(" Technical "))
	assert.Equal(t, "", TaskKeyword(""))
	assert.Equal(t, "", TaskKeyword("-x"))
}

func TestFailedResponsesScoreZero(t *testing.T) {
	e := newEngine(t)
	r := failed("coder")
	r.CacheHit = true
	r.Text = strings.Repeat("x", 500)

	ranking := e.Score([]models.AgentResponse{r}, "coding")
	require.Len(t, ranking, 1)
	assert.Equal(t, 0.0, ranking[0].Score)
}

func TestWeightScalesScoreExactly(t *testing.T) {
	e := newEngine(t)
	ranking := e.Score([]models.AgentResponse{ok("plain", "short", 0), ok("heavy", "short", 0)}, "misc")

	require.Len(t, ranking, 2)
	assert.Equal(t, "heavy", ranking[0].AgentID)
	assert.InDelta(t, 1.2, ranking[0].Score/ranking[1].Score, 1e-12)
	assert.InDelta(t, 12.0, ranking[0].Score, 1e-9)
}

func TestSpecializationBonus(t *testing.T) {
	e := newEngine(t)
	ranking := e.Score([]models.AgentResponse{ok("plain", "short", 0), ok("coder", "short", 0)}, "coding-task")

	assert.Equal(t, "coder", ranking[0].AgentID)
	assert.InDelta(t, 13.0, ranking[0].Score, 1e-9)
	assert.Contains(t, ranking[0].Breakdown, "spec=1.30")
	assert.NotContains(t, ranking[1].Breakdown, "spec=")
}

func TestTimePenaltyIsLogarithmic(t *testing.T) {
	e := newEngine(t)
	ranking := e.Score([]models.AgentResponse{ok("plain", "short", 3000)}, "misc")
	assert.InDelta(t, 10-math.Log(4)*0.5, ranking[0].Score, 1e-9)

	fast := e.Score([]models.AgentResponse{ok("plain", "x", 1000)}, "misc")[0].Score
	mid := e.Score([]models.AgentResponse{ok("plain", "x", 10000)}, "misc")[0].Score
	slow := e.Score([]models.AgentResponse{ok("plain", "x", 100000)}, "misc")[0].Score
	assert.Greater(t, fast, mid)
	assert.Greater(t, mid, slow)
	assert.Less(t, mid-slow, 10*(fast-mid), "penalty grows sub-linearly")
}

func TestCacheAndLengthBonuses(t *testing.T) {
	e := newEngine(t)

	hit := ok("plain", "short", 0)
	hit.CacheHit = true
	assert.InDelta(t, 12.0, e.Score([]models.AgentResponse{hit}, "")[0].Score, 1e-9)

	cases := []struct {
		length int
		bonus  bool
	}{
		{100, false}, {101, true}, {1999, true}, {2000, false},
	}
	for _, c := range cases {
		got := e.Score([]models.AgentResponse{ok("plain", strings.Repeat("é", c.length), 0)}, "")[0].Score
		want := 10.0
		if c.bonus {
			want = 11.0
		}
		assert.InDelta(t, want, got, 1e-9, "length %d", c.length)
	}
}

func TestScoreClampedAtZero(t *testing.T) {
	dir, err := agents.NewDirectory([]agents.AgentProfile{{ID: "tiny", Endpoint: "http://tiny:1", Weight: 0.01}})
	require.NoError(t, err)
	e := NewEngine(dir, DefaultParams())

	ranking := e.Score([]models.AgentResponse{ok("tiny", "x", 60_000)}, "")
	assert.Equal(t, 0.0, ranking[0].Score)
}

func TestRankingSortedAndStable(t *testing.T) {
	e := newEngine(t)
	responses := []models.AgentResponse{
		failed("writer"),
		ok("plain", "same", 500),
		ok("coder", "same", 500),
		failed("heavy"),
	}
	ranking := e.Score(responses, "misc")

	require.Len(t, ranking, len(responses))
	for i := 1; i < len(ranking); i++ {
		assert.GreaterOrEqual(t, ranking[i-1].Score, ranking[i].Score)
	}
	assert.Equal(t, []string{"plain", "coder", "writer", "heavy"}, ids(ranking), "ties keep input order")
}

func TestUnknownAgentScoresWithDefaults(t *testing.T) {
	e := newEngine(t)
	ranking := e.Score([]models.AgentResponse{ok("stranger", "short", 0)}, "coding")
	assert.InDelta(t, 10.0, ranking[0].Score, 1e-9)
}

func TestWinner(t *testing.T) {
	e := newEngine(t)
	responses := []models.AgentResponse{ok("plain", "a", 0), ok("heavy", "b", 0), failed("writer")}
	ranking := e.Score(responses, "misc")

	w, err := Winner(ranking, responses)
	require.NoError(t, err)
	assert.Equal(t, "heavy", w.AgentID)
	assert.Equal(t, "b", w.Text)
}

func TestWinnerAllFailed(t *testing.T) {
	e := newEngine(t)
	responses := []models.AgentResponse{failed("plain"), failed("coder")}
	ranking := e.Score(responses, "coding")

	require.Len(t, ranking, 2)
	for _, c := range ranking {
		assert.Zero(t, c.Score)
	}
	_, err := Winner(ranking, responses)
	assert.True(t, errors.Is(err, ErrAllAgentsFailed))

	_, err = Winner(nil, nil)
	assert.True(t, errors.Is(err, ErrAllAgentsFailed))
}

func ids(ranking []ScoredCandidate) []string {
	out := make([]string, len(ranking))
	for i, c := range ranking {
		out[i] = c.AgentID
	}
	return out
}

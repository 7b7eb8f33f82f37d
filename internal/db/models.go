package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/dispatch"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// AgentRecord mirrors one directory entry.
type AgentRecord struct {
	ID          string         `db:"id"`
	Endpoint    string         `db:"endpoint"`
	Specialties pq.StringArray `db:"specialties"`
	Weight      float64        `db:"weight"`
	Model       string         `db:"model"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// TaskRecord is one dispatch_tasks row.
type TaskRecord struct {
	ID            string         `db:"id"`
	TaskType      string         `db:"task_type"`
	Description   string         `db:"description"`
	Status        string         `db:"status"`
	Agents        pq.StringArray `db:"agents"`
	WinnerAgentID *string        `db:"winner_agent_id"`
	WinnerText    *string        `db:"winner_text"`
	Ranking       []byte         `db:"ranking"`
	CacheStats    JSONB          `db:"cache_stats"`
	ErrorMessage  *string        `db:"error_message"`
	CreatedAt     time.Time      `db:"created_at"`
	CompletedAt   *time.Time     `db:"completed_at"`
}

// ResponseRecord is one agent_responses row.
type ResponseRecord struct {
	TaskID      string    `db:"task_id"`
	AgentID     string    `db:"agent_id"`
	Success     bool      `db:"success"`
	Text        string    `db:"response_text"`
	LatencyMs   int64     `db:"latency_ms"`
	CacheHit    bool      `db:"cache_hit"`
	Attempts    int       `db:"attempts"`
	Score       float64   `db:"score"`
	Model       string    `db:"model"`
	RespondedAt time.Time `db:"responded_at"`
}

// RoundRecord is everything written for one finished round.
type RoundRecord struct {
	Task      TaskRecord
	Responses []ResponseRecord
}

// AgentRecordFromProfile converts a directory profile.
func AgentRecordFromProfile(p agents.AgentProfile, now time.Time) AgentRecord {
	return AgentRecord{
		ID:          p.ID,
		Endpoint:    p.Endpoint,
		Specialties: pq.StringArray(append([]string{}, p.Specialties...)),
		Weight:      p.Weight,
		Model:       p.Model,
		UpdatedAt:   now,
	}
}

// RoundRecordFromResult flattens a round result into rows.
func RoundRecordFromResult(res *dispatch.Result) *RoundRecord {
	t := res.Task
	rec := &RoundRecord{Task: TaskRecord{
		ID:          t.ID,
		TaskType:    t.Type,
		Description: t.Description,
		Status:      string(t.Status),
		Agents:      pq.StringArray(append([]string{}, t.Agents...)),
		CacheStats: JSONB{
			"hits":   res.CacheStats.Hits,
			"misses": res.CacheStats.Misses,
			"ratio":  res.CacheStats.Ratio,
		},
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}}
	if res.Winner != nil {
		id, text := res.Winner.AgentID, res.Winner.Text
		rec.Task.WinnerAgentID = &id
		rec.Task.WinnerText = &text
	}
	if res.Error != "" {
		msg := res.Error
		rec.Task.ErrorMessage = &msg
	}
	if b, err := json.Marshal(res.Ranking); err == nil {
		rec.Task.Ranking = b
	}

	scores := make(map[string]float64, len(res.Ranking))
	for _, c := range res.Ranking {
		scores[c.AgentID] = c.Score
	}
	for _, r := range res.Responses {
		rec.Responses = append(rec.Responses, ResponseRecord{
			TaskID:      t.ID,
			AgentID:     r.AgentID,
			Success:     r.Success,
			Text:        r.Text,
			LatencyMs:   r.LatencyMs,
			CacheHit:    r.CacheHit,
			Attempts:    r.Attempts,
			Score:       scores[r.AgentID],
			Model:       r.Model,
			RespondedAt: r.Timestamp,
		})
	}
	return rec
}

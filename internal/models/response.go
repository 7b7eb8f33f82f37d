// Package models holds the value types shared by the invoker, the cache and
// the voting engine.
package models

import "time"

// AgentResponse is the outcome of asking one agent one prompt. It is created
// once per (task, agent) and never modified afterwards.
type AgentResponse struct {
	AgentID   string    `json:"agent_id"`
	Success   bool      `json:"success"`
	Text      string    `json:"text"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	CacheHit  bool      `json:"cache_hit"`
	Model     string    `json:"model,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
}

// Latency returns LatencyMs as a duration.
func (r AgentResponse) Latency() time.Duration {
	return time.Duration(r.LatencyMs) * time.Millisecond
}

// Failed builds an unsuccessful response carrying msg as its text.
func Failed(agentID, msg string, latency time.Duration, at time.Time) AgentResponse {
	return AgentResponse{
		AgentID:   agentID,
		Success:   false,
		Text:      msg,
		LatencyMs: latency.Milliseconds(),
		Timestamp: at,
	}
}

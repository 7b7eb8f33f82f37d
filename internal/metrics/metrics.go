package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Round metrics
	RoundsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a2a_rounds_started_total",
			Help: "Total number of dispatch rounds started",
		},
	)

	RoundsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_rounds_completed_total",
			Help: "Total number of dispatch rounds finished, by final task status",
		},
		[]string{"status"},
	)

	RoundDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_round_duration_seconds",
			Help:    "Wall time of a dispatch round",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	AgentsSelected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "a2a_round_agents_selected",
			Help:    "Number of agents selected per round",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
		},
	)

	// Agent metrics
	AgentInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_agent_invocations_total",
			Help: "Agent invocations by terminal outcome (success, failure, cache_hit)",
		},
		[]string{"agent_id", "outcome"},
	)

	AgentInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_agent_invocation_duration_ms",
			Help:    "Agent invocation latency in milliseconds including retries",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"agent_id"},
	)

	AgentRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_agent_retries_total",
			Help: "Retry attempts after a transient agent failure",
		},
		[]string{"agent_id"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a2a_response_cache_hits_total",
			Help: "Response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a2a_response_cache_misses_total",
			Help: "Response cache misses",
		},
	)

	CacheIOErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_response_cache_io_errors_total",
			Help: "Durable cache store failures (logged, never returned)",
		},
		[]string{"op"},
	)

	// Voting metrics
	VoteScores = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_vote_score",
			Help:    "Score assigned to each candidate response",
			Buckets: []float64{0, 1, 2.5, 5, 7.5, 10, 12.5, 15, 20},
		},
		[]string{"agent_id"},
	)

	RoundWinners = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_round_winners_total",
			Help: "Rounds won per agent",
		},
		[]string{"agent_id"},
	)

	// Sink metrics
	SinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_task_sink_writes_total",
			Help: "Task records written to the relational sink",
		},
		[]string{"status"},
	)
)

// RecordInvocation records the terminal outcome of one agent call.
func RecordInvocation(agentID string, success, cacheHit bool, latencyMs float64) {
	outcome := "failure"
	switch {
	case cacheHit:
		outcome = "cache_hit"
	case success:
		outcome = "success"
	}
	AgentInvocations.WithLabelValues(agentID, outcome).Inc()
	AgentInvocationDuration.WithLabelValues(agentID).Observe(latencyMs)
}

// RecordRound records a finished round.
func RecordRound(status string, durationSeconds float64) {
	RoundsCompleted.WithLabelValues(status).Inc()
	RoundDuration.WithLabelValues(status).Observe(durationSeconds)
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/auth"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/cache"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/circuitbreaker"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/dispatch"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/metrics"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/models"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/voting"
)

// maxBodyBytes bounds request bodies on the API.
const maxBodyBytes = 1 << 20

// Dispatcher is the orchestrator surface the API needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	Task(taskID string) (*dispatch.Result, bool)
	Directory() *agents.Directory
	Tracker() *metrics.Tracker
	CacheStats() (cache.Stats, bool)
}

// BreakerLookup reports per-agent breaker state.
type BreakerLookup interface {
	BreakerState(agentID string) (circuitbreaker.State, bool)
}

// APIHandler serves the REST and JSON-RPC endpoints.
//
//	POST /api/v1/dispatch
//	GET  /api/v1/tasks/{id}
//	GET  /api/v1/agents
//	GET  /api/v1/agents/{id}
//	GET  /api/v1/metrics/agents
//	GET  /api/v1/cache/stats
//	POST /rpc
type APIHandler struct {
	orch     Dispatcher
	breakers BreakerLookup
	auth     *auth.Middleware
	logger   *zap.Logger
}

// NewAPIHandler constructs a new handler. breakers and mw may be nil.
func NewAPIHandler(orch Dispatcher, breakers BreakerLookup, mw *auth.Middleware, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mw == nil {
		mw, _ = auth.NewMiddleware(nil, false, logger)
	}
	return &APIHandler{orch: orch, breakers: breakers, auth: mw, logger: logger}
}

// RegisterRoutes registers API endpoints on the given mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/dispatch", h.auth.RequireFunc(auth.ScopeDispatchExecute, h.handleDispatch))
	mux.Handle("GET /api/v1/tasks/{id}", h.auth.RequireFunc(auth.ScopeAgentsRead, h.handleTask))
	mux.Handle("GET /api/v1/agents", h.auth.RequireFunc(auth.ScopeAgentsRead, h.handleAgents))
	mux.Handle("GET /api/v1/agents/{id}", h.auth.RequireFunc(auth.ScopeAgentsRead, h.handleAgent))
	mux.Handle("GET /api/v1/metrics/agents", h.auth.RequireFunc(auth.ScopeAgentsRead, h.handleAgentMetrics))
	mux.Handle("GET /api/v1/cache/stats", h.auth.RequireFunc(auth.ScopeAgentsRead, h.handleCacheStats))
	mux.Handle("POST /rpc", h.auth.RequireFunc("", h.handleRPC))
}

// DispatchResponse is the body returned for a round.
type DispatchResponse struct {
	TaskID     string                   `json:"task_id"`
	TaskType   string                   `json:"task_type"`
	Status     dispatch.Status          `json:"status"`
	Agents     []string                 `json:"agents"`
	Winner     *models.AgentResponse    `json:"winner"`
	Ranking    []voting.ScoredCandidate `json:"ranking"`
	Responses  []models.AgentResponse   `json:"responses"`
	CacheStats dispatch.CacheStats      `json:"cache_stats"`
	Error      string                   `json:"error,omitempty"`
}

func newDispatchResponse(res *dispatch.Result) DispatchResponse {
	out := DispatchResponse{
		Winner:     res.Winner,
		Ranking:    res.Ranking,
		Responses:  res.Responses,
		CacheStats: res.CacheStats,
		Error:      res.Error,
	}
	if res.Task != nil {
		out.TaskID = res.Task.ID
		out.TaskType = res.Task.Type
		out.Status = res.Task.Status
		out.Agents = res.Task.Agents
	}
	if out.Ranking == nil {
		out.Ranking = []voting.ScoredCandidate{}
	}
	if out.Responses == nil {
		out.Responses = []models.AgentResponse{}
	}
	if out.Agents == nil {
		out.Agents = []string{}
	}
	return out
}

// AgentDetail is a profile with its live metrics.
type AgentDetail struct {
	agents.AgentProfile
	Metrics      metrics.AgentStats `json:"metrics"`
	BreakerState string             `json:"breaker_state"`
}

func (h *APIHandler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := h.orch.Dispatch(r.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrEmptyDescription):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, agents.ErrNoAgents):
		h.logger.Warn("Dispatch rejected", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		h.logger.Error("Dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, sanitizeErr(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, newDispatchResponse(res))
}

func (h *APIHandler) handleTask(w http.ResponseWriter, r *http.Request) {
	res, ok := h.orch.Task(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, newDispatchResponse(res))
}

func (h *APIHandler) handleAgents(w http.ResponseWriter, r *http.Request) {
	list := h.orch.Directory().All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": list,
		"count":  len(list),
	})
}

func (h *APIHandler) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	profile, err := h.orch.Directory().Lookup(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	detail := AgentDetail{
		AgentProfile: profile,
		Metrics:      h.orch.Tracker().Stats(id),
		BreakerState: "unknown",
	}
	if h.breakers != nil {
		if st, ok := h.breakers.BreakerState(id); ok {
			detail.BreakerState = st.String()
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *APIHandler) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": h.orch.Tracker().Snapshot(),
	})
}

func (h *APIHandler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, enabled := h.orch.CacheStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": enabled,
		"hits":    stats.Hits,
		"misses":  stats.Misses,
		"ratio":   stats.Ratio,
		"entries": stats.Entries,
	})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}

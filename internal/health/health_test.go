package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/cache"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/circuitbreaker"
)

func fixed(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		status   CheckStatus
		ready    bool
	}{
		{"none", nil, StatusUnknown, false},
		{"all healthy", []Checker{fixed("a", true, StatusHealthy), fixed("b", false, StatusHealthy)}, StatusHealthy, true},
		{"critical down", []Checker{fixed("a", true, StatusUnhealthy), fixed("b", false, StatusHealthy)}, StatusUnhealthy, false},
		{"non-critical down", []Checker{fixed("a", true, StatusHealthy), fixed("b", false, StatusUnhealthy)}, StatusDegraded, true},
		{"degraded", []Checker{fixed("a", true, StatusDegraded)}, StatusDegraded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(time.Minute, zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			overall := m.GetOverallHealth(context.Background())
			assert.Equal(t, tt.status, overall.Status)
			assert.Equal(t, tt.ready, overall.Ready)
			assert.True(t, overall.Live)
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(time.Minute, nil)
	require.NoError(t, m.RegisterChecker(fixed("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(fixed("a", false, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(fixed("", false, StatusHealthy)))
}

func TestCheckPanicIsUnhealthy(t *testing.T) {
	m := NewManager(time.Minute, nil)
	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("boom", true, time.Second, func(context.Context) CheckResult {
		panic("checker exploded")
	})))
	d := m.GetDetailedHealth(context.Background())
	r := d.Components["boom"]
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "boom", r.Component)
	assert.True(t, r.Critical)
	assert.Contains(t, r.Error, "checker exploded")
	assert.Equal(t, StatusUnhealthy, m.LastResults()["boom"].Status)
}

func TestDependencyChecker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := cache.NewRedisStore(cache.RedisOptions{Addr: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	c := NewDependencyChecker("cache_store", store, false, nil)
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	mr.Close()
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)

	open := NewDependencyChecker("database", store, false, func() bool { return true })
	assert.Equal(t, "circuit breaker open", open.Check(context.Background()).Error)
}

func TestDirectoryChecker(t *testing.T) {
	empty, err := agents.NewDirectory(nil)
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, NewDirectoryChecker(empty).Check(context.Background()).Status)

	dir, err := agents.NewDirectory([]agents.AgentProfile{{ID: "coder", Endpoint: "http://coder:1"}})
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, NewDirectoryChecker(dir).Check(context.Background()).Status)
}

func agentHealthServer(t *testing.T, code int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAgentEndpointChecker(t *testing.T) {
	good := agentHealthServer(t, http.StatusOK, `{"status":"healthy"}`)
	broken := agentHealthServer(t, http.StatusInternalServerError, `{"error":"down"}`)
	sick := agentHealthServer(t, http.StatusOK, `{"status":"starting"}`)

	dir, err := agents.NewDirectory([]agents.AgentProfile{
		{ID: "gpt4", Endpoint: good.URL + "/mcp"},
		{ID: "deepseek", Endpoint: broken.URL + "/mcp"},
		{ID: "claude", Endpoint: "http://unused/mcp", HealthURL: sick.URL + "/health"},
	})
	require.NoError(t, err)

	res := NewAgentEndpointChecker(dir, nil, time.Second, zaptest.NewLogger(t)).Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "healthy", res.Details["gpt4"])
	assert.Contains(t, res.Details["deepseek"], "HTTP 500")
	assert.Contains(t, res.Details["claude"], "starting")
	assert.Contains(t, res.Message, "2 of 3")

	onlyGood, err := agents.NewDirectory([]agents.AgentProfile{{ID: "gpt4", Endpoint: good.URL + "/mcp"}})
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, NewAgentEndpointChecker(onlyGood, nil, time.Second, nil).Check(context.Background()).Status)

	onlyBroken, err := agents.NewDirectory([]agents.AgentProfile{{ID: "deepseek", Endpoint: broken.URL + "/mcp"}})
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, NewAgentEndpointChecker(onlyBroken, nil, time.Second, nil).Check(context.Background()).Status)
}

func TestBreakerChecker(t *testing.T) {
	collector := circuitbreaker.NewMetricsCollector()
	cb := circuitbreaker.NewCircuitBreaker("agent:gpt4", circuitbreaker.Config{
		MaxRequests: 1, Timeout: time.Minute, FailureThreshold: 1, SuccessThreshold: 1,
	}, nil)
	collector.RegisterCircuitBreaker("agent:gpt4", "agent", cb)

	checker := NewBreakerChecker(collector)
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	_ = cb.Execute(context.Background(), func() error { return errors.New("refused") })
	res := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "agent:agent:gpt4")
	detail, ok := res.Details["agent:agent:gpt4"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, uint32(1), detail["trips"])
	assert.NotEmpty(t, detail["open_until"])
}

func TestHTTPHandler(t *testing.T) {
	m := NewManager(time.Minute, nil)
	require.NoError(t, m.RegisterChecker(fixed("directory", true, StatusUnhealthy)))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Overall struct {
			Status string `json:"status"`
		} `json:"overall"`
		Components map[string]struct {
			Status string `json:"status"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Overall.Status)
	assert.Equal(t, "unhealthy", body.Components["directory"].Status)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

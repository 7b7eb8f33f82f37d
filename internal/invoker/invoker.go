// Package invoker performs the network call to one agent: cache first, then
// HTTP with bounded per-attempt timeouts and exponential backoff between
// transient failures.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/cache"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/circuitbreaker"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/metrics"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/models"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/ratecontrol"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/tracing"
)

const maxReplyBytes = 8 << 20

// Config controls timeouts and the retry schedule.
type Config struct {
	Timeout         time.Duration // per attempt
	MaxAttempts     int
	BackoffFloor    time.Duration
	BackoffCeiling  time.Duration
	CacheHitLatency time.Duration // reported on cache hits
	Breaker         circuitbreaker.Settings
}

// DefaultConfig returns 30s attempts, 3 tries, 1s..10s doubling backoff and a
// 50ms cache-hit latency.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		MaxAttempts:     3,
		BackoffFloor:    time.Second,
		BackoffCeiling:  10 * time.Second,
		CacheHitLatency: 50 * time.Millisecond,
		Breaker:         circuitbreaker.AgentSettings(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = def.BackoffFloor
	}
	if c.BackoffCeiling < c.BackoffFloor {
		c.BackoffCeiling = c.BackoffFloor
	}
	if c.CacheHitLatency <= 0 {
		c.CacheHitLatency = def.CacheHitLatency
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker = def.Breaker
	}
	return c
}

// SleepFunc waits d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option customizes an Invoker.
type Option func(*Invoker)

// WithHTTPClient replaces the default client. Per-attempt deadlines come from
// the request context, so the client needs no Timeout of its own.
func WithHTTPClient(c *http.Client) Option { return func(i *Invoker) { i.httpClient = c } }

// WithLimiters paces requests per agent.
func WithLimiters(l *ratecontrol.Limiters) Option { return func(i *Invoker) { i.limiters = l } }

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) Option { return func(i *Invoker) { i.sleep = fn } }

// Invoker calls agents. It is safe for concurrent use.
type Invoker struct {
	cfg        Config
	dir        *agents.Directory
	cache      *cache.ResponseCache
	tracker    *metrics.Tracker
	limiters   *ratecontrol.Limiters
	httpClient *http.Client
	clients    map[string]*circuitbreaker.HTTPWrapper
	sleep      SleepFunc
	now        func() time.Time
	logger     *zap.Logger
}

// New creates an invoker with one breaker-wrapped client per directory agent.
func New(cfg Config, dir *agents.Directory, rc *cache.ResponseCache, tracker *metrics.Tracker, logger *zap.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rc == nil {
		rc = cache.New(nil, logger, cache.Options{})
	}
	if tracker == nil {
		tracker = metrics.NewTracker(metrics.DefaultWindowSize)
	}
	inv := &Invoker{
		cfg:        cfg.withDefaults(),
		dir:        dir,
		cache:      rc,
		tracker:    tracker,
		httpClient: &http.Client{},
		sleep:      sleepContext,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.clients = make(map[string]*circuitbreaker.HTTPWrapper, dir.Len())
	for _, id := range dir.IDs() {
		inv.clients[id] = circuitbreaker.NewHTTPWrapper(inv.httpClient, "agent:"+id, "agent", inv.cfg.Breaker, logger)
	}
	return inv
}

// BreakerState reports the breaker position for agentID.
func (inv *Invoker) BreakerState(agentID string) (circuitbreaker.State, bool) {
	c, ok := inv.clients[agentID]
	if !ok {
		return circuitbreaker.StateClosed, false
	}
	return c.State(), true
}

// Invoke asks agentID to answer prompt. The only error it returns is a
// *agents.ConfigurationError for an unknown agent; every network failure is
// reported as an unsuccessful response.
func (inv *Invoker) Invoke(ctx context.Context, agentID, prompt string) (models.AgentResponse, error) {
	profile, err := inv.dir.Lookup(agentID)
	if err != nil {
		return models.AgentResponse{}, err
	}

	if entry, ok := inv.cache.Get(agentID, prompt); ok {
		resp := entry.Response
		resp.CacheHit = true
		resp.LatencyMs = inv.cfg.CacheHitLatency.Milliseconds()
		resp.Timestamp = inv.now()
		resp.Attempts = 0
		inv.tracker.Record(agentID, inv.cfg.CacheHitLatency, true)
		metrics.RecordInvocation(agentID, true, true, float64(resp.LatencyMs))
		inv.logger.Debug("Agent reply served from cache", zap.String("agent_id", agentID))
		return resp, nil
	}

	start := inv.now()
	reply, attempts, err := inv.callWithRetry(ctx, profile, prompt)
	latency := inv.now().Sub(start)

	if err != nil {
		inv.tracker.Record(agentID, latency, false)
		metrics.RecordInvocation(agentID, false, false, float64(latency.Milliseconds()))
		inv.logger.Warn("Agent invocation failed",
			zap.String("agent_id", agentID),
			zap.Int("attempts", attempts),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		resp := models.Failed(agentID, err.Error(), latency, inv.now())
		resp.Attempts = attempts
		resp.Model = profile.Model
		return resp, nil
	}

	resp := models.AgentResponse{
		AgentID:   agentID,
		Success:   true,
		Text:      reply.Reply,
		LatencyMs: latency.Milliseconds(),
		Timestamp: inv.now(),
		Model:     reply.Model,
		Attempts:  attempts,
	}
	if resp.Model == "" {
		resp.Model = profile.Model
	}
	inv.cache.Put(ctx, agentID, prompt, resp)
	inv.tracker.Record(agentID, latency, true)
	metrics.RecordInvocation(agentID, true, false, float64(resp.LatencyMs))
	inv.logger.Debug("Agent invocation succeeded",
		zap.String("agent_id", agentID),
		zap.Int("attempts", attempts),
		zap.Duration("latency", latency),
	)
	return resp, nil
}

func (inv *Invoker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = inv.cfg.BackoffFloor
	b.MaxInterval = inv.cfg.BackoffCeiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// callWithRetry runs up to MaxAttempts attempts. Timeouts and non-transient
// errors end the loop immediately.
func (inv *Invoker) callWithRetry(ctx context.Context, profile agents.AgentProfile, prompt string) (*agentReply, int, error) {
	b := inv.newBackOff()
	var last *attemptError
	attempts := 0

	for attempts < inv.cfg.MaxAttempts {
		attempts++
		if err := inv.limiters.Wait(ctx, profile.ID); err != nil {
			last = &attemptError{err: err, timeout: isTimeout(err)}
			break
		}

		reply, aerr := inv.attempt(ctx, profile, prompt, attempts)
		if aerr == nil {
			return reply, attempts, nil
		}
		last = aerr
		if !aerr.retryable || attempts >= inv.cfg.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		metrics.AgentRetries.WithLabelValues(profile.ID).Inc()
		inv.logger.Info("Retrying agent after transient failure",
			zap.String("agent_id", profile.ID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(aerr),
		)
		if err := inv.sleep(ctx, delay); err != nil {
			last = &attemptError{err: fmt.Errorf("backoff interrupted: %w", err), timeout: isTimeout(err)}
			break
		}
	}

	return nil, attempts, &ConnectionError{
		AgentID:    profile.ID,
		Attempts:   attempts,
		Timeout:    last.timeout,
		StatusCode: last.statusCode,
		Err:        last.err,
	}
}

type agentRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

type agentReply struct {
	Reply  string          `json:"reply"`
	Model  string          `json:"model"`
	Memory json.RawMessage `json:"memory,omitempty"`
	Error  string          `json:"error"`
}

func (inv *Invoker) attempt(ctx context.Context, profile agents.AgentProfile, prompt string, n int) (reply *agentReply, aerr *attemptError) {
	actx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	actx, span := tracing.StartAgentSpan(actx, profile.ID, n, http.MethodPost, profile.Endpoint)
	defer func() {
		var spanErr error
		if aerr != nil {
			spanErr = aerr
		}
		tracing.EndSpan(span, spanErr)
	}()

	body, err := json.Marshal(agentRequest{Prompt: prompt, Model: profile.Model})
	if err != nil {
		return nil, &attemptError{err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(actx, http.MethodPost, profile.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &attemptError{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	tracing.InjectTraceparent(actx, req)

	resp, err := inv.clients[profile.ID].Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, classifyTransport(fmt.Errorf("read reply: %w", err))
	}

	var decoded agentReply
	decodeErr := json.Unmarshal(data, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := decoded.Error
		if decodeErr != nil || msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return nil, classifyStatus(resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, &attemptError{err: fmt.Errorf("%w: %v", ErrMalformedReply, decodeErr), retryable: true}
	}
	if decoded.Reply == "" {
		detail := "missing reply field"
		if decoded.Error != "" {
			detail = decoded.Error
		}
		return nil, &attemptError{err: fmt.Errorf("%w: %s", ErrMalformedReply, detail), retryable: true}
	}
	return &decoded, nil
}

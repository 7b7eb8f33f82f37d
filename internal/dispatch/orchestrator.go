// Package dispatch runs dispatch rounds: route a task to agents, invoke them
// concurrently, score the replies and pick a winner.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/cache"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/metrics"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/models"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/streaming"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/tracing"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/util"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/voting"
)

// ErrEmptyDescription rejects a request with nothing to ask.
var ErrEmptyDescription = errors.New("task description is required")

// Invoker calls one agent.
type Invoker interface {
	Invoke(ctx context.Context, agentID, prompt string) (models.AgentResponse, error)
}

// Router picks the agents for a task.
type Router interface {
	SelectAgents(taskType, description string) []string
}

// Publisher receives round progress events.
type Publisher interface {
	Publish(taskID string, evt streaming.Event) streaming.Event
}

// Sink records finished rounds. SaveRound must not block the caller for
// long and must not fail the round.
type Sink interface {
	SaveRound(ctx context.Context, res *Result)
}

// Request is the dispatch entry input.
type Request struct {
	TaskType        string `json:"task_type"`
	TaskDescription string `json:"task_description"`
}

// CacheStats counts cache hits and misses among a round's responses.
type CacheStats struct {
	Hits   int     `json:"hits"`
	Misses int     `json:"misses"`
	Ratio  float64 `json:"ratio"`
}

// Result is the outcome of one round.
type Result struct {
	Task       *Task                    `json:"task"`
	Winner     *models.AgentResponse    `json:"winner,omitempty"`
	Ranking    []voting.ScoredCandidate `json:"ranking"`
	Responses  []models.AgentResponse   `json:"responses"`
	CacheStats CacheStats               `json:"cache_stats"`
	Error      string                   `json:"error,omitempty"`
}

// Config tunes rounds.
type Config struct {
	// RoundTimeout bounds a whole round when positive. Calls still running at
	// the deadline fail as timeouts; the round completes with every response.
	RoundTimeout time.Duration
	HistorySize  int
}

// Components are the collaborators a round uses.
type Components struct {
	Directory *agents.Directory
	Router    Router
	Invoker   Invoker
	Engine    *voting.Engine
	Cache     *cache.ResponseCache
	Tracker   *metrics.Tracker
	Events    Publisher
	Sink      Sink
}

// Orchestrator owns the directory, cache and metrics windows for the process
// and runs rounds against them. It is safe for concurrent use.
type Orchestrator struct {
	dir     *agents.Directory
	router  Router
	invoker Invoker
	engine  *voting.Engine
	cache   *cache.ResponseCache
	tracker *metrics.Tracker
	events  Publisher
	sink    Sink
	history *History
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// New creates an orchestrator. Directory, Router, Invoker and Engine are
// required.
func New(c Components, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case c.Directory == nil:
		return nil, errors.New("dispatch: directory is required")
	case c.Router == nil:
		return nil, errors.New("dispatch: router is required")
	case c.Invoker == nil:
		return nil, errors.New("dispatch: invoker is required")
	case c.Engine == nil:
		return nil, errors.New("dispatch: voting engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Tracker == nil {
		c.Tracker = metrics.NewTracker(metrics.DefaultWindowSize, c.Directory.IDs()...)
	}
	return &Orchestrator{
		dir:     c.Directory,
		router:  c.Router,
		invoker: c.Invoker,
		engine:  c.Engine,
		cache:   c.Cache,
		tracker: c.Tracker,
		events:  c.Events,
		sink:    c.Sink,
		history: NewHistory(cfg.HistorySize),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}, nil
}

// Directory returns the agent directory.
func (o *Orchestrator) Directory() *agents.Directory { return o.dir }

// Tracker returns the per-agent metrics windows.
func (o *Orchestrator) Tracker() *metrics.Tracker { return o.tracker }

// CacheStats returns process-wide cache counters. ok is false when no cache
// is attached.
func (o *Orchestrator) CacheStats() (cache.Stats, bool) {
	if o.cache == nil {
		return cache.Stats{}, false
	}
	return o.cache.Stats(), true
}

// Task returns a stored round result.
func (o *Orchestrator) Task(taskID string) (*Result, bool) {
	return o.history.Get(taskID)
}

// Dispatch runs one round for req. Agent failures never fail the call: a
// round where every agent failed returns a result with a failed task. The
// error is non-nil only for an invalid request or an empty directory; in
// the latter case the failed task is returned too.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.TaskDescription == "" {
		return nil, ErrEmptyDescription
	}
	started := o.now()
	task := NewTask(req.TaskType, req.TaskDescription, started)
	res := &Result{Task: task}

	ctx, span := tracing.StartRoundSpan(ctx, task.ID, task.Type)
	var roundErr error
	defer func() {
		tracing.EndSpan(span, roundErr)
	}()

	metrics.RoundsStarted.Inc()
	o.publish(task.ID, streaming.Event{
		Type:    streaming.EventRoundStarted,
		Message: util.TruncateString(task.Description, 200, true),
	})

	if o.dir.Len() == 0 {
		roundErr = &agents.ConfigurationError{Reason: "dispatch", Err: agents.ErrNoAgents}
		_ = task.Transition(StatusFailed, o.now())
		res.Error = roundErr.Error()
		o.finish(ctx, res, started)
		return res, roundErr
	}

	selected := o.router.SelectAgents(task.Type, task.Description)
	task.Agents = selected
	metrics.AgentsSelected.Observe(float64(len(selected)))
	o.publish(task.ID, streaming.Event{
		Type:    streaming.EventAgentsSelected,
		Message: fmt.Sprintf("%d agents selected", len(selected)),
		Payload: mustJSON(map[string]interface{}{"agents": selected}),
	})

	if err := task.Transition(StatusInProgress, o.now()); err != nil {
		roundErr = err
		return nil, err
	}
	o.logger.Info("Dispatch round started",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.Strings("agents", selected),
	)

	res.Responses = o.fanOut(ctx, task.ID, task.Description, selected)
	res.CacheStats = roundCacheStats(res.Responses)
	res.Ranking = o.engine.Score(res.Responses, task.Type)
	for _, c := range res.Ranking {
		metrics.VoteScores.WithLabelValues(c.AgentID).Observe(c.Score)
	}
	o.publish(task.ID, streaming.Event{
		Type:    streaming.EventRoundScored,
		Payload: mustJSON(map[string]interface{}{"ranking": res.Ranking}),
	})

	winner, err := voting.Winner(res.Ranking, res.Responses)
	if err != nil {
		_ = task.Transition(StatusFailed, o.now())
		res.Error = err.Error()
		o.logger.Warn("Dispatch round failed",
			zap.String("task_id", task.ID),
			zap.Int("agents", len(selected)),
			zap.Error(err),
		)
	} else {
		_ = task.Transition(StatusCompleted, o.now())
		res.Winner = &winner
		metrics.RoundWinners.WithLabelValues(winner.AgentID).Inc()
		o.logger.Info("Dispatch round completed",
			zap.String("task_id", task.ID),
			zap.String("winner", winner.AgentID),
			zap.Int("cache_hits", res.CacheStats.Hits),
			zap.Duration("duration", o.now().Sub(started)),
		)
	}
	o.finish(ctx, res, started)
	return res, nil
}

// fanOut invokes every agent concurrently and waits for all of them. The
// responses keep selection order.
func (o *Orchestrator) fanOut(ctx context.Context, taskID, prompt string, agentIDs []string) []models.AgentResponse {
	if o.cfg.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RoundTimeout)
		defer cancel()
	}

	responses := make([]models.AgentResponse, len(agentIDs))
	var wg conc.WaitGroup
	for i, id := range agentIDs {
		i, id := i, id
		wg.Go(func() {
			responses[i] = o.invokeOne(ctx, id, prompt)
			r := responses[i]
			o.publish(taskID, streaming.Event{
				Type:    streaming.EventAgentResponded,
				AgentID: id,
				Message: responseSummary(r),
				Payload: mustJSON(map[string]interface{}{
					"success":    r.Success,
					"latency_ms": r.LatencyMs,
					"cache_hit":  r.CacheHit,
				}),
			})
		})
	}
	wg.Wait()
	return responses
}

// invokeOne turns every failure mode of a call, panics included, into a
// failed response.
func (o *Orchestrator) invokeOne(ctx context.Context, agentID, prompt string) models.AgentResponse {
	start := o.now()
	var (
		resp models.AgentResponse
		err  error
		pc   panics.Catcher
	)
	pc.Try(func() {
		resp, err = o.invoker.Invoke(ctx, agentID, prompt)
	})
	if r := pc.Recovered(); r != nil {
		o.logger.Error("Agent invocation panicked",
			zap.String("agent_id", agentID),
			zap.Any("panic", r.Value),
			zap.ByteString("stack", r.Stack),
		)
		return models.Failed(agentID, r.AsError().Error(), o.now().Sub(start), o.now())
	}
	if err != nil {
		o.logger.Error("Agent invocation rejected", zap.String("agent_id", agentID), zap.Error(err))
		return models.Failed(agentID, err.Error(), o.now().Sub(start), o.now())
	}
	return resp
}

func (o *Orchestrator) finish(ctx context.Context, res *Result, started time.Time) {
	status := string(res.Task.Status)
	metrics.RecordRound(status, o.now().Sub(started).Seconds())
	o.history.Put(res)

	evt := streaming.Event{Type: streaming.EventRoundCompleted}
	if res.Task.Status == StatusFailed {
		evt.Type = streaming.EventRoundFailed
		evt.Message = res.Error
	} else if res.Winner != nil {
		evt.AgentID = res.Winner.AgentID
		evt.Message = util.TruncateString(res.Winner.Text, 200, true)
	}
	o.publish(res.Task.ID, evt)

	if o.sink != nil {
		o.sink.SaveRound(context.WithoutCancel(ctx), res)
	}
}

func (o *Orchestrator) publish(taskID string, evt streaming.Event) {
	if o.events == nil {
		return
	}
	o.events.Publish(taskID, evt)
}

func roundCacheStats(responses []models.AgentResponse) CacheStats {
	var s CacheStats
	for _, r := range responses {
		if r.CacheHit {
			s.Hits++
		} else {
			s.Misses++
		}
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.Ratio = float64(s.Hits) / float64(total)
	}
	return s
}

func responseSummary(r models.AgentResponse) string {
	switch {
	case !r.Success:
		return "failed: " + util.TruncateString(r.Text, 120, true)
	case r.CacheHit:
		return "answered from cache"
	default:
		return fmt.Sprintf("answered in %dms", r.LatencyMs)
	}
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

package metrics

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is the number of samples kept per agent.
const DefaultWindowSize = 10

// Sample is one terminal invocation outcome.
type Sample struct {
	Latency time.Duration
	Success bool
}

// Window is a bounded FIFO of samples. It is not safe for concurrent use on
// its own; Tracker serializes access per agent.
type Window struct {
	buf   []Sample
	start int
	n     int
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{buf: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when full.
func (w *Window) Push(s Sample) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = s
		w.n++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

// Len is the number of samples held.
func (w *Window) Len() int { return w.n }

// Cap is the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Samples returns samples oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

type agentWindow struct {
	mu sync.Mutex
	w  *Window
}

// Tracker holds one window per agent. Each window has its own lock, so
// concurrent updates for different agents never contend.
type Tracker struct {
	capacity int
	windows  sync.Map // agent id -> *agentWindow
}

// NewTracker creates a tracker and pre-creates windows for the given agents.
func NewTracker(capacity int, agentIDs ...string) *Tracker {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	t := &Tracker{capacity: capacity}
	for _, id := range agentIDs {
		t.window(id)
	}
	return t
}

func (t *Tracker) window(agentID string) *agentWindow {
	if aw, ok := t.windows.Load(agentID); ok {
		return aw.(*agentWindow)
	}
	aw, _ := t.windows.LoadOrStore(agentID, &agentWindow{w: NewWindow(t.capacity)})
	return aw.(*agentWindow)
}

// Record pushes one sample for agentID.
func (t *Tracker) Record(agentID string, latency time.Duration, success bool) {
	aw := t.window(agentID)
	aw.mu.Lock()
	aw.w.Push(Sample{Latency: latency, Success: success})
	aw.mu.Unlock()
}

// AgentStats is the exported view of one agent's window.
type AgentStats struct {
	AgentID       string    `json:"agent_id"`
	Capacity      int       `json:"capacity"`
	LatenciesMs   []float64 `json:"latencies_ms"`
	Successes     []bool    `json:"successes"`
	SuccessRate   float64   `json:"success_rate"`
	MeanLatencyMs float64   `json:"mean_latency_ms"`
}

// Stats returns the window for one agent. Unknown agents yield an empty view.
func (t *Tracker) Stats(agentID string) AgentStats {
	var samples []Sample
	if v, ok := t.windows.Load(agentID); ok {
		aw := v.(*agentWindow)
		aw.mu.Lock()
		samples = aw.w.Samples()
		aw.mu.Unlock()
	}

	stats := AgentStats{
		AgentID:     agentID,
		Capacity:    t.capacity,
		LatenciesMs: make([]float64, len(samples)),
		Successes:   make([]bool, len(samples)),
	}
	if len(samples) == 0 {
		return stats
	}
	var total float64
	var ok int
	for i, s := range samples {
		ms := float64(s.Latency) / float64(time.Millisecond)
		stats.LatenciesMs[i] = ms
		stats.Successes[i] = s.Success
		total += ms
		if s.Success {
			ok++
		}
	}
	stats.MeanLatencyMs = total / float64(len(samples))
	stats.SuccessRate = float64(ok) / float64(len(samples))
	return stats
}

// Snapshot returns every agent's window sorted by agent id.
func (t *Tracker) Snapshot() []AgentStats {
	var ids []string
	t.windows.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	out := make([]AgentStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.Stats(id))
	}
	return out
}

package streaming

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// Round event types.
const (
	EventRoundStarted   = "ROUND_STARTED"
	EventAgentsSelected = "AGENTS_SELECTED"
	EventAgentResponded = "AGENT_RESPONDED"
	EventRoundScored    = "ROUND_SCORED"
	EventRoundCompleted = "ROUND_COMPLETED"
	EventRoundFailed    = "ROUND_FAILED"
)

// IsTerminal reports whether no more events follow t for the task.
func IsTerminal(t string) bool {
	return t == EventRoundCompleted || t == EventRoundFailed
}

// Event is one progress notification for a dispatch round.
type Event struct {
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Mirror receives every published event, e.g. to share them across
// instances. Append must not block for long.
type Mirror interface {
	Append(evt Event)
}

// Manager is an in-memory pub/sub with a per-task replay ring. History is
// kept for the most recent maxTasks tasks.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	order       *list.List // task ids, oldest first
	positions   map[string]*list.Element
	capacity    int
	maxTasks    int
	mirror      Mirror
}

// NewManager creates a manager keeping capacity events for each of the last
// maxTasks tasks.
func NewManager(capacity, maxTasks int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if maxTasks <= 0 {
		maxTasks = 1024
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		order:       list.New(),
		positions:   make(map[string]*list.Element),
		capacity:    capacity,
		maxTasks:    maxTasks,
	}
}

// SetMirror attaches m; call before publishing starts.
func (m *Manager) SetMirror(mirror Mirror) {
	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
}

// Subscribe adds a subscriber channel for taskID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(taskID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(taskID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[taskID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

// Publish stamps evt with the next sequence number for taskID, records it and
// delivers it to subscribers. Slow subscribers miss events rather than block
// the round. The mirror is called after the lock is released.
func (m *Manager) Publish(taskID string, evt Event) Event {
	m.mu.Lock()
	rg := m.history[taskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[taskID] = rg
		m.positions[taskID] = m.order.PushBack(taskID)
		m.evictLocked()
	}
	rg.nextSeq++
	evt.TaskID = taskID
	evt.Seq = rg.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	rg.push(evt)

	for ch := range m.subscribers[taskID] {
		select {
		case ch <- evt:
		default:
		}
	}
	mirror := m.mirror
	m.mu.Unlock()

	if mirror != nil {
		mirror.Append(evt)
	}
	return evt
}

func (m *Manager) evictLocked() {
	for m.order.Len() > m.maxTasks {
		front := m.order.Front()
		id := front.Value.(string)
		m.order.Remove(front)
		delete(m.positions, id)
		delete(m.history, id)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(taskID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[taskID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Known reports whether any event was published for taskID and is still
// retained.
func (m *Manager) Known(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.history[taskID]
	return ok
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

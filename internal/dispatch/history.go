package dispatch

import (
	"container/list"
	"sync"
)

// History keeps the most recent round results by task id.
type History struct {
	mu   sync.Mutex
	cap  int
	list *list.List // front = most recent
	m    map[string]*list.Element
}

// NewHistory creates a history holding up to capacity results.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1024
	}
	return &History{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

// Get returns the result for taskID.
func (h *History) Get(taskID string) (*Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if el, ok := h.m[taskID]; ok {
		h.list.MoveToFront(el)
		return el.Value.(*Result), true
	}
	return nil, false
}

// Put stores res, evicting the least recently used entry when full.
func (h *History) Put(res *Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := res.Task.ID
	if el, ok := h.m[id]; ok {
		el.Value = res
		h.list.MoveToFront(el)
		return
	}
	h.m[id] = h.list.PushFront(res)
	if h.list.Len() > h.cap {
		if lru := h.list.Back(); lru != nil {
			delete(h.m, lru.Value.(*Result).Task.ID)
			h.list.Remove(lru)
		}
	}
}

// Len returns the number of stored results.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.list.Len()
}

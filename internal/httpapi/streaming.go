package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/streaming"
)

// Replayer serves events for tasks that have left the in-memory history.
type Replayer interface {
	ReplaySince(ctx context.Context, taskID string, since uint64) ([]streaming.Event, error)
}

// StreamingHandler serves SSE and WebSocket endpoints for round events.
type StreamingHandler struct {
	mgr       *streaming.Manager
	replayer  Replayer
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewStreamingHandler(mgr *streaming.Manager, replayer Replayer, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, replayer: replayer, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers SSE routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

type streamParams struct {
	taskID     string
	lastID     uint64
	typeFilter map[string]struct{}
}

func parseStreamParams(r *http.Request) (streamParams, bool) {
	p := streamParams{taskID: r.URL.Query().Get("task_id"), typeFilter: map[string]struct{}{}}
	if p.taskID == "" {
		return p, false
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.typeFilter[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastID = n
		}
	}
	return p, true
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.typeFilter) == 0 {
		return true
	}
	_, ok := p.typeFilter[evt.Type]
	return ok
}

// backlog returns events after lastID, from memory or the replayer when the
// task is no longer held in memory.
func (h *StreamingHandler) backlog(ctx context.Context, p streamParams) []streaming.Event {
	if h.mgr.Known(p.taskID) || h.replayer == nil {
		return h.mgr.ReplaySince(p.taskID, p.lastID)
	}
	events, err := h.replayer.ReplaySince(ctx, p.taskID, p.lastID)
	if err != nil {
		h.logger.Warn("Event replay failed", zap.String("task_id", p.taskID), zap.Error(err))
		return nil
	}
	return events
}

// handleSSE streams events for a task via Server-Sent Events until the
// round reaches a terminal event or the client goes away.
// GET /stream/sse?task_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, ok := parseStreamParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(p.taskID, 256)
	defer h.mgr.Unsubscribe(p.taskID, ch)

	fmt.Fprintf(w, ": connected to task %s\n\n", p.taskID)
	flusher.Flush()

	last := p.lastID
	for _, ev := range h.backlog(r.Context(), p) {
		last = ev.Seq
		if p.wants(ev) {
			writeSSE(w, ev)
		}
		if streaming.IsTerminal(ev.Type) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("task_id", p.taskID))
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= last {
				continue
			}
			last = evt.Seq
			if p.wants(evt) {
				writeSSE(w, evt)
				flusher.Flush()
			}
			if streaming.IsTerminal(evt.Type) {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

// Package cache memoizes successful agent replies per (agent, prompt) and
// persists them to a durable store so they survive restarts.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/metrics"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/models"
)

const (
	keyPrefix  = "resp:"
	shardCount = 32
)

// Entry is the cached value for one key.
type Entry struct {
	Response models.AgentResponse `json:"response"`
	// OriginalLatencyMs is the latency of the network call that produced the
	// response, kept separately from any synthetic latency reported on hits.
	OriginalLatencyMs int64     `json:"original_latency_ms"`
	StoredAt          time.Time `json:"stored_at"`
}

// MakeKey fingerprints (agentID, prompt). The NUL separator keeps
// ("a", "bc") and ("ab", "c") apart.
func MakeKey(agentID, prompt string) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

type shard struct {
	mu sync.RWMutex
	m  map[string]Entry

	// wmu orders writes to the shard's keys, including the store write.
	wmu sync.Mutex
}

// Stats are process-lifetime counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Ratio   float64 `json:"ratio"`
	Entries int     `json:"entries"`
}

// ResponseCache is the in-memory map in front of a Store. Reads take a shard
// read lock only and never wait on the store. Writes within a shard are
// serialized, and the shard's write lock is held while the entry is persisted.
type ResponseCache struct {
	shards  [shardCount]*shard
	store   Store
	logger  *zap.Logger
	timeout time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// Options tune a ResponseCache.
type Options struct {
	// PersistTimeout bounds each store write. Zero means 5s.
	PersistTimeout time.Duration
}

// New creates an empty cache backed by store. A nil store keeps everything in
// memory.
func New(store Store, logger *zap.Logger, opts Options) *ResponseCache {
	if store == nil {
		store = NopStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	c := &ResponseCache{store: store, logger: logger, timeout: opts.PersistTimeout}
	for i := range c.shards {
		c.shards[i] = &shard{m: make(map[string]Entry)}
	}
	return c
}

func (c *ResponseCache) shardFor(key string) *shard {
	// keys are hex digests behind a fixed prefix
	var idx uint32
	if len(key) >= len(keyPrefix)+8 {
		if b, err := hex.DecodeString(key[len(keyPrefix) : len(keyPrefix)+8]); err == nil {
			idx = binary.BigEndian.Uint32(b)
		}
	}
	return c.shards[idx%shardCount]
}

// Load fills the cache from the store. A store failure is logged and the
// cache keeps running in memory.
func (c *ResponseCache) Load(ctx context.Context) int {
	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		c.ioError(&CacheIOError{Op: "load", Err: err})
		return 0
	}
	for key, e := range entries {
		if !e.Response.Success {
			continue
		}
		s := c.shardFor(key)
		s.mu.Lock()
		s.m[key] = e
		s.mu.Unlock()
	}
	c.logger.Info("Response cache loaded", zap.Int("entries", len(entries)))
	return len(entries)
}

// Get looks up the entry for (agentID, prompt). It never does I/O.
func (c *ResponseCache) Get(agentID, prompt string) (Entry, bool) {
	key := MakeKey(agentID, prompt)
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		metrics.CacheHits.Inc()
	} else {
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
	}
	return e, ok
}

// Put stores resp when it succeeded, replacing any previous entry, and writes
// it through to the store. Store errors are logged, not returned.
func (c *ResponseCache) Put(ctx context.Context, agentID, prompt string, resp models.AgentResponse) {
	if !resp.Success {
		return
	}
	key := MakeKey(agentID, prompt)
	entry := Entry{
		Response:          resp,
		OriginalLatencyMs: resp.LatencyMs,
		StoredAt:          time.Now().UTC(),
	}
	entry.Response.CacheHit = false

	s := c.shardFor(key)
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	s.m[key] = entry
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if err := c.store.Save(pctx, key, entry); err != nil {
		c.ioError(&CacheIOError{Op: "save", Key: key, Err: err})
	}
}

func (c *ResponseCache) ioError(err *CacheIOError) {
	metrics.CacheIOErrors.WithLabelValues(err.Op).Inc()
	c.logger.Warn("Response cache store failure, continuing in memory", zap.Error(err))
}

// Len is the number of cached entries.
func (c *ResponseCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns hit/miss counters since start.
func (c *ResponseCache) Stats() Stats {
	st := Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.Len()}
	if total := st.Hits + st.Misses; total > 0 {
		st.Ratio = float64(st.Hits) / float64(total)
	}
	return st
}

// Close releases the store.
func (c *ResponseCache) Close() error {
	return c.store.Close()
}

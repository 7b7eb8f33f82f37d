package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/models"
)

type failingStore struct {
	saves int
	mu    sync.Mutex
}

func (f *failingStore) LoadAll(context.Context) (map[string]Entry, error) {
	return nil, errors.New("disk on fire")
}

func (f *failingStore) Save(context.Context, string, Entry) error {
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()
	return errors.New("disk on fire")
}

func (f *failingStore) Close() error { return nil }

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func (m *memoryStore) LoadAll(context.Context) (map[string]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Entry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) Save(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]Entry{}
	}
	m.entries[key] = e
	return nil
}

func (m *memoryStore) Close() error { return nil }

func success(agentID, text string, latencyMs int64) models.AgentResponse {
	return models.AgentResponse{AgentID: agentID, Success: true, Text: text, LatencyMs: latencyMs, Timestamp: time.Now()}
}

func TestMakeKey(t *testing.T) {
	k := MakeKey("gpt4", "hello")
	assert.True(t, strings.HasPrefix(k, "resp:"))
	assert.Len(t, k, len("resp:")+64)
	assert.Equal(t, k, MakeKey("gpt4", "hello"), "deterministic")

	assert.NotEqual(t, k, MakeKey("gpt4", "hello "), "whitespace matters")
	assert.NotEqual(t, k, MakeKey("deepseek", "hello"))
	assert.NotEqual(t, MakeKey("ab", "c"), MakeKey("a", "bc"))
}

func TestPutAndGet(t *testing.T) {
	store := &memoryStore{}
	c := New(store, zaptest.NewLogger(t), Options{})
	ctx := context.Background()

	_, ok := c.Get("gpt4", "prompt")
	assert.False(t, ok)

	c.Put(ctx, "gpt4", "prompt", success("gpt4", "first", 1200))
	e, ok := c.Get("gpt4", "prompt")
	require.True(t, ok)
	assert.Equal(t, "first", e.Response.Text)
	assert.Equal(t, int64(1200), e.OriginalLatencyMs)
	assert.Len(t, store.entries, 1, "written through immediately")

	c.Put(ctx, "gpt4", "prompt", success("gpt4", "second", 900))
	e, _ = c.Get("gpt4", "prompt")
	assert.Equal(t, "second", e.Response.Text, "overwrites")
	assert.Equal(t, int64(900), e.OriginalLatencyMs)

	st := c.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 2.0/3.0, st.Ratio, 1e-9)
	assert.Equal(t, 1, st.Entries)
}

func TestPutIgnoresFailures(t *testing.T) {
	store := &memoryStore{}
	c := New(store, zaptest.NewLogger(t), Options{})

	c.Put(context.Background(), "gpt4", "prompt", models.Failed("gpt4", "boom", time.Second, time.Now()))
	_, ok := c.Get("gpt4", "prompt")
	assert.False(t, ok)
	assert.Empty(t, store.entries)
}

func TestPutClearsCacheHitFlag(t *testing.T) {
	c := New(nil, zap.NewNop(), Options{})
	resp := success("gpt4", "x", 10)
	resp.CacheHit = true
	c.Put(context.Background(), "gpt4", "p", resp)

	e, ok := c.Get("gpt4", "p")
	require.True(t, ok)
	assert.False(t, e.Response.CacheHit)
}

func TestStoreFailuresAreSoft(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := &failingStore{}
	c := New(store, zap.New(core), Options{})

	assert.Equal(t, 0, c.Load(context.Background()))

	c.Put(context.Background(), "gpt4", "prompt", success("gpt4", "ok", 5))
	e, ok := c.Get("gpt4", "prompt")
	require.True(t, ok, "memory cache still serves the entry")
	assert.Equal(t, "ok", e.Response.Text)
	assert.Equal(t, 1, store.saves)

	entries := logs.FilterMessage("Response cache store failure, continuing in memory").All()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		msg, _ := entry.ContextMap()["error"].(string)
		assert.Contains(t, msg, "disk on fire")
	}
}

func TestPutPersistsAfterCallerCancel(t *testing.T) {
	store := &memoryStore{}
	c := New(store, zap.NewNop(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Put(ctx, "gpt4", "prompt", success("gpt4", "ok", 5))
	assert.Len(t, store.entries, 1)
}

func TestLoadRestoresEntries(t *testing.T) {
	store := &memoryStore{}
	first := New(store, zap.NewNop(), Options{})
	first.Put(context.Background(), "gpt4", "a", success("gpt4", "A", 10))
	first.Put(context.Background(), "deepseek", "b", success("deepseek", "B", 20))

	second := New(store, zap.NewNop(), Options{})
	assert.Equal(t, 2, second.Load(context.Background()))

	e, ok := second.Get("deepseek", "b")
	require.True(t, ok)
	assert.Equal(t, "B", e.Response.Text)
}

func TestConcurrentPutGet(t *testing.T) {
	c := New(&memoryStore{}, zap.NewNop(), Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prompt := fmt.Sprintf("prompt-%d", i%8)
			c.Put(ctx, "gpt4", prompt, success("gpt4", prompt, int64(i)))
			_, _ = c.Get("gpt4", prompt)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, c.Len())
	for i := 0; i < 8; i++ {
		e, ok := c.Get("gpt4", fmt.Sprintf("prompt-%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("prompt-%d", i), e.Response.Text)
	}
}

type blockingStore struct {
	memoryStore
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, key string, e Entry) error {
	<-b.release
	return b.memoryStore.Save(ctx, key, e)
}

func TestGetDoesNotWaitOnStore(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	c := New(store, zap.NewNop(), Options{})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Put(ctx, "gpt4", "slow", success("gpt4", "slow", 10))
	}()

	require.Eventually(t, func() bool {
		_, ok := c.Get("gpt4", "slow")
		return ok
	}, time.Second, 5*time.Millisecond)

	close(store.release)
	<-done
	assert.Len(t, store.entries, 1)
}

func TestStoreMatchesMemoryAfterConcurrentPuts(t *testing.T) {
	store := &memoryStore{}
	c := New(store, zap.NewNop(), Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put(ctx, "gpt4", "same", success("gpt4", fmt.Sprintf("v%d", i), int64(i)))
		}(i)
	}
	wg.Wait()

	e, ok := c.Get("gpt4", "same")
	require.True(t, ok)
	assert.Equal(t, e.Response.Text, store.entries[MakeKey("gpt4", "same")].Response.Text)
}

package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func sampleEntry(text string) Entry {
	return Entry{
		Response:          success("gpt4", text, 1500),
		OriginalLatencyMs: 1500,
		StoredAt:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memory.json")
	s := NewFileStore(path)
	ctx := context.Background()

	loaded, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded, "missing file is an empty store")

	require.NoError(t, s.Save(ctx, MakeKey("gpt4", "a"), sampleEntry("A")))
	require.NoError(t, s.Save(ctx, MakeKey("gpt4", "b"), sampleEntry("B")))

	reopened := NewFileStore(path)
	loaded, err = reopened.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "A", loaded[MakeKey("gpt4", "a")].Response.Text)

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp-*"))
	assert.Empty(t, matches, "no temp files left behind")
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).LoadAll(context.Background())
	require.Error(t, err)
}

func TestFileStoreKeepsUnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	ctx := context.Background()

	good := NewFileStore(path)
	_, err := good.LoadAll(ctx)
	require.NoError(t, err)
	require.NoError(t, good.Save(ctx, MakeKey("gpt4", "kept"), sampleEntry("kept")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupt := append(data, '}')
	require.NoError(t, os.WriteFile(path, corrupt, 0o600))

	c := New(NewFileStore(path), zap.NewNop(), Options{})
	assert.Equal(t, 0, c.Load(ctx))
	c.Put(ctx, "gpt4", "fresh", success("gpt4", "fresh", 300))

	// still served from memory
	_, ok := c.Get("gpt4", "fresh")
	assert.True(t, ok)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, corrupt, after, "unreadable file left untouched")
	assert.Contains(t, string(after), "kept")
}

func TestFileStoreSaveWithoutLoadMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	ctx := context.Background()

	require.NoError(t, NewFileStore(path).Save(ctx, MakeKey("gpt4", "a"), sampleEntry("A")))
	require.NoError(t, NewFileStore(path).Save(ctx, MakeKey("gpt4", "b"), sampleEntry("B")))

	loaded, err := NewFileStore(path).LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestFileStoreSaveRefusedAfterFailedLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := NewFileStore(path)
	_, err := s.LoadAll(context.Background())
	require.Error(t, err)

	err = s.Save(context.Background(), MakeKey("gpt4", "x"), sampleEntry("X"))
	require.ErrorIs(t, err, ErrStoreUnreadable)
}

func TestFileStoreBackedCacheSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	ctx := context.Background()

	c := New(NewFileStore(path), zap.NewNop(), Options{})
	c.Load(ctx)
	c.Put(ctx, "gpt4", "prompt", success("gpt4", "persisted", 700))

	restarted := New(NewFileStore(path), zap.NewNop(), Options{})
	assert.Equal(t, 1, restarted.Load(ctx))
	e, ok := restarted.Get("gpt4", "prompt")
	require.True(t, ok)
	assert.Equal(t, "persisted", e.Response.Text)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := NewRedisStore(RedisOptions{Addr: mr.Addr(), Namespace: "a2a", TTL: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	key := MakeKey("gpt4", "a")
	require.NoError(t, s.Save(ctx, key, sampleEntry("A")))
	require.NoError(t, mr.Set("a2a:resp:garbage", "not json"))
	require.NoError(t, mr.Set("unrelated", "x"))

	assert.True(t, mr.Exists("a2a:"+key))
	assert.Equal(t, time.Hour, mr.TTL("a2a:"+key))

	loaded, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1, "undecodable and foreign keys are skipped")
	assert.Equal(t, "A", loaded[key].Response.Text)
	assert.NoError(t, s.Ping(ctx))
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisStore(RedisOptions{Addr: addr}, zap.NewNop())
	require.Error(t, err)

	store := OpenStoreOrMemory(StoreConfig{Backend: "redis", Redis: RedisOptions{Addr: addr}}, zap.NewNop())
	assert.IsType(t, NopStore{}, store)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	key := MakeKey("gpt4", "a")
	require.NoError(t, s.Save(ctx, key, sampleEntry("A")))
	require.NoError(t, s.Save(ctx, key, sampleEntry("A2")))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "A2", loaded[key].Response.Text)
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(StoreConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, NopStore{}, s)

	s, err = OpenStore(StoreConfig{Backend: "file", Path: filepath.Join(dir, "m.json")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = OpenStore(StoreConfig{Backend: "file"}, nil)
	assert.Error(t, err)

	_, err = OpenStore(StoreConfig{Backend: "etcd"}, nil)
	assert.Error(t, err)
}

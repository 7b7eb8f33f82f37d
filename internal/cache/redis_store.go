package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/circuitbreaker"
)

// RedisStore keeps one JSON string per cache key, optionally namespaced and
// with a TTL.
type RedisStore struct {
	cli       *circuitbreaker.RedisWrapper
	namespace string
	ttl       time.Duration
	logger    *zap.Logger
}

// RedisOptions configure NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	TTL       time.Duration
}

// NewRedisStore connects and pings once.
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	wrapper := circuitbreaker.NewRedisWrapper(rc, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx); err != nil {
		_ = wrapper.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &RedisStore{cli: wrapper, namespace: opts.Namespace, ttl: opts.TTL, logger: logger}, nil
}

func (r *RedisStore) redisKey(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

func (r *RedisStore) LoadAll(ctx context.Context) (map[string]Entry, error) {
	keys, err := r.cli.ScanKeys(ctx, r.redisKey(keyPrefix+"*"), 500)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(keys))
	strip := len(r.redisKey(""))
	for _, rk := range keys {
		raw, err := r.cli.Get(ctx, rk)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			r.logger.Warn("Skipping undecodable cache entry", zap.String("key", rk), zap.Error(err))
			continue
		}
		out[rk[strip:]] = e
	}
	return out, nil
}

func (r *RedisStore) Save(ctx context.Context, key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return r.cli.Set(ctx, r.redisKey(key), data, r.ttl)
}

// Ping reports store reachability for health checks.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx)
}

// BreakerOpen reports whether the store's breaker is rejecting calls.
func (r *RedisStore) BreakerOpen() bool {
	return r.cli.IsCircuitBreakerOpen()
}

func (r *RedisStore) Close() error {
	return r.cli.Close()
}

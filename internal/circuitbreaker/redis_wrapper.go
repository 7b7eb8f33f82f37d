package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisService = "response-cache"

// RedisWrapper guards a Redis client with a breaker. A missing key
// (redis.Nil) is a normal result and never trips it.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper wraps client using RedisSettings.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker("redis", RedisSettings().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", redisService, cb)
	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest("redis", redisService, rw.cb.State(), err == nil)
	return err
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// Get returns the value at key, or redis.Nil when absent.
func (rw *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var (
		val    string
		getErr error
	)
	err := rw.run(ctx, func() error {
		val, getErr = rw.client.Get(ctx, key).Result()
		if errors.Is(getErr, redis.Nil) {
			return nil
		}
		return getErr
	})
	if err != nil {
		return "", err
	}
	return val, getErr
}

// Set stores value at key. A zero expiration keeps the key forever.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return rw.run(ctx, func() error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
}

// Del removes keys.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := rw.run(ctx, func() error {
		var delErr error
		n, delErr = rw.client.Del(ctx, keys...).Result()
		return delErr
	})
	return n, err
}

// ScanKeys walks the keyspace with SCAN and returns every key matching pattern.
func (rw *RedisWrapper) ScanKeys(ctx context.Context, pattern string, batch int64) ([]string, error) {
	if batch <= 0 {
		batch = 100
	}
	var keys []string
	err := rw.run(ctx, func() error {
		var cursor uint64
		for {
			page, next, scanErr := rw.client.Scan(ctx, cursor, pattern, batch).Result()
			if scanErr != nil {
				return scanErr
			}
			keys = append(keys, page...)
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return keys, err
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the raw client for operations the wrapper does not cover.
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen reports whether calls are currently rejected.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}

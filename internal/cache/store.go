package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Store is the durable side of the cache: a key -> JSON blob map that is read
// once at startup and written on every successful invocation.
type Store interface {
	LoadAll(ctx context.Context) (map[string]Entry, error)
	Save(ctx context.Context, key string, e Entry) error
	Close() error
}

// NopStore keeps nothing.
type NopStore struct{}

func (NopStore) LoadAll(context.Context) (map[string]Entry, error) { return nil, nil }
func (NopStore) Save(context.Context, string, Entry) error         { return nil }
func (NopStore) Close() error                                      { return nil }

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Backend string // memory, file, redis or sqlite
	Path    string // file and sqlite
	Redis   RedisOptions
}

// OpenStore builds the configured backend.
func OpenStore(cfg StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NopStore{}, nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("cache backend file requires a path")
		}
		return NewFileStore(cfg.Path), nil
	case "redis":
		return NewRedisStore(cfg.Redis, logger)
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("cache backend sqlite requires a path")
		}
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// OpenStoreOrMemory is OpenStore that degrades to NopStore when the backend
// cannot be reached, so the process runs with an in-memory cache.
func OpenStoreOrMemory(cfg StoreConfig, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := OpenStore(cfg, logger)
	if err != nil {
		logger.Warn("Cache store unavailable, caching in memory only",
			zap.String("backend", cfg.Backend), zap.Error(&CacheIOError{Op: "open", Err: err}))
		return NopStore{}
	}
	return store
}

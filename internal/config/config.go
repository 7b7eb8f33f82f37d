// Package config loads orchestrator settings from a YAML file and A2A_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/db"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/routing"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/tracing"
)

// DefaultPath is read when CONFIG_PATH is unset.
const DefaultPath = "config/orchestrator.yaml"

// EnvPrefix prefixes every environment override, e.g. A2A_SERVER_PORT.
const EnvPrefix = "A2A"

type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	Admin      AdminConfig           `mapstructure:"admin"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	Agents     []agents.AgentProfile `mapstructure:"agents"`
	AgentsFile string                `mapstructure:"agents_file"`
	Routing    RoutingConfig         `mapstructure:"routing"`
	Invoker    InvokerConfig         `mapstructure:"invoker"`
	Cache      CacheConfig           `mapstructure:"cache"`
	Metrics    MetricsConfig         `mapstructure:"metrics"`
	Dispatch   DispatchConfig        `mapstructure:"dispatch"`
	Postgres   PostgresConfig        `mapstructure:"postgres"`
	Tracing    tracing.Config        `mapstructure:"tracing"`
	Streaming  StreamingConfig       `mapstructure:"streaming"`
	Auth       AuthConfig            `mapstructure:"auth"`
	Health     HealthConfig          `mapstructure:"health"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// AdminConfig is the metrics and health listener.
type AdminConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RoutingConfig replaces the built-in keyword families when non-empty.
type RoutingConfig struct {
	Families []routing.Family `mapstructure:"families"`
}

type InvokerConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffFloor    time.Duration `mapstructure:"backoff_floor"`
	BackoffCeiling  time.Duration `mapstructure:"backoff_ceiling"`
	CacheHitLatency time.Duration `mapstructure:"cache_hit_latency"`
	DefaultRPM      int           `mapstructure:"default_rpm"`
}

type CacheConfig struct {
	Backend        string        `mapstructure:"backend"` // memory, file, redis, sqlite
	Path           string        `mapstructure:"path"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Namespace string        `mapstructure:"namespace"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	WindowSize int `mapstructure:"window_size"`
}

type DispatchConfig struct {
	RoundTimeout time.Duration `mapstructure:"round_timeout"`
	HistorySize  int           `mapstructure:"history_size"`
}

type PostgresConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	db.Config `mapstructure:",squash"`
}

type StreamingConfig struct {
	Capacity    int               `mapstructure:"capacity"`
	MaxTasks    int               `mapstructure:"max_tasks"`
	RedisMirror RedisMirrorConfig `mapstructure:"redis_mirror"`
}

// RedisMirrorConfig copies round events to Redis streams.
type RedisMirrorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	MaxLen   int64         `mapstructure:"max_len"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type HealthConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.graceful_timeout", 30*time.Second)

	v.SetDefault("admin.port", 2112)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("agents_file", "")

	v.SetDefault("invoker.timeout", 30*time.Second)
	v.SetDefault("invoker.max_attempts", 3)
	v.SetDefault("invoker.backoff_floor", time.Second)
	v.SetDefault("invoker.backoff_ceiling", 10*time.Second)
	v.SetDefault("invoker.cache_hit_latency", 50*time.Millisecond)
	v.SetDefault("invoker.default_rpm", 0)

	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.path", "data/response_cache.json")
	v.SetDefault("cache.persist_timeout", 2*time.Second)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.namespace", "a2a:cache")
	v.SetDefault("cache.redis.ttl", 0)

	v.SetDefault("metrics.window_size", 10)

	v.SetDefault("dispatch.round_timeout", 0)
	v.SetDefault("dispatch.history_size", 1024)

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "a2a")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "a2a")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "a2a-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("streaming.max_tasks", 1024)
	v.SetDefault("streaming.redis_mirror.enabled", false)
	v.SetDefault("streaming.redis_mirror.addr", "localhost:6379")
	v.SetDefault("streaming.redis_mirror.password", "")
	v.SetDefault("streaming.redis_mirror.prefix", "a2a:events")
	v.SetDefault("streaming.redis_mirror.max_len", 256)
	v.SetDefault("streaming.redis_mirror.ttl", 24*time.Hour)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "a2a-orchestrator")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.check_interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)
}

// Path returns CONFIG_PATH or DefaultPath.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads Path(). A missing file at the default location is not an error.
func Load() (*Config, error) {
	path := Path()
	cfg, err := LoadFile(path)
	if err != nil && errors.Is(err, os.ErrNotExist) && os.Getenv("CONFIG_PATH") == "" {
		return LoadFile("")
	}
	return cfg, err
}

// LoadFile reads path (skipped when empty), applies env overrides and
// validates the result.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin.port %d", c.Admin.Port)
	}
	switch c.Cache.Backend {
	case "memory", "file", "redis", "sqlite":
	default:
		return fmt.Errorf("invalid cache.backend %q", c.Cache.Backend)
	}
	if c.Invoker.MaxAttempts < 1 {
		return fmt.Errorf("invoker.max_attempts must be at least 1")
	}
	if c.Invoker.BackoffCeiling < c.Invoker.BackoffFloor {
		return fmt.Errorf("invoker.backoff_ceiling %s is below backoff_floor %s", c.Invoker.BackoffCeiling, c.Invoker.BackoffFloor)
	}
	if c.Metrics.WindowSize < 1 {
		return fmt.Errorf("metrics.window_size must be at least 1")
	}
	if c.Dispatch.RoundTimeout < 0 {
		return fmt.Errorf("dispatch.round_timeout must not be negative")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

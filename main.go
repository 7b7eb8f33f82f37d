package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redisv9 "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	authpkg "github.com/a2a-coder/a2a/go/orchestrator/internal/auth"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/cache"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/circuitbreaker"
	cfg "github.com/a2a-coder/a2a/go/orchestrator/internal/config"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/db"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/dispatch"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/health"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/httpapi"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/invoker"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/metrics"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/ratecontrol"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/routing"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/streaming"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/tracing"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/voting"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(conf.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("path", cfg.Path()),
		zap.Int("port", conf.Server.Port),
		zap.String("cache_backend", conf.Cache.Backend),
	)

	circuitbreaker.StartMetricsCollection(ctx, 10*time.Second)

	shutdownTracing, err := tracing.Initialize(conf.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// ------------------------------------------------------------------
	// Agent directory, cache and invoker
	// ------------------------------------------------------------------
	dir, err := agents.Build(conf.Agents, conf.AgentsFile)
	if err != nil {
		logger.Fatal("Failed to build agent directory", zap.Error(err))
	}
	if dir.Len() == 0 {
		logger.Warn("No agents configured; dispatch requests will be rejected")
	}
	logger.Info("Agent directory ready", zap.Strings("agents", dir.IDs()))

	store := cache.OpenStoreOrMemory(cache.StoreConfig{
		Backend: conf.Cache.Backend,
		Path:    conf.Cache.Path,
		Redis: cache.RedisOptions{
			Addr:      conf.Cache.Redis.Addr,
			Password:  conf.Cache.Redis.Password,
			DB:        conf.Cache.Redis.DB,
			Namespace: conf.Cache.Redis.Namespace,
			TTL:       conf.Cache.Redis.TTL,
		},
	}, logger)
	responseCache := cache.New(store, logger, cache.Options{PersistTimeout: conf.Cache.PersistTimeout})
	defer responseCache.Close()
	loaded := responseCache.Load(ctx)
	logger.Info("Response cache loaded", zap.Int("entries", loaded))

	tracker := metrics.NewTracker(conf.Metrics.WindowSize, dir.IDs()...)

	perAgent := make(map[string]ratecontrol.RateLimit, dir.Len())
	for _, p := range dir.All() {
		perAgent[p.ID] = ratecontrol.RateLimit{RPM: p.RPM}
	}
	limiters := ratecontrol.NewLimiters(ratecontrol.RateLimit{RPM: conf.Invoker.DefaultRPM}, perAgent)

	inv := invoker.New(invoker.Config{
		Timeout:         conf.Invoker.Timeout,
		MaxAttempts:     conf.Invoker.MaxAttempts,
		BackoffFloor:    conf.Invoker.BackoffFloor,
		BackoffCeiling:  conf.Invoker.BackoffCeiling,
		CacheHitLatency: conf.Invoker.CacheHitLatency,
	}, dir, responseCache, tracker, logger, invoker.WithLimiters(limiters))

	router := routing.New(dir, routing.RulesFromFamilies(conf.Routing.Families), logger)
	engine := voting.NewEngine(dir, voting.DefaultParams())

	// ------------------------------------------------------------------
	// Event streaming
	// ------------------------------------------------------------------
	events := streaming.NewManager(conf.Streaming.Capacity, conf.Streaming.MaxTasks)
	var mirror *streaming.RedisMirror
	if rm := conf.Streaming.RedisMirror; rm.Enabled {
		rdb := redisv9.NewClient(&redisv9.Options{Addr: rm.Addr, Password: rm.Password, DB: rm.DB})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Event mirror unavailable, streaming from memory only", zap.String("addr", rm.Addr), zap.Error(err))
		} else {
			mirror = streaming.NewRedisMirror(rdb, rm.Prefix, rm.MaxLen, rm.TTL, logger)
			events.SetMirror(mirror)
			logger.Info("Event mirror enabled", zap.String("addr", rm.Addr))
		}
		pingCancel()
	}

	// ------------------------------------------------------------------
	// Optional Postgres sink
	// ------------------------------------------------------------------
	var sink dispatch.Sink
	var dbClient *db.Client
	if conf.Postgres.Enabled {
		dbClient, err = db.NewClient(conf.Postgres.Config, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database client", zap.Error(err))
		}
		defer dbClient.Close()
		if err := dbClient.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure database schema", zap.Error(err))
		}
		if err := dbClient.SyncAgents(ctx, dir.All()); err != nil {
			logger.Warn("Failed to mirror agent directory", zap.Error(err))
		}
		sink = dbClient
	}

	orch, err := dispatch.New(dispatch.Components{
		Directory: dir,
		Router:    router,
		Invoker:   inv,
		Engine:    engine,
		Cache:     responseCache,
		Tracker:   tracker,
		Events:    events,
		Sink:      sink,
	}, dispatch.Config{
		RoundTimeout: conf.Dispatch.RoundTimeout,
		HistorySize:  conf.Dispatch.HistorySize,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Routing hot reload
	// ------------------------------------------------------------------
	if watcher, err := cfg.NewWatcher(cfg.Path(), logger); err != nil {
		logger.Info("Configuration watcher disabled", zap.Error(err))
	} else {
		watcher.OnChange(func(next *cfg.Config) error {
			router.SetRules(routing.RulesFromFamilies(next.Routing.Families))
			logger.Info("Routing families reloaded", zap.Int("families", len(next.Routing.Families)))
			return nil
		})
		watcher.Start()
		defer watcher.Stop()
	}

	// ------------------------------------------------------------------
	// Health and admin endpoints
	// ------------------------------------------------------------------
	hm := health.NewManager(conf.Health.CheckInterval, logger)
	_ = hm.RegisterChecker(health.NewDirectoryChecker(dir))
	_ = hm.RegisterChecker(health.NewAgentEndpointChecker(dir, nil, conf.Health.Timeout, logger))
	_ = hm.RegisterChecker(health.NewBreakerChecker(circuitbreaker.GlobalMetricsCollector))
	if rs, ok := store.(*cache.RedisStore); ok {
		_ = hm.RegisterChecker(health.NewDependencyChecker("cache_redis", rs, false, rs.BreakerOpen))
	}
	if dbClient != nil {
		_ = hm.RegisterChecker(health.NewDependencyChecker("postgres", dbClient, false, dbClient.Wrapper().IsOpen))
	}
	if conf.Health.Enabled {
		_ = hm.Start(ctx)
		defer hm.Stop()
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(conf.Admin.Port),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", conf.Admin.Port))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// Public API
	// ------------------------------------------------------------------
	var jwtManager *authpkg.JWTManager
	if conf.Auth.Enabled {
		jwtManager, err = authpkg.NewJWTManager(conf.Auth.JWTSecret, conf.Auth.Issuer, time.Hour)
		if err != nil {
			logger.Fatal("Failed to initialize auth", zap.Error(err))
		}
	}
	authMiddleware, err := authpkg.NewMiddleware(jwtManager, conf.Auth.Enabled, logger)
	if err != nil {
		logger.Fatal("Failed to initialize auth middleware", zap.Error(err))
	}

	apiMux := http.NewServeMux()
	httpapi.NewAPIHandler(orch, inv, authMiddleware, logger).RegisterRoutes(apiMux)
	var replayer httpapi.Replayer
	if mirror != nil {
		replayer = mirror
	}
	httpapi.NewStreamingHandler(events, replayer, logger).RegisterRoutes(apiMux)

	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(conf.Server.Port),
		Handler:      apiMux,
		ReadTimeout:  conf.Server.ReadTimeout,
		WriteTimeout: conf.Server.WriteTimeout, // 0 keeps SSE streams open
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", conf.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down orchestrator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.Server.GracefulTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown failed", zap.Error(err))
	}
	cancel()
}

func newLogger(lc cfg.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		level, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arenahq/apicore/internal/actions"
	"github.com/arenahq/apicore/internal/config"
	"github.com/arenahq/apicore/internal/logging"
	"github.com/arenahq/apicore/internal/metrics"
	"github.com/arenahq/apicore/internal/query"
	"github.com/arenahq/apicore/internal/runtime"
	"github.com/arenahq/apicore/internal/runtime/cache"
	"github.com/arenahq/apicore/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "APICORE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	secret, err := cfg.Auth.SecretBytes()
	if err != nil {
		logger.Error("auth secret unusable", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	store := buildCacheStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)

	templates, err := query.LoadTemplates(cfg.Queries.Dir, cfg.Queries.DefaultDatabase, logger)
	if err != nil {
		logger.Error("query template load failed", slog.Any("error", err))
		os.Exit(1)
	}

	pools := make(map[string]*pgxpool.Pool, len(cfg.Databases))
	for name, db := range cfg.Databases {
		pool, err := pgxpool.New(ctx, db.DSN())
		if err != nil {
			logger.Error("database pool setup failed", slog.String("database", name), slog.Any("error", err))
			os.Exit(1)
		}
		pools[name] = pool
	}
	defer func() {
		for _, pool := range pools {
			pool.Close()
		}
	}()

	executor := query.NewExecutor(query.Options{
		Templates: templates,
		Pools:     pools,
		Timeout:   cfg.Queries.Timeout(),
		Logger:    logger,
		Metrics:   metricsRecorder,
	})

	pipe := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Cache:           store,
		Query:           executor,
		DefaultCacheTTL: cfg.Cache.TTL(),
		AuthSecret:      secret,
		AuthAudience:    cfg.Auth.ClientID,
		CallerCacheTTL:  cfg.Auth.CallerCacheTTL(),
		PrivateActions:  cfg.Cache.PrivateActions,
		GuardEnabled:    cfg.Cache.Guard.Enabled,
		GuardTTL:        cfg.Cache.Guard.TTL(),
		Metrics:         metricsRecorder,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := pipe.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if err := actions.Register(pipe); err != nil {
		logger.Error("action registration failed", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewPipelineHandler(pipe))

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildCacheStore(logger *slog.Logger, cfg config.CacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache")
		return cache.NewMemory()
	case "redis":
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory()
		}
		logger.Info("using redis cache", slog.String("address", cfg.Redis.Address))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory()
	}
}

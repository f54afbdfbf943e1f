package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-engine/internal/api"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/execution"
	"github.com/atmx/portfolio-engine/internal/ingest"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/orchestrator"
	"github.com/atmx/portfolio-engine/internal/pricing"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/strategy"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := cfg.Database.URL; dbURL != "" {
		if err := store.RunMigrations(dbURL, store.MigrateUp); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		pool, err := store.NewPool(ctx, dbURL, cfg.Database.MaxConns)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Database.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Database.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Database.CacheTTL.Duration)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Strategies ---
	registry := strategy.NewRegistry(
		strategy.NewMomentum(cfg.Strategies["momentum"]),
		strategy.NewContrarian(cfg.Strategies["contrarian"]),
	)

	// --- Market data source ---
	retry := ingest.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Ingest.MaxAttempts
	gamma := ingest.NewGammaClient(ingest.GammaConfig{
		BaseURL:           cfg.Ingest.BaseURL,
		Timeout:           cfg.Ingest.Timeout.Duration,
		RequestsPerSecond: cfg.Ingest.RequestsPerSecond,
		PageSize:          cfg.Ingest.PageSize,
		Retry:             retry,
	}, nil)
	syncer := ingest.NewSyncer(gamma, st)

	// --- WebSocket hub ---
	hub := api.NewHub()

	// --- Engine ---
	engine := execution.NewEngine(st, execution.Options{
		Limits:   registry.Limits,
		Notifier: hub,
	})
	updater := pricing.NewUpdater(st, gamma, pricing.Options{
		Interval:     cfg.Schedule.PriceInterval.Duration,
		FetchTimeout: cfg.Schedule.PriceTimeout.Duration,
		Notifier:     hub,
	})
	orch := orchestrator.New(st, registry, engine, orchestrator.Options{
		MarketTimeout: cfg.Schedule.MarketTimeout.Duration,
		Concurrency:   cfg.Schedule.CycleConcurrency,
		Ticks:         updater,
	})
	svc := api.NewService(st, orch, registry, engine, hub)

	// --- Background loops ---
	var wg sync.WaitGroup
	goLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("background loop stopped", "loop", name, "err", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	goLoop("ingest", func(ctx context.Context) error {
		return syncer.Run(ctx, cfg.Schedule.RefreshInterval.Duration)
	})
	goLoop("pricing", updater.Run)
	if interval := cfg.Schedule.CycleInterval.Duration; interval > 0 {
		goLoop("cycles", func(ctx context.Context) error {
			return orch.Run(ctx, interval)
		})
	} else {
		slog.Info("scheduled cycles disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for dashboard clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())
	svc.Routes(r)

	// --- Server ---
	// No WriteTimeout; /api/v1/ws connections are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	wg.Wait()
	slog.Info("portfolio-engine stopped")
}

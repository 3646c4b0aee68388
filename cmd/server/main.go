// Package main is the entrypoint for the chartqueue server: the LINE webhook,
// the operator API, and the in-process worker pool that drains the job queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/chartqueue/internal/ai"
	"github.com/kiranshivaraju/chartqueue/internal/api"
	"github.com/kiranshivaraju/chartqueue/internal/api/handler"
	mw "github.com/kiranshivaraju/chartqueue/internal/api/middleware"
	"github.com/kiranshivaraju/chartqueue/internal/api/response"
	"github.com/kiranshivaraju/chartqueue/internal/cache"
	"github.com/kiranshivaraju/chartqueue/internal/config"
	"github.com/kiranshivaraju/chartqueue/internal/line"
	"github.com/kiranshivaraju/chartqueue/internal/queue"
	"github.com/kiranshivaraju/chartqueue/internal/store"
	"github.com/kiranshivaraju/chartqueue/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", provider.Name())

	pgStore := store.NewPostgresStore(pool)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := queue.NewManager(pgStore, queue.Options{
		IDBucket:           cfg.Queue.IDBucket,
		HistoryKeep:        cfg.Queue.HistoryKeep,
		EstSecondsPerImage: cfg.Queue.EstSecondsPerImage,
		Metrics:            queue.NewMetrics(reg),
	})
	defer manager.Wait()

	lineClient := line.NewHTTPClient(cfg.LINE.APIBaseURL, cfg.LINE.DataBaseURL,
		cfg.LINE.ChannelAccessToken, cfg.LINE.Timeout)
	analyzer := ai.NewAnalysisService(provider, pgStore, pgStore, cfg.AI.InferenceTimeout)

	workers := worker.NewPool(manager, analyzer, pgStore, lineClient, worker.Options{
		Concurrency:  cfg.Queue.WorkerConcurrency,
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		StaleAfter:   cfg.Queue.StaleAfter,
		Metrics:      worker.NewMetrics(reg),
	})

	rateLimit := mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin)

	deps := api.Dependencies{
		AdminAuth:        mw.NewAdminAuth(cfg.Admin.TokenHash),
		RateLimit:        rateLimit,
		WebhookSignature: mw.LINESignature(cfg.LINE.ChannelSecret),

		HealthHandler:  healthHandler(pgStore, redisCache),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		WebhookHandler: handler.NewWebhookHandler(handler.WebhookDeps{
			Queue:       manager,
			Analyses:    pgStore,
			Preferences: pgStore,
			Cache:       redisCache,
			LINE:        lineClient,
			Limiter:     rateLimit,
			Worker:      workers,
		}),

		UserStatusHandler:   handler.NewUserStatusHandler(manager),
		ListAnalysesHandler: handler.NewListAnalysesHandler(pgStore),
		PruneHandler:        handler.NewPruneHandler(manager, cfg.Queue.HistoryKeep),
		RequeueJobHandler:   handler.NewRequeueHandler(manager, pgStore),
		FailJobHandler:      handler.NewFailHandler(manager, pgStore),
	}
	if cfg.Admin.TokenHash == "" {
		slog.Warn("ADMIN_TOKEN_HASH not set; admin API disabled")
	}

	router := api.NewRouter(deps)

	// The pool has its own context so it stops only after the HTTP server has
	// stopped accepting webhooks.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- workers.Run(workerCtx)
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-workerDone:
		workerDone <- err
		runErr = fmt.Errorf("worker pool stopped unexpectedly: %v", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown: %w", err)
	}

	// In-flight jobs are requeued by the pool once its context is cancelled.
	stopWorkers()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("worker pool did not stop before the shutdown deadline")
	}
	if runErr != nil {
		return runErr
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

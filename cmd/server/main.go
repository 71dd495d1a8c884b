// Package main is the entrypoint for the ClipCoach API server.
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

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/clipcoach/internal/ai"
	"github.com/kiranshivaraju/clipcoach/internal/analysis"
	"github.com/kiranshivaraju/clipcoach/internal/api"
	"github.com/kiranshivaraju/clipcoach/internal/api/handler"
	mw "github.com/kiranshivaraju/clipcoach/internal/api/middleware"
	"github.com/kiranshivaraju/clipcoach/internal/cache"
	"github.com/kiranshivaraju/clipcoach/internal/config"
	"github.com/kiranshivaraju/clipcoach/internal/media"
	"github.com/kiranshivaraju/clipcoach/internal/storage"
	"github.com/kiranshivaraju/clipcoach/internal/store"
)

const shutdownTimeout = 30 * time.Second

// writeSlack is added to the analysis timeout so a run that uses its whole
// budget can still write its response.
const writeSlack = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("reading .env failed", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(cfg.NewLogger())
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider,
		"storage", cfg.Storage.Backend,
		"analysis_version", cfg.Analysis.Version,
		"tiers", len(cfg.Analysis.Tiers),
		"env", cfg.Server.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Object storage and scratch space
	objects, err := newObjectStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	temp, err := storage.NewTempFiles(cfg.Storage.TempDir)
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	slog.Info("storage ready", "backend", cfg.Storage.Backend, "temp_dir", temp.Dir())

	// 6. Create AI provider and the escalation ladder
	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name(), "model", aiProvider.Model())

	sampler := media.NewSampler(cfg.Analysis.FFmpegPath, temp.Dir())
	escalator, err := ai.NewEscalator(sampler, aiProvider, cfg.Analysis.Tiers, cfg.AI.InferenceTimeout())
	if err != nil {
		return fmt.Errorf("create escalator: %w", err)
	}

	// 7. Wire the pipeline
	pgStore := store.NewPostgresStore(pool)
	gate := analysis.NewGate(pgStore, redisCache, analysis.GateConfig{
		Version:    cfg.Analysis.Version,
		CacheTTL:   cfg.Analysis.CacheTTL,
		StaleAfter: cfg.Analysis.StaleAfter,
	})
	svc := ai.NewAnalysisService(ai.ServiceConfig{
		Gate:          gate,
		Store:         pgStore,
		Objects:       objects,
		Temp:          temp,
		Runner:        escalator,
		DefaultBucket: cfg.Storage.DefaultBucket,
		Timeout:       cfg.Analysis.Timeout,
	})

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),

		HealthHandler:       handler.NewHealthHandler(pgStore, redisCache),
		AnalyzeHandler:      handler.NewAnalyzeHandler(svc),
		GetAnalysisHandler:  handler.NewGetAnalysisHandler(pgStore),
		ListAnalysesHandler: handler.NewListAnalysesHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg.Analysis.Timeout),
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

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newObjectStore picks the video source named by STORAGE_BACKEND.
func newObjectStore(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case "local":
		return storage.NewLocalStore(cfg.LocalRoot)
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// writeTimeout keeps the server from cutting off a synchronous analyze call.
func writeTimeout(analysisTimeout time.Duration) time.Duration {
	return analysisTimeout + writeSlack
}

// Package main is the entry point for the generation gateway server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ndwlabs/ndw-gateway/internal/config"
	"github.com/ndwlabs/ndw-gateway/internal/counter"
	"github.com/ndwlabs/ndw-gateway/internal/database"
	"github.com/ndwlabs/ndw-gateway/internal/dedupe"
	"github.com/ndwlabs/ndw-gateway/internal/engine"
	"github.com/ndwlabs/ndw-gateway/internal/handler"
	"github.com/ndwlabs/ndw-gateway/internal/middleware"
	"github.com/ndwlabs/ndw-gateway/internal/prefetch"
	"github.com/ndwlabs/ndw-gateway/internal/provider"
	"github.com/ndwlabs/ndw-gateway/internal/review"
	"github.com/ndwlabs/ndw-gateway/internal/rotation"
	"github.com/ndwlabs/ndw-gateway/internal/topup"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting generation gateway",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// Connect to Redis when enabled; the file backends cover the rest.
	var rdb *database.Redis
	if cfg.Redis.Enabled {
		rdb, err = database.NewRedis(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		logger.Info("Connected to Redis")
	}

	// Signature store
	dedupeMax := cfg.Dedupe.EffectiveMax(cfg.Prefetch.FillTo)
	var seen dedupe.Store
	if rdb != nil {
		seen = dedupe.NewRedisStore(rdb, "", dedupeMax, cfg.Dedupe.Enabled, logger)
	} else {
		seen = dedupe.NewFileStore(cfg.Dedupe.File, dedupeMax, cfg.Dedupe.Enabled, logger)
	}

	// Prefetch queue
	signer := prefetch.NewTokenSigner(cfg.Prefetch.TokenSecret, cfg.Prefetch.TokenTTL)
	var queue prefetch.Queue
	if rdb != nil {
		queue = prefetch.NewRedisQueue(rdb, seen, signer, logger)
	} else {
		queue, err = prefetch.NewFileQueue(cfg.Prefetch.Dir, seen, signer, logger)
		if err != nil {
			log.Fatalf("Failed to open prefetch dir: %v", err)
		}
	}

	// Provider clients share one backoff registry.
	backoff := provider.NewBackoffRegistry(cfg.Providers.BackoffInitial, cfg.Providers.BackoffMax)
	openrouter := provider.NewOpenRouterClient(
		cfg.Providers.OpenRouterKey, cfg.Providers.OpenRouterModel, cfg.Providers.OpenRouterFallback,
		cfg.Providers.Temperature, cfg.Providers.RequestTimeout, backoff, logger,
	)
	groq := provider.NewGroqClient(
		cfg.Providers.GroqKey, cfg.Providers.GroqModel,
		cfg.Providers.Temperature, cfg.Providers.RequestTimeout, backoff, logger,
	)
	gemini := provider.NewGeminiClient(
		cfg.Providers.GeminiKey, cfg.Providers.GeminiModel,
		cfg.Providers.Temperature, cfg.Providers.RequestTimeout, backoff, logger,
	)

	// Reviewer: primary reviews, secondary repairs broken output.
	reviewer := review.NewReviewer(openrouter, groq, cfg.Review.Enabled, cfg.Review.Backoff, logger)

	// Engine
	rotator := rotation.NewRotator()
	eng := engine.New(cfg.Providers, openrouter, groq, gemini, rotator, seen, reviewer, logger)
	if os.Getenv("NDW_TEST_MODE") == "true" && !cfg.Providers.Credentialed() {
		eng.SetStub(engine.StubDoc)
		logger.Info("Test mode: deterministic stub generation enabled")
	}

	// Counter
	ctr := counter.New(rdb, cfg.Counter.RedisKey, cfg.Counter.File, logger)

	// Top-up manager
	tm := topup.New(queue, eng, reviewer, seen, cfg.Prefetch, cfg.Review.BatchSize, logger)
	defer tm.Close()
	if cfg.Prefetch.PrewarmCount > 0 && eng.Credentialed() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			tm.Prewarm(ctx, cfg.Prefetch.PrewarmCount)
		}()
	}

	// Rate limiter
	var limiter middleware.Limiter
	rlCfg := middleware.RateLimitConfig{
		WindowSeconds: cfg.RateLimit.WindowSeconds,
		MaxRequests:   cfg.RateLimit.MaxRequests,
	}
	if rdb != nil {
		limiter = middleware.NewRedisLimiter(rdb, rlCfg)
	} else {
		limiter = middleware.NewMemoryLimiter(rlCfg)
	}

	// Setup router
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(chimiddleware.Timeout(cfg.Server.WriteTimeout))

	// Static vendor assets referenced by rewritten CDN scripts
	fileServer := http.FileServer(http.Dir("static"))
	r.Handle("/static/*", http.StripPrefix("/static/", fileServer))

	r.Handle("/metrics", promhttp.Handler())

	h := handler.New(cfg, eng, queue, tm, ctr, limiter, logger)
	h.Register(r)

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

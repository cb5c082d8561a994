// Package handler implements the gateway's HTTP surface.
package handler

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/ndwlabs/ndw-gateway/internal/config"
	"github.com/ndwlabs/ndw-gateway/internal/counter"
	"github.com/ndwlabs/ndw-gateway/internal/engine"
	"github.com/ndwlabs/ndw-gateway/internal/middleware"
	"github.com/ndwlabs/ndw-gateway/internal/prefetch"
	"github.com/ndwlabs/ndw-gateway/internal/topup"
)

// Handler is the request dispatcher: it fronts the prefetch queue, the
// generation engine, and the background top-up machinery.
type Handler struct {
	cfg     *config.Config
	eng     *engine.Engine
	queue   prefetch.Queue
	topup   *topup.Manager
	counter *counter.Counter
	limiter middleware.Limiter
	logger  *slog.Logger
}

// New creates a handler over the assembled components.
func New(cfg *config.Config, eng *engine.Engine, queue prefetch.Queue, tm *topup.Manager, ctr *counter.Counter, limiter middleware.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:     cfg,
		eng:     eng,
		queue:   queue,
		topup:   tm,
		counter: ctr,
		limiter: limiter,
		logger:  logger,
	}
}

// Register mounts every route. Generation and fill endpoints sit
// behind API-key auth; generation additionally behind the "gen" rate
// limit bucket.
func (h *Handler) Register(r chi.Router) {
	auth := middleware.APIKeyAuth(h.cfg.Auth.Keys())
	rlCfg := middleware.RateLimitConfig{
		WindowSeconds: h.cfg.RateLimit.WindowSeconds,
		MaxRequests:   h.cfg.RateLimit.MaxRequests,
	}
	genLimit := middleware.RateLimit(h.limiter, "gen", rlCfg)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.With(genLimit).Post("/generate", h.Generate)
		r.With(genLimit).Post("/generate/stream", h.GenerateStream)
		r.Post("/prefetch/fill", h.PrefetchFill)
		r.Post("/prefetch/take", h.PrefetchTake)
	})

	r.Get("/prefetch/status", h.PrefetchStatus)
	r.Get("/prefetch/previews", h.PrefetchPreviews)
	r.Post("/validate", h.Validate)
	r.Get("/metrics/total", h.MetricsTotal)
	r.Get("/llm/status", h.LLMStatus)
	r.Get("/llm/probe", h.LLMProbe)
	r.Get("/health", h.Health)
}

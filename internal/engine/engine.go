// Package engine orchestrates document generation: provider order,
// dedupe-driven retries, and the compliance review gate.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/ndwlabs/ndw-gateway/internal/config"
	"github.com/ndwlabs/ndw-gateway/internal/dedupe"
	"github.com/ndwlabs/ndw-gateway/internal/models"
	"github.com/ndwlabs/ndw-gateway/internal/provider"
	"github.com/ndwlabs/ndw-gateway/internal/review"
	"github.com/ndwlabs/ndw-gateway/internal/rotation"
)

const (
	maxAttempts = 3
	// A colliding attempt nudges the seed by a prime so reruns of the
	// same request diverge without losing determinism.
	seedStep = 7919
	seedMod  = 10_000_019

	errGenerationFailed = "Model generation failed"
)

// autoCues are briefs treated as "no brief": the model invents a theme.
var autoCues = map[string]bool{"": true, "auto": true, "random": true, "surprise me": true}

// NormalizeBrief collapses auto cues to the empty brief.
func NormalizeBrief(brief string) string {
	b := strings.TrimSpace(brief)
	if autoCues[strings.ToLower(b)] {
		return ""
	}
	return b
}

// NormalizeSeed replaces a zero or negative seed with a random one.
func NormalizeSeed(seed int64) int64 {
	if seed > 0 {
		return seed
	}
	return rand.Int63n(10_000_000) + 1
}

// Engine runs the generation attempt loop.
type Engine struct {
	cfg      config.ProviderConfig
	byName   map[string]provider.Provider
	primary  provider.Provider
	fallback provider.Provider
	reserved provider.Provider
	rotator  *rotation.Rotator
	seen     dedupe.Store
	reviewer *review.Reviewer
	logger   *slog.Logger

	// stub replaces provider calls when set (offline/test runs).
	stub func(brief string, seed int64, categoryNote string) *models.Doc
}

// New creates an engine over the configured providers.
func New(cfg config.ProviderConfig, primary, fallback, reserved provider.Provider, rotator *rotation.Rotator, seen dedupe.Store, reviewer *review.Reviewer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]provider.Provider)
	for _, p := range []provider.Provider{primary, fallback, reserved} {
		if p != nil {
			byName[p.Name()] = p
		}
	}
	return &Engine{
		cfg:      cfg,
		byName:   byName,
		primary:  primary,
		fallback: fallback,
		reserved: reserved,
		rotator:  rotator,
		seen:     seen,
		reviewer: reviewer,
		logger:   logger,
	}
}

// SetStub replaces provider calls with a deterministic generator.
func (e *Engine) SetStub(stub func(brief string, seed int64, categoryNote string) *models.Doc) {
	e.stub = stub
}

// Stubbed reports whether a stub replaces provider calls.
func (e *Engine) Stubbed() bool { return e.stub != nil }

// Providers returns every configured provider for diagnostics.
func (e *Engine) Providers() []provider.Provider {
	out := make([]provider.Provider, 0, 3)
	for _, p := range []provider.Provider{e.primary, e.fallback, e.reserved} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Credentialed reports whether any provider can be called.
func (e *Engine) Credentialed() bool {
	for _, p := range e.byName {
		if p.Credentialed() {
			return true
		}
	}
	return false
}

// order resolves the provider call order. An override names providers
// explicitly and is filtered down to credentialed ones; the default
// order is primary, fallback, then the reserved provider only when
// burst is disabled.
func (e *Engine) order(override []string) []provider.Provider {
	if len(override) > 0 {
		var out []provider.Provider
		for _, name := range override {
			if p, ok := e.byName[name]; ok && p.Credentialed() {
				out = append(out, p)
			}
		}
		return out
	}

	var out []provider.Provider
	if e.primary != nil && (e.primary.Credentialed() || e.cfg.ForcePrimary) {
		out = append(out, e.primary)
	}
	if e.fallback != nil && e.fallback.Credentialed() && !e.cfg.ForcePrimary {
		out = append(out, e.fallback)
	}
	if e.reserved != nil && e.reserved.Credentialed() && e.cfg.BurstDisabled {
		out = append(out, e.reserved)
	}
	return out
}

// BurstOrder is the provider order used for burst generation.
func (e *Engine) BurstOrder() []provider.Provider {
	return e.order(nil)
}

// NextCategory advances the caller's rotation cursor.
func (e *Engine) NextCategory(userKey string) rotation.Category {
	return e.rotator.Next(userKey)
}

// GeneratePage produces one reviewed, dedupe-checked document, or an
// error document when every attempt fails.
func (e *Engine) GeneratePage(ctx context.Context, brief string, seed int64, userKey string, runReview bool, providerOverride []string) *models.Doc {
	brief = NormalizeBrief(brief)
	seed = NormalizeSeed(seed)

	// lastDoc only ever holds an approved doc; blocked or duplicate
	// drafts never leave the loop.
	var lastDoc *models.Doc
	for attempt := 0; attempt < maxAttempts; attempt++ {
		category := e.rotator.Next(userKey)

		doc := e.generateOnce(ctx, brief, seed, category.Directive, providerOverride)
		if doc == nil {
			e.logger.Warn("engine: all providers failed", "attempt", attempt+1)
			break
		}

		sig := dedupe.Signature(doc)
		if sig != "" && e.seen.Has(ctx, sig) {
			e.logger.Info("engine: duplicate document, perturbing seed", "attempt", attempt+1)
			seed = (seed + seedStep) % seedMod
			continue
		}

		if runReview && e.reviewer != nil {
			res := e.reviewer.Review(ctx, doc, brief, category.Directive)
			if !res.OK {
				e.logger.Info("engine: review rejected document", "attempt", attempt+1)
				seed = (seed + seedStep) % seedMod
				continue
			}
			if res.Corrected != nil {
				doc = res.Corrected
			}
			if res.Record != nil {
				doc.AttachReview(res.Record)
			}

			finalSig := dedupe.Signature(doc)
			if finalSig != "" && finalSig != sig && e.seen.Has(ctx, finalSig) {
				e.logger.Info("engine: corrected document is a duplicate", "attempt", attempt+1)
				lastDoc = doc
				seed = (seed + seedStep) % seedMod
				continue
			}
			sig = finalSig
		}

		if sig != "" {
			e.seen.Add(ctx, sig)
		}
		return doc
	}

	if lastDoc != nil {
		return lastDoc
	}
	return models.ErrorDoc(errGenerationFailed)
}

// generateOnce walks the provider order and returns the first document
// produced. Providers in backoff or failing are skipped.
func (e *Engine) generateOnce(ctx context.Context, brief string, seed int64, categoryNote string, override []string) *models.Doc {
	if e.stub != nil {
		return e.stub(brief, seed, categoryNote)
	}
	for _, p := range e.order(override) {
		doc, err := p.GeneratePage(ctx, brief, seed, categoryNote)
		if err != nil {
			e.logger.Warn("engine: provider failed", "provider", p.Name(), "error", err)
			continue
		}
		if doc != nil {
			return doc
		}
	}
	return nil
}

// Burst streams up to max documents, falling through the provider
// order until one produces output.
func (e *Engine) Burst(ctx context.Context, brief string, seed int64, userKey string, max int) <-chan *models.Doc {
	brief = NormalizeBrief(brief)
	seed = NormalizeSeed(seed)
	category := e.rotator.Next(userKey)

	if e.stub != nil {
		out := make(chan *models.Doc, 1)
		if doc := e.stub(brief, seed, category.Directive); doc != nil {
			out <- doc
		}
		close(out)
		return out
	}
	return provider.GenerateBurstWithFallback(ctx, e.BurstOrder(), brief, seed, category.Directive, max, e.logger)
}

package handler

import (
	"encoding/json"
	"net/http"

	"github.com/ndwlabs/ndw-gateway/internal/models"
	"github.com/ndwlabs/ndw-gateway/internal/pkg/response"
	"github.com/ndwlabs/ndw-gateway/internal/provider"
)

type validateRequest struct {
	Page map[string]any `json:"page"`
}

// Validate runs lightweight schema checks over a submitted page.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Page == nil {
		response.BadRequest(w, "page object is required")
		return
	}

	errs := models.Validate(req.Page)
	detail := map[string]any{"valid": len(errs) == 0}
	if len(errs) > 0 {
		detail["errors"] = errs
	}
	response.OK(w, map[string]any{"detail": detail})
}

// MetricsTotal reports the process-wide served-documents count.
func (h *Handler) MetricsTotal(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]any{"total": h.counter.Total(r.Context())})
}

// LLMStatus reports per-provider diagnostic info.
func (h *Handler) LLMStatus(w http.ResponseWriter, _ *http.Request) {
	providers := h.eng.Providers()
	statuses := make([]provider.Status, 0, len(providers))
	using := "stub"
	for _, p := range providers {
		s := provider.StatusOf(p)
		statuses = append(statuses, s)
		if using == "stub" && s.HasToken {
			using = s.Provider
		}
	}
	response.OK(w, map[string]any{
		"providers": statuses,
		"using":     using,
	})
}

// LLMProbe is the minimal credentials check.
func (h *Handler) LLMProbe(w http.ResponseWriter, _ *http.Request) {
	using := "stub"
	for _, p := range h.eng.Providers() {
		if p.Credentialed() {
			using = p.Name()
			break
		}
	}
	response.OK(w, map[string]any{
		"ok":    h.eng.Credentialed(),
		"using": using,
	})
}

// Health is the liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, map[string]any{"status": "ok"})
}

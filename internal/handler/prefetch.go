package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ndwlabs/ndw-gateway/internal/middleware"
	apierrors "github.com/ndwlabs/ndw-gateway/internal/pkg/errors"
	"github.com/ndwlabs/ndw-gateway/internal/pkg/response"
	"github.com/ndwlabs/ndw-gateway/internal/prefetch"
)

const previewsDefault = 10
const previewsMax = 50

type fillRequest struct {
	Brief string `json:"brief"`
	Count int    `json:"count"`
}

// PrefetchFill generates documents directly into the queue. The count
// is clamped to the configured batch bounds, and live credentials are
// required: offline fill would only store canned pages.
func (h *Handler) PrefetchFill(w http.ResponseWriter, r *http.Request) {
	if !h.eng.Credentialed() && !h.eng.Stubbed() {
		response.Error(w, apierrors.ErrLLMUnconfigured)
		return
	}

	var req fillRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	count := req.Count
	if count < h.cfg.Prefetch.BatchMin {
		count = h.cfg.Prefetch.BatchMin
	}
	if count > h.cfg.Prefetch.BatchMax {
		count = h.cfg.Prefetch.BatchMax
	}

	ctx := r.Context()
	userKey := middleware.CallerKey(ctx)

	added := 0
	var ids []string
	for added < count {
		got := 0
		for doc := range h.eng.Burst(ctx, req.Brief, 0, userKey, count-added) {
			if doc.IsError() {
				continue
			}
			id, err := h.queue.Enqueue(ctx, doc)
			if err != nil {
				h.logger.Warn("prefetch fill: enqueue failed", "error", err)
				continue
			}
			if id != "" {
				ids = append(ids, id)
				added++
				got++
			}
			if added >= count {
				break
			}
		}
		if got == 0 {
			break
		}
	}

	if len(ids) > 0 {
		h.topup.ScheduleReview(ids)
	}

	size := h.queue.Size(ctx)
	middleware.SetPrefetchQueueSize(size)
	response.OK(w, map[string]any{
		"requested":  count,
		"added":      added,
		"queue_size": size,
	})
}

// PrefetchStatus reports queue size and backing location.
func (h *Handler) PrefetchStatus(w http.ResponseWriter, r *http.Request) {
	size := h.queue.Size(r.Context())
	middleware.SetPrefetchQueueSize(size)
	response.OK(w, map[string]any{
		"size": size,
		"dir":  h.queue.Dir(),
	})
}

// PrefetchPreviews lists queued documents without consuming them.
func (h *Handler) PrefetchPreviews(w http.ResponseWriter, r *http.Request) {
	limit := previewsDefault
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > previewsMax {
		limit = previewsMax
	}

	previews := h.queue.Previews(r.Context(), limit)
	if previews == nil {
		previews = []prefetch.Preview{}
	}
	response.OK(w, previews)
}

type takeRequest struct {
	Token string `json:"token"`
}

// PrefetchTake consumes the record a preview token points at.
func (h *Handler) PrefetchTake(w http.ResponseWriter, r *http.Request) {
	var req takeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		response.BadRequest(w, "token is required")
		return
	}

	doc, err := h.queue.Take(r.Context(), req.Token)
	if err != nil {
		response.NotFound(w, "page")
		return
	}
	if doc == nil {
		response.NotFound(w, "page")
		return
	}

	h.counter.Increment(r.Context())
	middleware.RecordPageServed("prefetch")
	response.OK(w, doc)
}

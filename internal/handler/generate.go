package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ndwlabs/ndw-gateway/internal/engine"
	"github.com/ndwlabs/ndw-gateway/internal/middleware"
	"github.com/ndwlabs/ndw-gateway/internal/models"
	apierrors "github.com/ndwlabs/ndw-gateway/internal/pkg/errors"
	"github.com/ndwlabs/ndw-gateway/internal/pkg/response"
	"github.com/ndwlabs/ndw-gateway/internal/pkg/ulid"
)

const (
	burstMax   = 10
	errNoPages = "No pages generated"
	// burstBudget bounds a detached burst. The request context dies the
	// moment the handler returns, while the upstream stream keeps
	// delivering spares for seconds after the first doc was written.
	burstBudget = 2 * time.Minute
)

type generateRequest struct {
	Brief string `json:"brief"`
	Seed  int64  `json:"seed"`
}

func decodeGenerateRequest(r *http.Request) generateRequest {
	var req generateRequest
	if r.Body != nil {
		// Malformed or empty bodies degrade to the zero request: an
		// auto brief and a random seed.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return req
}

// unconfigured serves the no-credentials paths. Returns true when the
// request was handled.
func (h *Handler) unconfigured(w http.ResponseWriter) bool {
	if h.eng.Credentialed() || h.eng.Stubbed() {
		return false
	}
	if h.cfg.Providers.OfflineAllow {
		doc := engine.OfflineDoc()
		h.counter.Increment(context.Background())
		middleware.RecordPageServed("offline")
		response.OK(w, doc)
		return true
	}
	response.Error(w, apierrors.ErrLLMUnconfigured)
	return true
}

// servePrefetched finishes a prefetch hit: optional serve delay,
// counter bump, and a top-up kick when the queue is low.
func (h *Handler) servePrefetched(ctx context.Context) {
	if d := h.cfg.Prefetch.ServeDelay; d > 0 {
		time.Sleep(d)
	}
	h.counter.Increment(ctx)
	middleware.RecordPageServed("prefetch")

	size := h.queue.Size(ctx)
	middleware.SetPrefetchQueueSize(size)
	if size <= h.cfg.Prefetch.LowWater {
		h.topup.ScheduleTopUp("", h.cfg.Prefetch.FillTo)
	}
}

// burst starts a burst on its own context so spares outlive the
// request. The caller must invoke cancel once the stream is drained or
// abandoned.
func (h *Handler) burst(brief string, seed int64, userKey string) (<-chan *models.Doc, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), burstBudget)
	return h.eng.Burst(ctx, brief, seed, userKey, burstMax), cancel
}

// enqueueSpares drains the remaining burst output into the prefetch
// queue and schedules review over whatever was stored.
func (h *Handler) enqueueSpares(docs <-chan *models.Doc, cancel context.CancelFunc) {
	go func() {
		defer cancel()
		ctx, ctxCancel := context.WithTimeout(context.Background(), burstBudget)
		defer ctxCancel()

		var ids []string
		for doc := range docs {
			if doc.IsError() {
				continue
			}
			id, err := h.queue.Enqueue(ctx, doc)
			if err != nil {
				h.logger.Warn("generate: failed to enqueue spare", "error", err)
				continue
			}
			if id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			h.topup.ScheduleReview(ids)
		}
	}()
}

// Generate serves one document: prefetch-preferred, burst otherwise.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	if h.unconfigured(w) {
		return
	}
	req := decodeGenerateRequest(r)
	ctx := r.Context()

	doc, err := h.queue.Dequeue(ctx)
	if err != nil {
		h.logger.Warn("generate: dequeue failed", "error", err)
	}
	if doc != nil {
		h.servePrefetched(ctx)
		response.OK(w, doc)
		return
	}

	userKey := middleware.CallerKey(ctx)
	docs, cancel := h.burst(req.Brief, req.Seed, userKey)

	var first *models.Doc
	var ok bool
	select {
	case first, ok = <-docs:
	case <-ctx.Done():
		cancel()
		return
	}
	if !ok || first == nil {
		cancel()
		response.OK(w, models.ErrorDoc(errNoPages))
		return
	}
	h.enqueueSpares(docs, cancel)

	if !first.IsError() {
		h.counter.Increment(ctx)
		middleware.RecordPageServed("burst")
	}
	response.OK(w, first)
}

// GenerateStream serves the same contract as Generate over NDJSON:
// a meta event, then exactly one page event (or an error event).
func (h *Handler) GenerateStream(w http.ResponseWriter, r *http.Request) {
	req := decodeGenerateRequest(r)
	ctx := r.Context()

	requestID := chimiddleware.GetReqID(ctx)
	if requestID == "" {
		requestID = ulid.New()
	}

	stream := response.NewNDJSON(w)
	if err := stream.Event("meta", map[string]any{"request_id": requestID}); err != nil {
		return
	}

	if !h.eng.Credentialed() && !h.eng.Stubbed() {
		if h.cfg.Providers.OfflineAllow {
			h.counter.Increment(ctx)
			middleware.RecordPageServed("offline")
			stream.Event("page", map[string]any{"data": engine.OfflineDoc()})
			return
		}
		stream.Event("error", map[string]any{"data": map[string]any{"error": apierrors.ErrLLMUnconfigured.Message}})
		return
	}

	doc, err := h.queue.Dequeue(ctx)
	if err != nil {
		h.logger.Warn("generate stream: dequeue failed", "error", err)
	}
	if doc != nil {
		h.servePrefetched(ctx)
		stream.Event("page", map[string]any{"data": doc})
		return
	}

	userKey := middleware.CallerKey(ctx)
	docs, cancel := h.burst(req.Brief, req.Seed, userKey)

	var first *models.Doc
	var ok bool
	select {
	case first, ok = <-docs:
	case <-ctx.Done():
		cancel()
		return
	}
	if !ok || first == nil {
		cancel()
		stream.Event("error", map[string]any{"data": map[string]any{"error": errNoPages}})
		return
	}
	h.enqueueSpares(docs, cancel)

	if !first.IsError() {
		h.counter.Increment(ctx)
		middleware.RecordPageServed("burst")
	}
	if err := stream.Event("page", map[string]any{"data": first}); err != nil {
		stream.Event("error", map[string]any{"data": map[string]any{"error": "stream write failed"}})
	}
}

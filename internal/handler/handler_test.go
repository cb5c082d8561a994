package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndwlabs/ndw-gateway/internal/config"
	"github.com/ndwlabs/ndw-gateway/internal/counter"
	"github.com/ndwlabs/ndw-gateway/internal/dedupe"
	"github.com/ndwlabs/ndw-gateway/internal/engine"
	"github.com/ndwlabs/ndw-gateway/internal/middleware"
	"github.com/ndwlabs/ndw-gateway/internal/models"
	"github.com/ndwlabs/ndw-gateway/internal/prefetch"
	"github.com/ndwlabs/ndw-gateway/internal/provider"
	"github.com/ndwlabs/ndw-gateway/internal/review"
	"github.com/ndwlabs/ndw-gateway/internal/rotation"
	"github.com/ndwlabs/ndw-gateway/internal/topup"
)

type noopCompleter struct{}

func (noopCompleter) Name() string       { return "noop" }
func (noopCompleter) Credentialed() bool { return false }
func (noopCompleter) CompleteJSON(context.Context, string, map[string]any) (string, error) {
	return "", nil
}

type testServer struct {
	router http.Handler
	eng    *engine.Engine
	queue  prefetch.Queue
	cfg    *config.Config
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	return newTestServerWith(t, mutate, nil)
}

func newTestServerWith(t *testing.T, mutate func(*config.Config), primary provider.Provider) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{WindowSeconds: 3600, MaxRequests: 100},
		Prefetch: config.PrefetchConfig{
			Dir:      filepath.Join(dir, "queue"),
			BatchMin: 2,
			BatchMax: 3,
			// Keep background top-up out of these tests.
			LowWater:   -1,
			FillTo:     2,
			MaxWorkers: 1,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	seen := dedupe.NewFileStore(filepath.Join(dir, "seen.json"), 100, true, nil)
	signer := prefetch.NewTokenSigner("test-secret", time.Minute)
	queue, err := prefetch.NewFileQueue(cfg.Prefetch.Dir, seen, signer, nil)
	require.NoError(t, err)

	rev := review.NewReviewer(noopCompleter{}, nil, false, time.Minute, nil)
	eng := engine.New(cfg.Providers, primary, nil, nil, rotation.NewRotator(), seen, rev, nil)
	tm := topup.New(queue, eng, rev, seen, cfg.Prefetch, 5, nil)
	t.Cleanup(tm.Close)
	ctr := counter.New(nil, "", filepath.Join(dir, "counter.json"), nil)
	limiter := middleware.NewMemoryLimiter(middleware.RateLimitConfig{
		WindowSeconds: cfg.RateLimit.WindowSeconds,
		MaxRequests:   cfg.RateLimit.MaxRequests,
	})

	h := New(cfg, eng, queue, tm, ctr, limiter, nil)
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	h.Register(r)

	return &testServer{router: r, eng: eng, queue: queue, cfg: cfg}
}

// uniqueStub yields a structurally distinct page per call so the
// dedupe store never refuses consecutive generations.
func uniqueStub() func(string, int64, string) *models.Doc {
	var n atomic.Int64
	return func(string, int64, string) *models.Doc {
		i := n.Add(1)
		var b strings.Builder
		b.WriteString("<main>")
		for j := int64(0); j < i; j++ {
			fmt.Fprintf(&b, "<p>stub block %d</p>", j)
		}
		b.WriteString("</main>")
		return &models.Doc{Kind: models.KindFullPage, Title: fmt.Sprintf("stub %d", i), HTML: b.String()}
	}
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, router http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func decodeDoc(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

func TestGeneratePrefetchHit(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.eng.SetStub(uniqueStub())
	ctx := context.Background()

	queued := &models.Doc{Kind: models.KindFullPage, HTML: "<!doctype html><html><body><h1>queued page</h1></body></html>"}
	id, err := ts.queue.Enqueue(ctx, queued)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, ts.queue.Size(ctx))

	rec := postJSON(t, ts.router, "/generate", map[string]any{"seed": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeDoc(t, rec)
	assert.Equal(t, "full_page_html", doc["kind"])
	assert.Contains(t, doc["html"], "queued page")
	assert.Equal(t, 0, ts.queue.Size(ctx))
}

func TestGenerateMissBursts(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.eng.SetStub(uniqueStub())

	rec := postJSON(t, ts.router, "/generate", map[string]any{"brief": "a maze", "seed": 7})
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeDoc(t, rec)
	assert.Contains(t, doc["html"], "stub block")
	assert.Nil(t, doc["error"])

	_, body := getJSON(t, ts.router, "/metrics/total")
	assert.Equal(t, float64(1), body["total"])
}

func TestGenerateUnconfigured(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := postJSON(t, ts.router, "/generate", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	doc := decodeDoc(t, rec)
	assert.Equal(t, "llm_unconfigured", doc["code"])
	assert.NotEmpty(t, doc["error"])
}

func TestGenerateOfflineAllowed(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Providers.OfflineAllow = true
	})

	rec := postJSON(t, ts.router, "/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeDoc(t, rec)
	assert.Equal(t, "offline", doc["model_version"])
	assert.Nil(t, doc["error"])
}

func TestGenerateMalformedBodyStillServes(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.eng.SetStub(uniqueStub())

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeDoc(t, rec)
	assert.Equal(t, "full_page_html", doc["kind"])
}

func streamEvents(t *testing.T, rec *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var events []map[string]any
	scanner := bufio.NewScanner(rec.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return events
}

func TestGenerateStream(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.eng.SetStub(uniqueStub())

	rec := postJSON(t, ts.router, "/generate/stream", map[string]any{"seed": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	events := streamEvents(t, rec)
	require.Len(t, events, 2)

	assert.Equal(t, "meta", events[0]["event"])
	assert.NotEmpty(t, events[0]["request_id"])

	assert.Equal(t, "page", events[1]["event"])
	data, ok := events[1]["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "full_page_html", data["kind"])
}

func TestGenerateStreamUnconfigured(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := postJSON(t, ts.router, "/generate/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	events := streamEvents(t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, "meta", events[0]["event"])
	assert.Equal(t, "error", events[1]["event"])
}

func TestPrefetchFillClampsCount(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.eng.SetStub(uniqueStub())

	rec := postJSON(t, ts.router, "/prefetch/fill", map[string]any{"count": 50})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeDoc(t, rec)
	assert.Equal(t, float64(3), body["requested"])
	assert.Equal(t, float64(3), body["added"])
	assert.Equal(t, float64(3), body["queue_size"])
}

func TestPrefetchFillClampsCountLow(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.eng.SetStub(uniqueStub())

	rec := postJSON(t, ts.router, "/prefetch/fill", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeDoc(t, rec)
	assert.Equal(t, float64(2), body["requested"])
	assert.Equal(t, float64(2), body["added"])
}

func TestPrefetchFillUnconfigured(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := postJSON(t, ts.router, "/prefetch/fill", map[string]any{"count": 2})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeDoc(t, rec)
	assert.Equal(t, "llm_unconfigured", body["code"])
}

func TestPrefetchStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := getJSON(t, ts.router, "/prefetch/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["size"])
	assert.Equal(t, ts.cfg.Prefetch.Dir, body["dir"])
}

func TestPrefetchPreviewsAndTake(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	_, err := ts.queue.Enqueue(ctx, &models.Doc{
		Kind:  models.KindFullPage,
		Title: "Queued Toy",
		HTML:  "<main><h1>take me</h1></main>",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/prefetch/previews", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var previews []prefetch.Preview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &previews))
	require.Len(t, previews, 1)
	assert.Equal(t, "Queued Toy", previews[0].Title)
	require.NotEmpty(t, previews[0].ID)

	rec = postJSON(t, ts.router, "/prefetch/take", map[string]any{"token": previews[0].ID})
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeDoc(t, rec)
	assert.Contains(t, doc["html"], "take me")

	// The token is single-use.
	rec = postJSON(t, ts.router, "/prefetch/take", map[string]any{"token": previews[0].ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPrefetchTakeRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := postJSON(t, ts.router, "/prefetch/take", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeDoc(t, rec)
	assert.Equal(t, "bad_request", body["code"])
}

func TestPrefetchPreviewsEmptyQueue(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/prefetch/previews?limit=5", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestValidate(t *testing.T) {
	ts := newTestServer(t, nil)

	t.Run("valid page", func(t *testing.T) {
		rec := postJSON(t, ts.router, "/validate", map[string]any{
			"page": map[string]any{"kind": "full_page_html", "html": "<main></main>"},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeDoc(t, rec)
		detail, ok := body["detail"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, detail["valid"])
		assert.Nil(t, detail["errors"])
	})

	t.Run("invalid component", func(t *testing.T) {
		rec := postJSON(t, ts.router, "/validate", map[string]any{
			"page": map[string]any{"components": []any{map[string]any{"type": "markdown"}}},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeDoc(t, rec)
		detail := body["detail"].(map[string]any)
		assert.Equal(t, false, detail["valid"])
		assert.NotEmpty(t, detail["errors"])
	})

	t.Run("missing page", func(t *testing.T) {
		rec := postJSON(t, ts.router, "/validate", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLLMStatusAndProbe(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := getJSON(t, ts.router, "/llm/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stub", body["using"])
	assert.NotNil(t, body["providers"])

	rec, body = getJSON(t, ts.router, "/llm/probe")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "stub", body["using"])
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := getJSON(t, ts.router, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestGenerateRequiresAPIKeyWhenConfigured(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.APIKeys = []string{"secret-1"}
	})
	ts.eng.SetStub(uniqueStub())

	rec := postJSON(t, ts.router, "/generate", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader("{}"))
	req.Header.Set("X-API-Key", "secret-1")
	authed := httptest.NewRecorder()
	ts.router.ServeHTTP(authed, req)
	assert.Equal(t, http.StatusOK, authed.Code)

	// Health stays open without a key.
	rec2, _ := getJSON(t, ts.router, "/health")
	assert.Equal(t, http.StatusOK, rec2.Code)
}

// slowBurstProvider emits one doc immediately and holds the rest of
// the stream until release is closed, like a real streamed burst that
// keeps delivering after the first doc reached the client.
type slowBurstProvider struct {
	first   *models.Doc
	spare   *models.Doc
	release chan struct{}
}

func (p *slowBurstProvider) Name() string       { return "slow-burst" }
func (p *slowBurstProvider) Credentialed() bool { return true }
func (p *slowBurstProvider) GeneratePage(context.Context, string, int64, string) (*models.Doc, error) {
	return p.first, nil
}

func (p *slowBurstProvider) GenerateBurst(ctx context.Context, _ string, _ int64, _ int) <-chan *models.Doc {
	out := make(chan *models.Doc)
	go func() {
		defer close(out)
		select {
		case out <- p.first:
		case <-ctx.Done():
			return
		}
		select {
		case <-p.release:
		case <-ctx.Done():
			return
		}
		select {
		case out <- p.spare:
		case <-ctx.Done():
		}
	}()
	return out
}

func TestGenerateSparesSurviveRequestCancellation(t *testing.T) {
	p := &slowBurstProvider{
		first:   &models.Doc{Kind: models.KindFullPage, HTML: "<main><p>first page</p></main>"},
		spare:   &models.Doc{Kind: models.KindFullPage, HTML: "<section><div>spare page</div></section>"},
		release: make(chan struct{}),
	}
	ts := newTestServerWith(t, nil, p)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader("{}")).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeDoc(t, rec)
	assert.Contains(t, doc["html"], "first page")

	// net/http cancels the request context the moment the handler
	// returns; the rest of the stream arrives afterwards.
	cancelReq()
	close(p.release)

	require.Eventually(t, func() bool {
		return ts.queue.Size(context.Background()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	spare, err := ts.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, spare)
	assert.Contains(t, spare.HTML, "spare page")
}

func TestGenerateRateLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{WindowSeconds: 3600, MaxRequests: 2}
	})
	ts.eng.SetStub(uniqueStub())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := postJSON(t, ts.router, "/generate", nil)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

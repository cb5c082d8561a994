package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndwlabs/ndw-gateway/internal/config"
	"github.com/ndwlabs/ndw-gateway/internal/dedupe"
	"github.com/ndwlabs/ndw-gateway/internal/models"
	"github.com/ndwlabs/ndw-gateway/internal/review"
	"github.com/ndwlabs/ndw-gateway/internal/rotation"
)

// memStore is a plain in-memory signature store.
type memStore struct{ m map[string]bool }

func newMemStore() *memStore { return &memStore{m: make(map[string]bool)} }

func (s *memStore) Has(_ context.Context, sig string) bool { return s.m[sig] }
func (s *memStore) Add(_ context.Context, sig string)      { s.m[sig] = true }

type fakeProvider struct {
	name   string
	hasKey bool
	doc    *models.Doc
	calls  int
}

func (f *fakeProvider) Name() string       { return f.name }
func (f *fakeProvider) Credentialed() bool { return f.hasKey }
func (f *fakeProvider) GeneratePage(context.Context, string, int64, string) (*models.Doc, error) {
	f.calls++
	return f.doc, nil
}

type fakeCompleter struct {
	hasKey    bool
	responses []string
	calls     int
}

func (f *fakeCompleter) Name() string       { return "fake-reviewer" }
func (f *fakeCompleter) Credentialed() bool { return f.hasKey }
func (f *fakeCompleter) CompleteJSON(context.Context, string, map[string]any) (string, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return `{"ok": true}`, nil
}

func newTestEngine(t *testing.T, cfg config.ProviderConfig, rev *review.Reviewer) (*Engine, *memStore) {
	t.Helper()
	seen := newMemStore()
	eng := New(cfg, nil, nil, nil, rotation.NewRotator(), seen, rev, nil)
	return eng, seen
}

func fullPage(html string) *models.Doc {
	return &models.Doc{Kind: models.KindFullPage, HTML: html}
}

func TestNormalizeBrief(t *testing.T) {
	for _, cue := range []string{"", "auto", "Random", "  surprise me  ", "AUTO"} {
		assert.Equal(t, "", NormalizeBrief(cue), cue)
	}
	assert.Equal(t, "a maze game", NormalizeBrief("  a maze game "))
}

func TestNormalizeSeed(t *testing.T) {
	assert.Equal(t, int64(42), NormalizeSeed(42))
	for _, seed := range []int64{0, -5} {
		got := NormalizeSeed(seed)
		assert.Greater(t, got, int64(0))
		assert.LessOrEqual(t, got, int64(10_000_000))
	}
}

func TestGeneratePageHappyPath(t *testing.T) {
	eng, seen := newTestEngine(t, config.ProviderConfig{}, nil)
	eng.SetStub(func(brief string, seed int64, categoryNote string) *models.Doc {
		return fullPage("<main><p>" + brief + "</p></main>")
	})

	doc := eng.GeneratePage(context.Background(), "toy", 1, "u", true, nil)
	require.NotNil(t, doc)
	assert.False(t, doc.IsError())

	sig := dedupe.Signature(doc)
	assert.True(t, seen.Has(context.Background(), sig))
}

func TestGeneratePageAllDuplicatesReturnsErrorDoc(t *testing.T) {
	eng, seen := newTestEngine(t, config.ProviderConfig{}, nil)

	dup := fullPage("<main><h1>same shape</h1></main>")
	seen.Add(context.Background(), dedupe.Signature(dup))

	attempts := 0
	eng.SetStub(func(string, int64, string) *models.Doc {
		attempts++
		return dup.Clone()
	})

	doc := eng.GeneratePage(context.Background(), "", 1, "u", false, nil)
	require.NotNil(t, doc)
	assert.True(t, doc.IsError())
	assert.Equal(t, "Model generation failed", doc.Error)
	assert.Equal(t, 3, attempts)
}

func TestGeneratePagePerturbsSeedOnDuplicate(t *testing.T) {
	eng, seen := newTestEngine(t, config.ProviderConfig{}, nil)

	dup := fullPage("<main><h1>dup</h1></main>")
	seen.Add(context.Background(), dedupe.Signature(dup))

	var seeds []int64
	eng.SetStub(func(_ string, seed int64, _ string) *models.Doc {
		seeds = append(seeds, seed)
		if len(seeds) < 2 {
			return dup.Clone()
		}
		return fullPage("<section><p>fresh layout</p></section>")
	})

	doc := eng.GeneratePage(context.Background(), "", 100, "u", false, nil)
	assert.False(t, doc.IsError())
	require.Len(t, seeds, 2)
	assert.Equal(t, int64(100), seeds[0])
	assert.Equal(t, int64(100+7919), seeds[1])
}

func TestGeneratePageReviewerRewrite(t *testing.T) {
	reviewer := review.NewReviewer(&fakeCompleter{hasKey: true, responses: []string{
		`{"ok": true, "issues": [{"severity": "info", "field": "html", "message": "tidied"}],
		  "doc": {"kind": "full_page_html", "html": "<!doctype html><main id=\"ndw-shell\">Reviewed</main>"}}`,
	}}, nil, true, time.Minute, nil)

	eng, _ := newTestEngine(t, config.ProviderConfig{}, reviewer)
	eng.SetStub(func(string, int64, string) *models.Doc {
		return fullPage(`<!doctype html><main id="ndw-shell">OK</main>`)
	})

	doc := eng.GeneratePage(context.Background(), "", 1, "u", true, nil)
	require.NotNil(t, doc)
	assert.Contains(t, doc.HTML, "Reviewed")
	require.NotNil(t, doc.Review)
	assert.True(t, doc.Review.OK)
}

func TestGeneratePageReviewRejectionRetries(t *testing.T) {
	reviewer := review.NewReviewer(&fakeCompleter{hasKey: true, responses: []string{
		`{"ok": false, "issues": [{"severity": "block", "field": "html", "message": "bad"}]}`,
		`{"ok": true}`,
	}}, nil, true, time.Minute, nil)

	eng, _ := newTestEngine(t, config.ProviderConfig{}, reviewer)
	attempt := 0
	eng.SetStub(func(string, int64, string) *models.Doc {
		attempt++
		if attempt == 1 {
			return fullPage("<main><p>first draft</p></main>")
		}
		return fullPage("<section><div>second draft</div></section>")
	})

	doc := eng.GeneratePage(context.Background(), "", 1, "u", true, nil)
	assert.False(t, doc.IsError())
	assert.Contains(t, doc.HTML, "second draft")
	assert.Equal(t, 2, attempt)
}

func TestGeneratePageAllReviewRejectionsReturnsErrorDoc(t *testing.T) {
	reviewer := review.NewReviewer(&fakeCompleter{hasKey: true, responses: []string{
		`{"ok": false, "issues": [{"severity": "block", "field": "html", "message": "bad"}]}`,
		`{"ok": false, "issues": [{"severity": "block", "field": "html", "message": "bad"}]}`,
		`{"ok": false, "issues": [{"severity": "block", "field": "html", "message": "bad"}]}`,
	}}, nil, true, time.Minute, nil)

	eng, _ := newTestEngine(t, config.ProviderConfig{}, reviewer)
	attempts := 0
	eng.SetStub(func(string, int64, string) *models.Doc {
		attempts++
		var b strings.Builder
		b.WriteString("<article>")
		for i := 0; i < attempts; i++ {
			b.WriteString("<span>c</span>")
		}
		b.WriteString("</article>")
		return fullPage(b.String())
	})

	doc := eng.GeneratePage(context.Background(), "", 1, "u", true, nil)
	require.NotNil(t, doc)
	assert.True(t, doc.IsError())
	assert.Equal(t, "Model generation failed", doc.Error)
	assert.Equal(t, 3, attempts)
}

func TestProviderOrderDefault(t *testing.T) {
	primary := &fakeProvider{name: "primary", hasKey: true}
	fallback := &fakeProvider{name: "fallback", hasKey: true}
	reserved := &fakeProvider{name: "reserved", hasKey: true}

	eng := New(config.ProviderConfig{}, primary, fallback, reserved, rotation.NewRotator(), newMemStore(), nil, nil)
	order := eng.BurstOrder()
	require.Len(t, order, 2)
	assert.Equal(t, "primary", order[0].Name())
	assert.Equal(t, "fallback", order[1].Name())
}

func TestProviderOrderForcePrimary(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	fallback := &fakeProvider{name: "fallback", hasKey: true}

	eng := New(config.ProviderConfig{ForcePrimary: true}, primary, fallback, nil, rotation.NewRotator(), newMemStore(), nil, nil)
	order := eng.BurstOrder()
	require.Len(t, order, 1)
	assert.Equal(t, "primary", order[0].Name())
}

func TestProviderOrderReservedWhenBurstDisabled(t *testing.T) {
	primary := &fakeProvider{name: "primary", hasKey: true}
	reserved := &fakeProvider{name: "reserved", hasKey: true}

	eng := New(config.ProviderConfig{BurstDisabled: true}, primary, nil, reserved, rotation.NewRotator(), newMemStore(), nil, nil)
	order := eng.BurstOrder()
	require.Len(t, order, 2)
	assert.Equal(t, "reserved", order[1].Name())
}

func TestProviderOrderOverride(t *testing.T) {
	primary := &fakeProvider{name: "primary", hasKey: true}
	fallback := &fakeProvider{name: "fallback", hasKey: true}
	reserved := &fakeProvider{name: "reserved"}

	eng := New(config.ProviderConfig{}, primary, fallback, reserved, rotation.NewRotator(), newMemStore(), nil, nil)
	order := eng.order([]string{"fallback", "reserved", "primary"})
	require.Len(t, order, 2)
	assert.Equal(t, "fallback", order[0].Name())
	assert.Equal(t, "primary", order[1].Name())
}

func TestCredentialed(t *testing.T) {
	eng := New(config.ProviderConfig{}, &fakeProvider{name: "p"}, nil, nil, rotation.NewRotator(), newMemStore(), nil, nil)
	assert.False(t, eng.Credentialed())

	eng = New(config.ProviderConfig{}, &fakeProvider{name: "p", hasKey: true}, nil, nil, rotation.NewRotator(), newMemStore(), nil, nil)
	assert.True(t, eng.Credentialed())
}

func TestBurstStubPath(t *testing.T) {
	eng, _ := newTestEngine(t, config.ProviderConfig{}, nil)
	eng.SetStub(func(brief string, seed int64, categoryNote string) *models.Doc {
		return fullPage("<p>stubbed</p>")
	})

	var docs []*models.Doc
	for d := range eng.Burst(context.Background(), "", 1, "u", 10) {
		docs = append(docs, d)
	}
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].HTML, "stubbed")
}

func TestStubDocEmbedsInputs(t *testing.T) {
	doc := StubDoc("a maze", 42, "CATEGORY: WEB TOY\nmore text")
	require.NotNil(t, doc)
	assert.Equal(t, models.KindFullPage, doc.Kind)
	assert.Contains(t, doc.HTML, "a maze")
	assert.Contains(t, doc.HTML, "42")
	assert.Equal(t, "stub", doc.ModelVersion)
}

func TestOfflineDoc(t *testing.T) {
	doc := OfflineDoc()
	require.NotNil(t, doc)
	assert.False(t, doc.IsError())
	assert.Equal(t, "offline", doc.ModelVersion)
}

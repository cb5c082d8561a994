// Package review submits generated documents to a reviewer model for
// a compliance pass. Review fails open: when the reviewer is down,
// throttled, or unintelligible, documents ship unreviewed.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ndwlabs/ndw-gateway/internal/models"
	"github.com/ndwlabs/ndw-gateway/internal/provider"
)

// JSONCompleter is the slice of a provider client the reviewer needs.
type JSONCompleter interface {
	Name() string
	Credentialed() bool
	CompleteJSON(ctx context.Context, prompt string, schema map[string]any) (string, error)
}

// Result is the outcome of reviewing one document.
type Result struct {
	// Record is the reviewer's verdict, nil when review was skipped.
	Record *models.ReviewRecord
	// Corrected is the reviewer's rewritten document, if any.
	Corrected *models.Doc
	// OK is false only for an explicit rejection or an unrepaired
	// block issue.
	OK bool
	// Reviewed is false when the reviewer was skipped or unreachable;
	// such documents are candidates for a later retry.
	Reviewed bool
}

func skipped() Result { return Result{OK: true} }

// Reviewer drives single and batch compliance reviews.
type Reviewer struct {
	primary   JSONCompleter
	secondary JSONCompleter
	enabled   bool
	cooldown  time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	until time.Time
}

// NewReviewer creates a reviewer. secondary may be nil; it is only
// used for one-shot JSON repair of unparseable reviewer output.
func NewReviewer(primary, secondary JSONCompleter, enabled bool, cooldown time.Duration, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Reviewer{
		primary:   primary,
		secondary: secondary,
		enabled:   enabled,
		cooldown:  cooldown,
		logger:    logger,
	}
}

func (r *Reviewer) available() bool {
	if !r.enabled || r.primary == nil || !r.primary.Credentialed() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !time.Now().Before(r.until)
}

func (r *Reviewer) markBackoff() {
	r.mu.Lock()
	r.until = time.Now().Add(r.cooldown)
	r.mu.Unlock()
	r.logger.Warn("review: reviewer throttled, skipping reviews", "until", r.until)
}

// rawRecord matches the reviewer's wire schema.
type rawRecord struct {
	Index  *int            `json:"index"`
	OK     bool            `json:"ok"`
	Issues []models.Issue  `json:"issues"`
	Notes  string          `json:"notes"`
	Doc    json.RawMessage `json:"doc"`
}

func (r *Reviewer) resultFrom(raw rawRecord) Result {
	rec := &models.ReviewRecord{
		OK:     raw.OK,
		Issues: raw.Issues,
		Notes:  raw.Notes,
	}
	if raw.Index != nil {
		rec.Index = *raw.Index
	}

	var corrected *models.Doc
	if len(raw.Doc) > 0 && string(raw.Doc) != "null" {
		var obj map[string]any
		if err := json.Unmarshal(raw.Doc, &obj); err == nil {
			if doc, err := models.Normalize(obj); err == nil {
				corrected = doc
			} else {
				r.logger.Warn("review: corrected doc not renderable, ignoring", "error", err)
			}
		}
	}

	ok := raw.OK && !(rec.HasBlock() && corrected == nil)
	return Result{Record: rec, Corrected: corrected, OK: ok, Reviewed: true}
}

func parseRecord(text string) (rawRecord, error) {
	var raw rawRecord
	obj, err := provider.ExtractJSON(text)
	if err != nil {
		return raw, err
	}
	buf, err := json.Marshal(obj)
	if err != nil {
		return raw, err
	}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return raw, err
	}
	return raw, nil
}

// repair asks the secondary provider to turn unparseable reviewer
// output into schema-valid JSON. One shot only.
func (r *Reviewer) repair(ctx context.Context, broken string, schema map[string]any) (string, error) {
	if r.secondary == nil || !r.secondary.Credentialed() {
		return "", fmt.Errorf("no repair provider")
	}
	prompt := "The following text was meant to be a JSON object but is malformed or truncated. " +
		"Reconstruct it as valid JSON matching the required schema. Output JSON only.\n\n" + broken
	return r.secondary.CompleteJSON(ctx, prompt, schema)
}

// Review submits one document for compliance review.
func (r *Reviewer) Review(ctx context.Context, doc *models.Doc, brief, categoryNote string) Result {
	if !r.available() {
		return skipped()
	}

	text, err := r.primary.CompleteJSON(ctx, buildReviewPrompt(doc, brief, categoryNote), reviewSchema())
	if err != nil {
		if err == provider.ErrBackoff {
			r.markBackoff()
		} else {
			r.logger.Warn("review: reviewer call failed", "error", err)
		}
		return skipped()
	}

	raw, err := parseRecord(text)
	if err != nil {
		raw, err = parseRecord(provider.RepairLoose(text))
	}
	if err != nil {
		repaired, repErr := r.repair(ctx, text, reviewSchema())
		if repErr == nil {
			raw, err = parseRecord(repaired)
		}
	}
	if err != nil {
		r.logger.Warn("review: unparseable reviewer output, failing open", "error", err)
		return skipped()
	}
	return r.resultFrom(raw)
}

// ReviewBatch submits docs in one indexed prompt. The returned slice
// is positional: result i reviews docs[i]. Indices the reviewer did
// not cover come back unreviewed. A failed batch call falls back to
// per-document single reviews.
func (r *Reviewer) ReviewBatch(ctx context.Context, docs []*models.Doc) []Result {
	results := make([]Result, len(docs))
	for i := range results {
		results[i] = skipped()
	}
	if len(docs) == 0 || !r.available() {
		return results
	}

	text, err := r.primary.CompleteJSON(ctx, buildBatchReviewPrompt(docs), batchReviewSchema())
	if err != nil {
		if err == provider.ErrBackoff {
			r.markBackoff()
			return results
		}
		r.logger.Warn("review: batch call failed, falling back to single reviews", "error", err)
		for i, doc := range docs {
			results[i] = r.Review(ctx, doc, "", "")
		}
		return results
	}

	var batch struct {
		Results []rawRecord `json:"results"`
	}
	obj, err := provider.ExtractJSON(text)
	if err == nil {
		var buf []byte
		if buf, err = json.Marshal(obj); err == nil {
			err = json.Unmarshal(buf, &batch)
		}
	}
	if err != nil {
		r.logger.Warn("review: unparseable batch output, failing open", "error", err)
		return results
	}

	for _, raw := range batch.Results {
		if raw.Index == nil {
			continue
		}
		i := *raw.Index
		if i < 0 || i >= len(docs) {
			continue
		}
		results[i] = r.resultFrom(raw)
	}
	return results
}

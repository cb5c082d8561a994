package review

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ndwlabs/ndw-gateway/internal/models"
)

const reviewerRules = "You are a compliance reviewer and fixer for interactive web apps. " +
	"Inspect the provided JSON payload for safety, policy violations, markup/runtime bugs, or accessibility issues. " +
	"If problems are minor, repair them directly and return the corrected payload. " +
	"If the experience is unsafe or too broken to repair confidently, reject it. " +
	"Hard rules: remove any external <script src>, <link href>, or CSS @import urls (http/https). " +
	"Do not rely on external fonts/images/CDNs; assume GSAP, Tailwind CSS, and Lucide are already present globally. " +
	"Output JSON only. No explanations. "

func prettyDoc(doc *models.Doc) string {
	raw, err := json.MarshalIndent(doc.AsMap(), "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", doc)
	}
	return string(raw)
}

// buildReviewPrompt composes the single-document review prompt.
func buildReviewPrompt(doc *models.Doc, brief, categoryNote string) string {
	if strings.TrimSpace(brief) == "" {
		brief = "(auto generated)"
	}
	return reviewerRules +
		"Respond with compact JSON using this schema:\n" +
		`{"ok": true|false, "issues":[{"severity":"info|warn|block","field":"...","message":"..."}],` +
		`"notes":"optional summary","doc":{...optional corrected payload...} or null}` + "\n" +
		"Always include keys ok, issues, notes, and doc. " +
		"If there are no issues, use an empty issues array. " +
		"Notes must be <= 160 characters and MUST be an empty string when there are no issues. " +
		"Always include doc; set doc to null if you made no corrections. " +
		"If you corrected the payload, include the corrected doc object. " +
		"Only set ok=true if the final payload (original or corrected) is safe, functional, and accessible.\n\n" +
		fmt.Sprintf("Brief: %s\nCategory Instruction: %s\n\nApp JSON:\n%s\n", brief, categoryNote, prettyDoc(doc))
}

// buildBatchReviewPrompt composes the indexed multi-document prompt.
func buildBatchReviewPrompt(docs []*models.Doc) string {
	var sections []string
	for idx, doc := range docs {
		sections = append(sections, fmt.Sprintf("APP_INDEX: %d\nJSON:\n%s\n", idx, prettyDoc(doc)))
	}
	instructions := reviewerRules +
		"Evaluate each document below. Return a JSON object with a 'results' array. " +
		"Each array element is:\n" +
		`{"index": <matching APP_INDEX>, "ok": true|false, ` +
		`"issues":[{"severity":"info|warn|block","field":"...","message":"..."}], ` +
		`"notes":"optional summary", "doc":{...optional corrected payload...} or null}` + "\n" +
		"The first non-whitespace character MUST be '{'. " +
		"Always include ok, issues, notes, and doc in every result. " +
		"If there are no issues, use an empty issues array. " +
		"Notes must be <= 160 characters and MUST be an empty string when there are no issues. " +
		"Always include doc; set doc to null if you made no corrections. " +
		"If a document is irreparable, set ok=false and set doc to null. " +
		"Only set ok=true if the payload (original or corrected) is safe, functional, and accessible."
	return instructions + "\n\n---\n" + strings.Join(sections, "\n---\n")
}

func issueSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"severity": map[string]any{"type": "string"},
			"field":    map[string]any{"type": "string"},
			"message":  map[string]any{"type": "string"},
		},
		"required": []string{"severity", "field", "message"},
	}
}

func resultProperties() map[string]any {
	return map[string]any{
		"ok": map[string]any{"type": "boolean"},
		"issues": map[string]any{
			"type":  "array",
			"items": issueSchema(),
		},
		"notes": map[string]any{"type": "string"},
		"doc": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind": map[string]any{"type": "string"},
				"html": map[string]any{"type": "string"},
			},
			"required": []string{"kind", "html"},
		},
	}
}

// reviewSchema is the response schema for single reviews.
func reviewSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": resultProperties(),
		"required":   []string{"ok"},
	}
}

// batchReviewSchema is the response schema for batch reviews.
func batchReviewSchema() map[string]any {
	props := resultProperties()
	props["index"] = map[string]any{"type": "integer"}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"results": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"properties": props,
					"required":   []string{"index", "ok"},
				},
			},
		},
		"required": []string{"results"},
	}
}

package provider

import (
	"fmt"
	"strings"
)

// shapeHint describes the three document shapes the normalizer accepts.
// It is inserted verbatim into every generation prompt.
const shapeHint = `Return ONLY a single JSON object in one of these shapes:

1. Snippet:
   {"kind": "ndw_snippet_v1", "title": string, "background": {"style": string, "class": string}, "css": string, "html": string, "js": string}
   At least one of css/html/js must be non-empty. background, title, css, js are optional.

2. Full page:
   {"kind": "full_page_html", "html": "<!doctype html>...complete self-contained page..."}

3. Components:
   {"components": [{"id": string, "type": "custom", "props": {"html": string, "height": integer}}]}

Rules:
- Output raw JSON only: no prose, no code fences. The JSON must be valid and parseable.
- Everything must be self-contained. Never reference external URLs for scripts, styles, fonts, or images.
- Assume Tailwind CSS, GSAP, and Lucide icons are already available globally.
- Vary structure, palette, and copy between calls; use the seed to drive variation.`

// BuildPagePrompt composes the generation prompt from the category
// directive, the shape hint, and the request inputs.
func BuildPagePrompt(brief string, seed int64, categoryNote string) string {
	b := strings.TrimSpace(brief)
	if b == "" {
		b = "(empty: invent a short, concrete creative theme yourself)"
	}
	var sb strings.Builder
	if categoryNote != "" {
		sb.WriteString(categoryNote)
		sb.WriteString("\n\n")
	}
	sb.WriteString(shapeHint)
	fmt.Fprintf(&sb, "\n\nBrief: %s\nSeed: %d\n", b, seed)
	return sb.String()
}

// BuildBurstPrompt asks for a streamed JSON array of up to count
// distinct documents, each in one of the accepted shapes.
func BuildBurstPrompt(brief string, seed int64, count int) string {
	b := strings.TrimSpace(brief)
	if b == "" {
		b = "(empty: invent a different short creative theme for each document)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Return ONLY a JSON array of up to %d document objects. Each element follows these rules:\n\n", count)
	sb.WriteString(shapeHint)
	sb.WriteString("\n\nEvery document must differ substantially from the others: different theme, layout, palette, and interaction.")
	fmt.Fprintf(&sb, "\n\nBrief: %s\nSeed: %d\n", b, seed)
	return sb.String()
}

package models

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotRenderable is returned when no variant can be derived from the
// raw payload. Such documents are discarded: never stored, never
// returned to a client.
var ErrNotRenderable = errors.New("no renderable HTML found")

var snippetKindSynonyms = map[string]bool{
	"ndw_snippet":        true,
	"snippet_v1":         true,
	"ndw-canvas-snippet": true,
	"canvas_snippet":     true,
	"canvas-snippet":     true,
}

var fullPageKindSynonyms = map[string]bool{
	KindFullPage: true,
	"page_html":  true,
	"html_page":  true,
	"full_html":  true,
}

var leadingBackgroundRE = regexp.MustCompile(`(?i)^\s*background\s*:\s*`)

// Normalize coerces an arbitrary model-output object into exactly one
// document variant. It is idempotent: normalizing an already-normalized
// document yields the same document.
func Normalize(raw map[string]any) (*Doc, error) {
	if raw == nil {
		return nil, errors.New("not an object")
	}

	if msg, ok := raw["error"].(string); ok && msg != "" {
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return ErrorDoc(msg), nil
	}

	// Bare snippet payloads arrive without a kind tag.
	if hasAnyString(raw, "html", "css", "js") &&
		raw["components"] == nil && raw["kind"] == nil && raw["type"] == nil {
		raw = withKind(raw, KindSnippet)
	}

	kind := strings.ToLower(firstString(raw, "kind", "type"))
	if snippetKindSynonyms[kind] {
		kind = KindSnippet
	}

	if kind == KindSnippet {
		return normalizeSnippet(raw)
	}

	if fullPageKindSynonyms[kind] {
		if html := firstString(raw, "html", "content", "body"); strings.TrimSpace(html) != "" {
			return finishFullPage(raw, html)
		}
	}

	if html, ok := raw["html"].(string); ok && strings.TrimSpace(html) != "" {
		return finishFullPage(raw, html)
	}

	for _, key := range []string{"content", "body", "page", "app", "markup"} {
		switch val := raw[key].(type) {
		case string:
			if strings.Contains(val, "<") && strings.Contains(val, ">") {
				return finishFullPage(raw, val)
			}
		case map[string]any:
			if html, ok := val["html"].(string); ok && strings.TrimSpace(html) != "" {
				return finishFullPage(raw, html)
			}
		}
	}

	if doc, ok := normalizeComponents(raw); ok {
		return doc, nil
	}

	if html := findHTML(raw, 0); html != "" {
		return finishFullPage(raw, html)
	}

	return nil, ErrNotRenderable
}

// Renormalize re-runs normalization on an existing document.
func Renormalize(d *Doc) (*Doc, error) {
	return Normalize(d.AsMap())
}

func normalizeSnippet(raw map[string]any) (*Doc, error) {
	out := &Doc{Kind: KindSnippet}
	copyMeta(out, raw)

	if bg, ok := raw["background"].(map[string]any); ok {
		style := joinStrings(bg["style"], "; ")
		style = leadingBackgroundRE.ReplaceAllString(style, "")
		class := joinStrings(firstNonNil(bg, "class", "className", "classes"), " ")
		if strings.TrimSpace(style) != "" || strings.TrimSpace(class) != "" {
			out.Background = &Background{Style: strings.TrimSpace(style), Class: strings.TrimSpace(class)}
		}
	}

	if css, ok := raw["css"].(string); ok && strings.TrimSpace(css) != "" {
		out.CSS = css
	}
	if html, ok := raw["html"].(string); ok && strings.TrimSpace(html) != "" {
		out.HTML = html
	}
	if js, ok := raw["js"].(string); ok && strings.TrimSpace(js) != "" {
		out.JS = js
	}

	if out.HTML == "" {
		for _, key := range []string{"content", "body", "markup"} {
			if v, ok := raw[key].(string); ok && strings.Contains(v, "<") && strings.Contains(v, ">") {
				out.HTML = v
				break
			}
		}
	}

	if out.HTML == "" && out.CSS == "" && out.JS == "" {
		return nil, fmt.Errorf("%s missing content", KindSnippet)
	}

	sanitizeDoc(out)
	return out, nil
}

func finishFullPage(raw map[string]any, html string) (*Doc, error) {
	out := &Doc{Kind: KindFullPage, HTML: html}
	copyMeta(out, raw)
	sanitizeDoc(out)
	return out, nil
}

func normalizeComponents(raw map[string]any) (*Doc, bool) {
	var comps []any
	switch v := raw["components"].(type) {
	case []any:
		comps = v
	case map[string]any:
		comps = []any{v}
	default:
		return nil, false
	}

	var normalized []Component
	for idx, entry := range comps {
		comp, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		props, _ := comp["props"].(map[string]any)

		html, _ := props["html"].(string)
		if strings.TrimSpace(html) == "" {
			html, _ = comp["html"].(string)
		}
		if strings.TrimSpace(html) == "" {
			continue
		}

		heightVal := props["height"]
		if heightVal == nil {
			heightVal = comp["height"]
		}

		id, _ := comp["id"].(string)
		if id == "" {
			id = fmt.Sprintf("custom-%d", idx+1)
		}
		title, _ := props["title"].(string)

		normalized = append(normalized, Component{
			ID:   id,
			Type: "custom",
			Props: Props{
				Title:  title,
				HTML:   strings.TrimSpace(html),
				Height: coerceHeight(heightVal),
			},
		})
	}

	if len(normalized) == 0 {
		return nil, false
	}
	out := &Doc{Components: normalized}
	copyMeta(out, raw)
	sanitizeDoc(out)
	return out, true
}

// coerceHeight applies the component height rules: default 360 when
// absent, 720 when non-numeric (e.g. "100vh").
func coerceHeight(v any) int {
	switch h := v.(type) {
	case nil:
		return 360
	case float64:
		return int(h)
	case int:
		return h
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(h)); err == nil {
			return n
		}
		return 720
	default:
		return 720
	}
}

// findHTML digs through nested values for anything markup-shaped.
func findHTML(v any, depth int) string {
	if depth > 2 {
		return ""
	}
	switch val := v.(type) {
	case string:
		if strings.Contains(val, "<") && strings.Contains(val, ">") && len(val) > 20 {
			return val
		}
	case map[string]any:
		for _, nested := range val {
			if found := findHTML(nested, depth+1); found != "" {
				return found
			}
		}
	case []any:
		for _, nested := range val {
			if found := findHTML(nested, depth+1); found != "" {
				return found
			}
		}
	}
	return ""
}

func copyMeta(out *Doc, raw map[string]any) {
	if t, ok := raw["title"].(string); ok && out.Title == "" {
		out.Title = t
	}
	if c, ok := raw["category"].(string); ok {
		out.Category = c
	}
	if v, ok := raw["vibe"].(string); ok {
		out.Vibe = v
	}
	if mv, ok := raw["model_version"].(string); ok {
		out.ModelVersion = mv
	}
	if ts, ok := raw["created_at"].(float64); ok {
		out.CreatedAt = int64(ts)
	}
	if dbg, ok := raw["ndw_debug"].(map[string]any); ok {
		if removed, ok := dbg["external_assets_removed"].([]any); ok {
			for _, entry := range removed {
				if m, ok := entry.(map[string]any); ok {
					iss := Issue{}
					iss.Severity, _ = m["severity"].(string)
					iss.Field, _ = m["field"].(string)
					iss.Message, _ = m["message"].(string)
					out.appendAssetIssues([]Issue{iss})
				}
			}
		}
	}
	if rev, ok := raw["review"].(map[string]any); ok {
		rec := &ReviewRecord{Issues: []Issue{}}
		rec.OK, _ = rev["ok"].(bool)
		rec.Notes, _ = rev["notes"].(string)
		if issues, ok := rev["issues"].([]any); ok {
			for _, entry := range issues {
				if m, ok := entry.(map[string]any); ok {
					iss := Issue{}
					iss.Severity, _ = m["severity"].(string)
					iss.Field, _ = m["field"].(string)
					iss.Message, _ = m["message"].(string)
					rec.Issues = append(rec.Issues, iss)
				}
			}
		}
		out.Review = rec
	}
}

func hasAnyString(raw map[string]any, keys ...string) bool {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return true
		}
	}
	return false
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNonNil(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func withKind(raw map[string]any, kind string) map[string]any {
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out["kind"] = kind
	return out
}

// joinStrings flattens a string or list-of-strings value.
func joinStrings(v any, sep string) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		var parts []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, sep)
	default:
		return ""
	}
}

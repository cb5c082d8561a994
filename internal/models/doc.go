// Package models defines the document artifact and its normalization.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Document kinds. A normalized document is exactly one of: a snippet,
// a full HTML page, or a component bundle (which carries no kind tag on
// the wire for backwards compatibility with stored records).
const (
	KindSnippet  = "ndw_snippet_v1"
	KindFullPage = "full_page_html"
)

// Variant identifies which shape of the union a document is.
type Variant int

const (
	VariantInvalid Variant = iota
	VariantSnippet
	VariantFullPage
	VariantComponents
)

func (v Variant) String() string {
	switch v {
	case VariantSnippet:
		return "snippet"
	case VariantFullPage:
		return "full_page"
	case VariantComponents:
		return "components"
	default:
		return "invalid"
	}
}

// Issue is a single finding from sanitization or compliance review.
type Issue struct {
	Severity string `json:"severity"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

// Issue severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityBlock = "block"
)

// ReviewRecord is the outcome of a compliance review.
type ReviewRecord struct {
	OK     bool    `json:"ok"`
	Issues []Issue `json:"issues"`
	Notes  string  `json:"notes"`
	Doc    *Doc    `json:"doc,omitempty"`
	Index  int     `json:"index,omitempty"`
}

// HasBlock reports whether any issue carries block severity.
func (r *ReviewRecord) HasBlock() bool {
	for _, iss := range r.Issues {
		if iss.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Background is the optional snippet backdrop.
type Background struct {
	Style string `json:"style,omitempty"`
	Class string `json:"class,omitempty"`
}

// Props holds the fields of a custom component the renderer consumes.
type Props struct {
	Title  string `json:"title,omitempty"`
	HTML   string `json:"html"`
	Height int    `json:"height"`
}

// Component is one entry of the components variant.
type Component struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Props Props  `json:"props"`
}

// Debug carries diagnostic records attached during sanitization.
type Debug struct {
	ExternalAssetsRemoved []Issue `json:"external_assets_removed,omitempty"`
}

// Doc is the central artifact: one interactive web document. Exactly
// one variant's fields are populated after normalization. Title,
// Category, and Vibe are optional metadata used by prefetch previews.
type Doc struct {
	Kind         string        `json:"kind,omitempty"`
	Title        string        `json:"title,omitempty"`
	Category     string        `json:"category,omitempty"`
	Vibe         string        `json:"vibe,omitempty"`
	Background   *Background   `json:"background,omitempty"`
	CSS          string        `json:"css,omitempty"`
	HTML         string        `json:"html,omitempty"`
	JS           string        `json:"js,omitempty"`
	Components   []Component   `json:"components,omitempty"`
	Review       *ReviewRecord `json:"review,omitempty"`
	Debug        *Debug        `json:"ndw_debug,omitempty"`
	CreatedAt    int64         `json:"created_at,omitempty"`
	ModelVersion string        `json:"model_version,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ErrorDoc builds the doc-shaped error body the dispatcher returns for
// pipeline failures (always 200 on the wire, never a raw 5xx).
func ErrorDoc(message string) *Doc {
	return &Doc{Error: message}
}

// IsError reports whether the doc is an error body rather than an artifact.
func (d *Doc) IsError() bool {
	return d != nil && d.Error != ""
}

// Variant classifies the document. Invalid means the doc must not be
// stored or returned to a client.
func (d *Doc) Variant() Variant {
	if d == nil || d.Error != "" {
		return VariantInvalid
	}
	switch d.Kind {
	case KindSnippet:
		if d.HTML != "" || d.CSS != "" || d.JS != "" {
			return VariantSnippet
		}
		return VariantInvalid
	case KindFullPage:
		if strings.TrimSpace(d.HTML) != "" {
			return VariantFullPage
		}
		return VariantInvalid
	case "":
		if len(d.Components) > 0 {
			return VariantComponents
		}
	}
	return VariantInvalid
}

// PrimaryHTML returns the HTML payload used for structural signatures:
// the page body for full pages and snippets, the first component's html
// for component bundles.
func (d *Doc) PrimaryHTML() string {
	if d == nil {
		return ""
	}
	if d.HTML != "" {
		return d.HTML
	}
	if len(d.Components) > 0 {
		return d.Components[0].Props.HTML
	}
	return ""
}

// Clone returns a deep copy via JSON round trip.
func (d *Doc) Clone() *Doc {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var out Doc
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}

// AsMap converts the doc to its generic JSON form.
func (d *Doc) AsMap() map[string]any {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

var (
	titleTagRE = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	h1TagRE    = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	anyTagRE   = regexp.MustCompile(`(?s)<[^>]*>`)
)

// PreviewTitle extracts a human-readable title for queue previews:
// explicit title field, then <title>, then <h1>, then a component
// title, falling back to "Untitled".
func (d *Doc) PreviewTitle() string {
	if d == nil {
		return "Untitled"
	}
	if t := strings.TrimSpace(d.Title); t != "" {
		return t
	}
	html := d.PrimaryHTML()
	if m := titleTagRE.FindStringSubmatch(html); m != nil {
		if t := strings.TrimSpace(anyTagRE.ReplaceAllString(m[1], "")); t != "" {
			return t
		}
	}
	if m := h1TagRE.FindStringSubmatch(html); m != nil {
		if t := strings.TrimSpace(anyTagRE.ReplaceAllString(m[1], "")); t != "" {
			return t
		}
	}
	for _, c := range d.Components {
		if t := strings.TrimSpace(c.Props.Title); t != "" {
			return t
		}
	}
	return "Untitled"
}

// AttachReview records the review outcome on the doc itself. The
// nested corrected doc is dropped to avoid recursive payloads.
func (d *Doc) AttachReview(rec *ReviewRecord) {
	if rec == nil {
		return
	}
	flat := *rec
	flat.Doc = nil
	d.Review = &flat
}

// appendAssetIssues records sanitizer removals under ndw_debug.
func (d *Doc) appendAssetIssues(issues []Issue) {
	if len(issues) == 0 {
		return
	}
	if d.Debug == nil {
		d.Debug = &Debug{}
	}
	d.Debug.ExternalAssetsRemoved = append(d.Debug.ExternalAssetsRemoved, issues...)
}

// ValidationError describes one problem found by Validate.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Validate runs the lightweight schema checks the /validate endpoint
// exposes. It checks components-shaped pages only; other variants are
// accepted as long as they classify.
func Validate(raw map[string]any) []ValidationError {
	var errs []ValidationError
	comps, ok := raw["components"].([]any)
	if !ok {
		if _, hasKind := raw["kind"]; hasKind {
			return nil
		}
		return []ValidationError{{Path: "components", Message: "required property 'components' must be an array"}}
	}
	for idx, entry := range comps {
		prefix := fmt.Sprintf("components[%d]", idx)
		comp, ok := entry.(map[string]any)
		if !ok {
			errs = append(errs, ValidationError{Path: prefix, Message: "component must be an object"})
			continue
		}
		if id, ok := comp["id"].(string); !ok || strings.TrimSpace(id) == "" {
			errs = append(errs, ValidationError{Path: prefix + ".id", Message: "required property 'id' must be a non-empty string"})
		}
		if _, ok := comp["type"]; !ok {
			errs = append(errs, ValidationError{Path: prefix + ".type", Message: "required property 'type' is missing"})
		}
		if _, ok := comp["props"]; !ok {
			errs = append(errs, ValidationError{Path: prefix + ".props", Message: "required property 'props' is missing"})
		}
	}
	return errs
}

// Package dedupe computes structural document signatures and remembers
// recently seen ones so the pipeline never serves the same layout twice
// in quick succession.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ndwlabs/ndw-gateway/internal/models"
)

var (
	htmlCommentRE = regexp.MustCompile(`(?s)<!--.*?-->`)
	scriptBlockRE = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	styleBlockRE  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)
	tagRE         = regexp.MustCompile(`<[^>]*>`)
	whitespaceRE  = regexp.MustCompile(`\s+`)
)

// skeleton reduces HTML to its structural shape: comments, script and
// style bodies, and all text between tags are dropped; what remains is
// the ordered tag sequence with attributes, whitespace stripped.
// Two documents with the same layout but different copy collide here,
// and that collision is the point.
func skeleton(html string) string {
	s := htmlCommentRE.ReplaceAllString(html, "")
	s = scriptBlockRE.ReplaceAllString(s, "")
	s = styleBlockRE.ReplaceAllString(s, "")
	tags := tagRE.FindAllString(s, -1)
	joined := strings.Join(tags, "")
	return strings.ToLower(whitespaceRE.ReplaceAllString(joined, ""))
}

// Signature returns a stable hex signature for a normalized document.
// Snippets also fold their CSS and JS into the hash. Documents with no
// HTML hash their canonical JSON form. The empty string means "cannot
// dedupe" and callers skip the store for it.
func Signature(doc *models.Doc) string {
	if doc == nil {
		return ""
	}

	payload := ""
	if html := doc.PrimaryHTML(); html != "" {
		payload = skeleton(html)
		if doc.Kind == models.KindSnippet {
			payload += whitespaceRE.ReplaceAllString(doc.CSS, "")
			payload += whitespaceRE.ReplaceAllString(doc.JS, "")
		}
	} else {
		raw, err := json.Marshal(doc)
		if err != nil || len(raw) == 0 {
			return ""
		}
		payload = string(raw)
	}
	if payload == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

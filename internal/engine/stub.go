package engine

import (
	"fmt"
	"html"
	"strings"

	"github.com/ndwlabs/ndw-gateway/internal/models"
)

// StubDoc builds the deterministic document used for hermetic test
// runs: the output embeds the inputs so assertions can see them.
func StubDoc(brief string, seed int64, categoryNote string) *models.Doc {
	theme := brief
	if theme == "" {
		theme = "Surprise page"
	}
	category := "uncategorized"
	if i := strings.IndexByte(categoryNote, '\n'); i > 0 {
		category = strings.TrimPrefix(categoryNote[:i], "CATEGORY: ")
	}
	page := fmt.Sprintf(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<main>
<h1>%s</h1>
<p>Deterministic local build. Brief: %s. Seed: %d. Category: %s.</p>
</main>
</body>
</html>`, html.EscapeString(theme), html.EscapeString(theme), html.EscapeString(brief), seed, html.EscapeString(category))

	return &models.Doc{
		Kind:         models.KindFullPage,
		Title:        theme,
		HTML:         page,
		ModelVersion: "stub",
	}
}

// OfflineDoc is the canned page served when no provider is configured
// but offline serving is allowed.
func OfflineDoc() *models.Doc {
	return &models.Doc{
		Kind:  models.KindFullPage,
		Title: "Offline mode",
		HTML: `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Offline mode</title></head>
<body>
<main style="font-family:system-ui;display:grid;place-items:center;min-height:100vh">
<div>
<h1>No generator configured</h1>
<p>This gateway is running without LLM credentials. Configure a provider key to generate pages.</p>
</div>
</main>
</body>
</html>`,
		ModelVersion: "offline",
	}
}

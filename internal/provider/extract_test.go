package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndwlabs/ndw-gateway/internal/models"
)

func TestExtractJSONBareHTML(t *testing.T) {
	for _, text := range []string{
		"<!DOCTYPE html><html><body>hi</body></html>",
		"<html><body>hi</body></html>",
		"<div class=\"x\">hi</div>",
		"  <body>leading space</body>",
	} {
		obj, err := ExtractJSON(text)
		require.NoError(t, err, text)
		assert.Equal(t, models.KindFullPage, obj["kind"], text)
		assert.NotEmpty(t, obj["html"], text)
	}
}

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Here you go:\n```json\n{\"kind\": \"full_page_html\", \"html\": \"<p>x</p>\"}\n```\nEnjoy!"
	obj, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.Equal(t, "full_page_html", obj["kind"])

	// Unlabeled fences work too.
	text = "```\n{\"html\": \"<p>y</p>\"}\n```"
	obj, err = ExtractJSON(text)
	require.NoError(t, err)
	assert.Equal(t, "<p>y</p>", obj["html"])
}

func TestExtractJSONBalancedObject(t *testing.T) {
	text := `The model says {"html": "<p>braces } inside { strings</p>"} trailing prose`
	obj, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.Equal(t, "<p>braces } inside { strings</p>", obj["html"])
}

func TestExtractJSONRepairsPunctuation(t *testing.T) {
	text := `{"kind": "full_page_html", "html": "<p>x</p>",}`
	obj, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.Equal(t, "full_page_html", obj["kind"])

	text = "{“kind”: “full_page_html”, “html”: “<p>x</p>”}"
	obj, err = ExtractJSON(text)
	require.NoError(t, err)
	assert.Equal(t, "full_page_html", obj["kind"])
}

func TestExtractJSONHTMLAnywhereFallback(t *testing.T) {
	text := "Sure! Here is your page: <section><p>content</p></section> hope you like it"
	obj, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.Equal(t, models.KindFullPage, obj["kind"])
	assert.Contains(t, obj["html"], "<section>")
}

func TestExtractJSONNothingUsable(t *testing.T) {
	_, err := ExtractJSON("just some prose with no markup or data")
	assert.Error(t, err)
}

func TestExtractDocNormalizes(t *testing.T) {
	doc, err := ExtractDoc(`{"content": "<main><h1>Promoted</h1></main>"}`)
	require.NoError(t, err)
	assert.Equal(t, models.KindFullPage, doc.Kind)
}

func TestRepairLoose(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"open string", `{"html": "<p>truncated`},
		{"open brace", `{"html": "<p>x</p>"`},
		{"open array", `{"issues": [{"severity": "warn"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repaired := RepairLoose(tt.in)
			var obj map[string]any
			assert.NoError(t, json.Unmarshal([]byte(repaired), &obj), repaired)
		})
	}

	assert.Equal(t, "", RepairLoose("  "))
	assert.Equal(t, `{"a": 1}`, RepairLoose(`{"a": 1}`))
}

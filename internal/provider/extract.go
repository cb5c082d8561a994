package provider

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ndwlabs/ndw-gateway/internal/models"
)

// Model output rarely arrives as clean JSON. The extractor walks a
// ladder of fallbacks: bare HTML, fenced blocks, the first balanced
// object, punctuation repair, and finally wrapping anything HTML-like
// as a full page.

var (
	fencedJSONRE   = regexp.MustCompile("(?is)```json\\s*([\\s\\S]*?)```")
	fencedAnyRE    = regexp.MustCompile("(?s)```\\s*([\\s\\S]*?)```")
	trailingComma  = regexp.MustCompile(`,\s*([}\]])`)
	htmlAnywhereRE = regexp.MustCompile(`(?i)<\s*(?:!doctype|html|body|main|header|section|footer)\b`)
)

var htmlPrefixes = []string{"<!doctype", "<html", "<div", "<body"}

var smartQuotes = strings.NewReplacer("“", `"`, "”", `"`, "’", "'")

// ExtractJSON pulls a JSON object (or wraps raw HTML) out of model
// output text.
func ExtractJSON(text string) (map[string]any, error) {
	t := strings.TrimSpace(text)
	tl := strings.ToLower(strings.TrimLeft(t, " \t\r\n"))
	for _, p := range htmlPrefixes {
		if strings.HasPrefix(tl, p) {
			return map[string]any{"kind": models.KindFullPage, "html": t}, nil
		}
	}

	candidate := ""
	if m := fencedJSONRE.FindStringSubmatch(t); m != nil {
		candidate = m[1]
	} else if m := fencedAnyRE.FindStringSubmatch(t); m != nil {
		candidate = m[1]
	}
	if candidate == "" {
		candidate = balancedJSONSlice(t)
	}

	if candidate != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			return obj, nil
		}
		repaired := smartQuotes.Replace(trailingComma.ReplaceAllString(candidate, "$1"))
		if err := json.Unmarshal([]byte(repaired), &obj); err == nil {
			return obj, nil
		}
	}

	if htmlAnywhereRE.MatchString(t) {
		return map[string]any{"kind": models.KindFullPage, "html": t}, nil
	}
	return nil, fmt.Errorf("no JSON or HTML content found")
}

// ExtractDoc parses model output text into a normalized document.
func ExtractDoc(text string) (*models.Doc, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	return models.Normalize(raw)
}

// balancedJSONSlice returns the first balanced {...} slice of s,
// tracking string and escape state so braces inside strings do not
// count. Empty when none closes.
func balancedJSONSlice(s string) string {
	inStr, esc := false, false
	depth, start := 0, -1
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' {
			if !esc {
				inStr = !inStr
			}
			esc = false
			continue
		}
		if !inStr {
			switch ch {
			case '{':
				if depth == 0 {
					start = i
				}
				depth++
			case '}':
				if depth > 0 {
					depth--
					if depth == 0 && start != -1 {
						return s[start : i+1]
					}
				}
			}
		}
		esc = ch == '\\' && !esc
	}
	return ""
}

// RepairLoose closes open strings, brackets, and braces in truncated
// JSON. Best effort only; the result still has to survive Unmarshal.
func RepairLoose(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return t
	}
	inStr, esc := false, false
	braces, brackets := 0, 0
	for i := 0; i < len(t); i++ {
		ch := t[i]
		if ch == '"' && !esc {
			inStr = !inStr
		}
		if !inStr {
			switch ch {
			case '{':
				braces++
			case '}':
				braces--
			case '[':
				brackets++
			case ']':
				brackets--
			}
		}
		esc = ch == '\\' && !esc
	}
	if inStr {
		t += `"`
	}
	for ; brackets > 0; brackets-- {
		t += "]"
	}
	for ; braces > 0; braces-- {
		t += "}"
	}
	return t
}

package models

import (
	"fmt"
	"regexp"
	"strings"
)

// External asset policy: generated documents must be self-contained.
// Script/style references to http(s) origins are removed, except three
// known CDNs which are rewritten to locally served vendor copies.

var (
	externalURLRE = regexp.MustCompile(`(?i)^(https?:)?//`)
	scriptSrcRE   = regexp.MustCompile(`(?is)<script\b[^>]*\bsrc\s*=\s*(?:"([^"]*)"|'([^']*)'|([^"'>\s]+))[^>]*>\s*</script\s*>`)
	linkHrefRE    = regexp.MustCompile(`(?is)<link\b[^>]*\bhref\s*=\s*(?:"([^"]*)"|'([^']*)'|([^"'>\s]+))[^>]*>`)
	cssImportRE   = regexp.MustCompile(`(?i)@import\s+(?:url\(\s*([^)]+)\s*\)|("[^"]+"|'[^']+'))\s*;?`)
	srcAttrRE     = regexp.MustCompile(`(?i)\bsrc\s*=\s*(?:"[^"]*"|'[^']*'|[^"'>\s]+)`)

	tailwindCDNRE = regexp.MustCompile(`(?i)^(?:https?:)?//cdn\.tailwindcss\.com(?:/|\?|$)`)
	gsapCDNRE     = regexp.MustCompile(`(?i)^(?:https?:)?//cdnjs\.cloudflare\.com/ajax/libs/gsap/[^/]+/gsap(?:\.min)?\.js`)
	lucideCDNRE   = regexp.MustCompile(`(?i)^(?:https?:)?//unpkg\.com/lucide(?:@[^/]+)?(?:/.*)?$`)
)

// Local vendor paths the known CDNs are rewritten to.
const (
	vendorTailwind = "/static/vendor/tailwind-play.js"
	vendorGSAP     = "/static/vendor/gsap.min.js"
	vendorLucide   = "/static/vendor/lucide.min.js"
)

func isExternalURL(url string) bool {
	return externalURLRE.MatchString(strings.TrimSpace(url))
}

func rewriteScriptSrc(src string) string {
	switch {
	case tailwindCDNRE.MatchString(src):
		return vendorTailwind
	case gsapCDNRE.MatchString(src):
		return vendorGSAP
	case lucideCDNRE.MatchString(src):
		return vendorLucide
	default:
		return ""
	}
}

func firstGroup(groups []string) string {
	for _, g := range groups[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

// StripExternalAssets removes or rewrites external script/link/@import
// references in an HTML string. Every change is returned as an Issue.
func StripExternalAssets(html string) (string, []Issue) {
	var issues []Issue

	html = scriptSrcRE.ReplaceAllStringFunc(html, func(tag string) string {
		src := firstGroup(scriptSrcRE.FindStringSubmatch(tag))
		if !isExternalURL(src) {
			return tag
		}
		if local := rewriteScriptSrc(src); local != "" {
			issues = append(issues, Issue{
				Severity: SeverityInfo,
				Field:    "html",
				Message:  fmt.Sprintf("Rewrote external script: %s -> %s", src, local),
			})
			return srcAttrRE.ReplaceAllString(tag, fmt.Sprintf("src=%q", local))
		}
		issues = append(issues, Issue{
			Severity: SeverityWarn,
			Field:    "html",
			Message:  fmt.Sprintf("Removed external script: %s", src),
		})
		return ""
	})

	html = linkHrefRE.ReplaceAllStringFunc(html, func(tag string) string {
		href := firstGroup(linkHrefRE.FindStringSubmatch(tag))
		if !isExternalURL(href) {
			return tag
		}
		issues = append(issues, Issue{
			Severity: SeverityWarn,
			Field:    "html",
			Message:  fmt.Sprintf("Removed external stylesheet: %s", href),
		})
		return ""
	})

	html = stripCSSImports(html, &issues)
	return html, issues
}

func stripCSSImports(s string, issues *[]Issue) string {
	return cssImportRE.ReplaceAllStringFunc(s, func(stmt string) string {
		groups := cssImportRE.FindStringSubmatch(stmt)
		url := groups[1]
		if url == "" {
			url = groups[2]
		}
		url = strings.Trim(strings.TrimSpace(url), `"' `)
		if !isExternalURL(url) {
			return stmt
		}
		*issues = append(*issues, Issue{
			Severity: SeverityWarn,
			Field:    "html",
			Message:  fmt.Sprintf("Removed external @import: %s", url),
		})
		return ""
	})
}

// sanitizeDoc strips external assets from every HTML-bearing field and
// records the removals under ndw_debug.
func sanitizeDoc(d *Doc) {
	if d == nil {
		return
	}
	if d.HTML != "" {
		clean, issues := StripExternalAssets(d.HTML)
		d.HTML = clean
		d.appendAssetIssues(issues)
	}
	if d.CSS != "" {
		var issues []Issue
		d.CSS = stripCSSImports(d.CSS, &issues)
		for i := range issues {
			issues[i].Field = "css"
		}
		d.appendAssetIssues(issues)
	}
	for ci := range d.Components {
		comp := &d.Components[ci]
		if comp.Props.HTML == "" {
			continue
		}
		clean, issues := StripExternalAssets(comp.Props.HTML)
		comp.Props.HTML = clean
		for i := range issues {
			issues[i].Field = fmt.Sprintf("components[%s].html", comp.ID)
		}
		d.appendAssetIssues(issues)
	}
}

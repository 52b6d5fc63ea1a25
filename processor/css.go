package processor

import (
	"regexp"
	"strings"
)

// url(...) tokens with single, double or no quotes.
var cssURLRegex = regexp.MustCompile(`(?i)url\(\s*(?:'([^']*)'|"([^"]*)"|([^'"\)\s]+))\s*\)`)

// CSSReferences returns the raw value of every url(...) token in css, in
// textual order. Duplicates are kept.
func CSSReferences(css string) []string {
	var refs []string
	for _, m := range cssURLRegex.FindAllStringSubmatch(css, -1) {
		if raw := tokenValue(m); raw != "" {
			refs = append(refs, raw)
		}
	}
	return refs
}

// RewriteCSS calls replace for every url(...) token and substitutes the
// token's value when replace returns true. The original quoting is kept.
// It returns the new text and the number of rewritten tokens.
func RewriteCSS(css string, replace func(raw string) (string, bool)) (string, int) {
	count := 0
	out := cssURLRegex.ReplaceAllStringFunc(css, func(m string) string {
		match := cssURLRegex.FindStringSubmatch(m)
		raw := tokenValue(match)
		if raw == "" {
			return m
		}
		newURL, ok := replace(strings.TrimSpace(raw))
		if !ok {
			return m
		}
		count++
		switch {
		case match[1] != "":
			return "url('" + newURL + "')"
		case match[2] != "":
			return `url("` + newURL + `")`
		default:
			return "url(" + newURL + ")"
		}
	})
	return out, count
}

func tokenValue(match []string) string {
	if len(match) < 4 {
		return ""
	}
	for _, g := range match[1:4] {
		if g != "" {
			return g
		}
	}
	return ""
}

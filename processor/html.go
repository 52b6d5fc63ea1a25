package processor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"sitesnap/asset"
)

// Reference is one resource reference found in a document attribute. A
// srcset attribute yields one Reference per candidate.
type Reference struct {
	Element string
	Attr    string
	Raw     string
	Kind    asset.Kind
}

type referenceRule struct {
	selector string
	attr     string
	kind     func(s *goquery.Selection) (asset.Kind, bool)
}

func fixed(k asset.Kind) func(*goquery.Selection) (asset.Kind, bool) {
	return func(*goquery.Selection) (asset.Kind, bool) { return k, true }
}

var referenceRules = []referenceRule{
	{selector: "link[href]", attr: "href", kind: linkKind},
	{selector: "script[src]", attr: "src", kind: fixed(asset.KindScript)},
	{selector: "img[src]", attr: "src", kind: fixed(asset.KindImage)},
	{selector: "img[srcset]", attr: "srcset", kind: fixed(asset.KindImage)},
	{selector: "picture > source[srcset]", attr: "srcset", kind: fixed(asset.KindImage)},
	{selector: "video[src]", attr: "src", kind: fixed(asset.KindVideo)},
	{selector: "audio[src]", attr: "src", kind: fixed(asset.KindVideo)},
	{selector: "video > source[src], audio > source[src]", attr: "src", kind: fixed(asset.KindVideo)},
	{selector: "video[poster]", attr: "poster", kind: fixed(asset.KindImage)},
}

var allReferenceSelectors = func() string {
	sels := make([]string, 0, len(referenceRules))
	for _, r := range referenceRules {
		sels = append(sels, r.selector)
	}
	return strings.Join(sels, ", ")
}()

// linkKind classifies <link> elements by rel (and as= for preloads).
func linkKind(s *goquery.Selection) (asset.Kind, bool) {
	rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
	has := func(token string) bool {
		for _, r := range rel {
			if r == token {
				return true
			}
		}
		return false
	}

	switch {
	case has("stylesheet"):
		return asset.KindStylesheet, true
	case has("icon"), has("apple-touch-icon"), has("mask-icon"):
		return asset.KindImage, true
	case has("modulepreload"):
		return asset.KindScript, true
	case has("preload"):
		switch strings.ToLower(s.AttrOr("as", "")) {
		case "style":
			return asset.KindStylesheet, true
		case "script":
			return asset.KindScript, true
		case "image":
			return asset.KindImage, true
		case "font":
			return asset.KindFont, true
		}
	}
	return asset.KindOther, false
}

type visitFunc func(s *goquery.Selection, rule referenceRule, kind asset.Kind)

// walkReferences visits every matching element/rule pair in document order.
func walkReferences(doc *goquery.Document, visit visitFunc) {
	doc.Find(allReferenceSelectors).Each(func(_ int, s *goquery.Selection) {
		for _, rule := range referenceRules {
			if !s.Is(rule.selector) {
				continue
			}
			kind, ok := rule.kind(s)
			if !ok {
				continue
			}
			visit(s, rule, kind)
		}
	})
}

// References lists every resource reference in doc in document order.
func References(doc *goquery.Document) []Reference {
	var refs []Reference
	walkReferences(doc, func(s *goquery.Selection, rule referenceRule, kind asset.Kind) {
		val := s.AttrOr(rule.attr, "")
		element := goquery.NodeName(s)
		if rule.attr == "srcset" {
			for _, c := range parseSrcset(val) {
				refs = append(refs, Reference{Element: element, Attr: rule.attr, Raw: c.url, Kind: kind})
			}
			return
		}
		refs = append(refs, Reference{Element: element, Attr: rule.attr, Raw: strings.TrimSpace(val), Kind: kind})
	})
	return refs
}

// RewriteReferences offers every reference to replace and stores the
// returned value when it reports true. Attributes that could no longer
// verify the rewritten resource (integrity, crossorigin) are dropped from
// rewritten elements. It returns the number of rewritten references.
func RewriteReferences(doc *goquery.Document, replace func(ref Reference) (string, bool)) int {
	count := 0
	walkReferences(doc, func(s *goquery.Selection, rule referenceRule, kind asset.Kind) {
		val := s.AttrOr(rule.attr, "")
		element := goquery.NodeName(s)
		changed := false

		if rule.attr == "srcset" {
			candidates := parseSrcset(val)
			for i, c := range candidates {
				if newURL, ok := replace(Reference{Element: element, Attr: rule.attr, Raw: c.url, Kind: kind}); ok {
					candidates[i].url = newURL
					count++
					changed = true
				}
			}
			if changed {
				s.SetAttr(rule.attr, formatSrcset(candidates))
			}
		} else if newURL, ok := replace(Reference{Element: element, Attr: rule.attr, Raw: strings.TrimSpace(val), Kind: kind}); ok {
			s.SetAttr(rule.attr, newURL)
			count++
			changed = true
		}

		if changed {
			s.RemoveAttr("integrity")
			s.RemoveAttr("crossorigin")
		}
	})
	return count
}

// RemoveBase deletes <base> elements so relative references resolve
// against the document's own location.
func RemoveBase(doc *goquery.Document) int {
	bases := doc.Find("base")
	n := bases.Length()
	bases.Remove()
	return n
}

type srcsetCandidate struct {
	url        string
	descriptor string
}

// parseSrcset splits a srcset the way browsers do: a candidate URL runs to
// the next whitespace, so commas inside it (data: URIs) are kept, and a comma
// separates candidates only after the descriptor.
func parseSrcset(srcset string) []srcsetCandidate {
	const space = " \t\n\r\f"
	var out []srcsetCandidate
	s := srcset
	for {
		s = strings.TrimLeft(s, space+",")
		if s == "" {
			return out
		}
		end := strings.IndexAny(s, space)
		if end < 0 {
			end = len(s)
		}
		u := s[:end]
		s = s[end:]
		if trimmed := strings.TrimRight(u, ","); trimmed != u {
			out = append(out, srcsetCandidate{url: trimmed})
			continue
		}

		depth, stop := 0, len(s)
	scan:
		for i, r := range s {
			switch r {
			case '(':
				depth++
			case ')':
				if depth > 0 {
					depth--
				}
			case ',':
				if depth == 0 {
					stop = i
					break scan
				}
			}
		}
		out = append(out, srcsetCandidate{url: u, descriptor: strings.Join(strings.Fields(s[:stop]), " ")})
		s = s[stop:]
	}
}

func formatSrcset(candidates []srcsetCandidate) string {
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.descriptor != "" {
			parts = append(parts, c.url+" "+c.descriptor)
		} else {
			parts = append(parts, c.url)
		}
	}
	return strings.Join(parts, ", ")
}

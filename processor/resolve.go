package processor

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Reference prefixes that never point at a downloadable resource.
var ignoredPrefixes = []string{
	"data:",
	"#",
	"about:",
	"javascript:",
	"mailto:",
	"tel:",
	"sms:",
	"blob:",
	"chrome:",
}

// ResolutionError reports a reference that could not be turned into an
// absolute http(s) URL. Callers skip the reference.
type ResolutionError struct {
	Ref    string
	Reason string
	Cause  error
}

func (e *ResolutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resolve %q: %s (%v)", e.Ref, e.Reason, e.Cause)
	}
	return fmt.Sprintf("resolve %q: %s", e.Ref, e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// IsExcluded reports whether ref is empty, fragment-only, embedded data or a
// non-fetchable scheme.
func IsExcluded(ref string) bool {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return true
	}
	for _, p := range ignoredPrefixes {
		if strings.HasPrefix(ref, p) {
			return true
		}
	}
	return false
}

// Resolve turns ref into an absolute URL relative to base. The fragment is
// dropped so the result can be used as a registry key.
func Resolve(ref string, base *url.URL) (*url.URL, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return nil, &ResolutionError{Ref: ref, Reason: "empty reference"}
	}
	if IsExcluded(trimmed) {
		return nil, &ResolutionError{Ref: ref, Reason: "excluded reference"}
	}
	if base == nil {
		return nil, &ResolutionError{Ref: ref, Reason: "no base URL"}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &ResolutionError{Ref: ref, Reason: "malformed reference", Cause: err}
	}

	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, &ResolutionError{Ref: ref, Reason: "unsupported scheme " + abs.Scheme}
	}
	if abs.Host == "" {
		return nil, &ResolutionError{Ref: ref, Reason: "missing host"}
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs, nil
}

// EffectiveBase returns the document's <base href> resolved against pageURL,
// or pageURL itself when the document declares no usable base.
func EffectiveBase(doc *goquery.Document, pageURL *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return pageURL
	}
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return pageURL
	}
	base := pageURL.ResolveReference(u)
	if base.Scheme != "http" && base.Scheme != "https" {
		return pageURL
	}
	return base
}

// LocalRef builds the replacement for raw that points at archivePath from a
// file stored in fromDir. Path segments are escaped; a fragment on raw is
// carried over.
func LocalRef(raw, fromDir, archivePath string) string {
	rel := archivePath
	if fromDir != "" && fromDir != "." {
		if r, err := filepath.Rel(filepath.FromSlash(fromDir), filepath.FromSlash(archivePath)); err == nil {
			rel = filepath.ToSlash(r)
		}
	}
	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	rel = strings.Join(segments, "/")
	if i := strings.Index(raw, "#"); i >= 0 {
		rel += raw[i:]
	}
	return rel
}

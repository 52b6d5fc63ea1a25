package crawler

import (
	"context"
	"net/url"

	"github.com/samber/lo"

	"sitesnap/asset"
	"sitesnap/processor"
)

// rewriteStylesheet downloads the url() references of a stylesheet into
// the assets folder and points them at their archive copies. It runs in
// two passes: fetch everything first, then rewrite from the registry.
//
// A reference claimed by another in-flight task is not waited for; if that
// task has not registered it by rewrite time the original URL stays.
func (s *Session) rewriteStylesheet(ctx context.Context, css []byte, sheetURL, sheetDir string) []byte {
	base, err := url.Parse(sheetURL)
	if err != nil {
		return css
	}
	text := string(css)

	var refs []string
	for _, raw := range processor.CSSReferences(text) {
		u, err := processor.Resolve(raw, base)
		if err != nil {
			continue
		}
		refs = append(refs, u.String())
	}

	// URLs the document references were counted at discovery; a stylesheet
	// that claims one first takes over its download but not its count.
	var claimed []string
	fresh := 0
	for _, u := range lo.Uniq(refs) {
		if !s.registry.Claim(u) {
			continue
		}
		claimed = append(claimed, u)
		if _, ok := s.discovered[u]; !ok {
			fresh++
		}
	}
	if fresh > 0 {
		s.events.found(fresh)
		s.events.log(LevelInfo, "Stylesheet %s references %d new assets", sheetURL, fresh)
	}
	for _, u := range claimed {
		if ctx.Err() != nil {
			break
		}
		s.fetchSubAsset(ctx, u)
	}

	out, _ := processor.RewriteCSS(text, func(raw string) (string, bool) {
		u, err := processor.Resolve(raw, base)
		if err != nil {
			return "", false
		}
		a, ok := s.registry.Lookup(u.String())
		if !ok {
			return "", false
		}
		return processor.LocalRef(raw, sheetDir, a.ArchivePath), true
	})
	return []byte(out)
}

func (s *Session) fetchSubAsset(ctx context.Context, u string) {
	kind := asset.KindOther
	if parsed, err := url.Parse(u); err == nil {
		kind = asset.KindFromExtension(parsed.Path)
	}

	s.events.log(LevelInfo, "Downloading %s %s", kind, u)
	body, err := s.fetcher.Fetch(ctx, u, true)
	if err != nil {
		s.events.log(LevelWarning, "Failed to download %s: %v", u, err)
		return
	}
	s.store(u, kind, asset.FolderAssets, body)
}

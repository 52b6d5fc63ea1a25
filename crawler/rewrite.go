package crawler

import (
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"sitesnap/processor"
)

// rewriteDocument points every reference with a registered asset at its
// archive path, relative to index.html. Unregistered references keep
// their original value. The <base> element is removed since the archive
// is self-contained.
func (s *Session) rewriteDocument(doc *goquery.Document, base *url.URL) int {
	n := processor.RewriteReferences(doc, func(ref processor.Reference) (string, bool) {
		u, err := processor.Resolve(ref.Raw, base)
		if err != nil {
			return "", false
		}
		a, ok := s.registry.Lookup(u.String())
		if !ok {
			return "", false
		}
		return processor.LocalRef(ref.Raw, "", a.ArchivePath), true
	})
	if removed := processor.RemoveBase(doc); removed > 0 {
		s.events.log(LevelInfo, "Removed %d <base> element(s)", removed)
	}
	return n
}

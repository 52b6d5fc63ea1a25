package crawler

import (
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"sitesnap/asset"
	"sitesnap/processor"
)

// DownloadTask is one asset to fetch.
type DownloadTask struct {
	URL  string
	Kind asset.Kind
}

// Discover lists the downloadable assets referenced by doc, resolved
// against base, in document order. Each URL appears once; when it is
// referenced with different kinds the first one wins. Excluded and
// unresolvable references are skipped.
func Discover(doc *goquery.Document, base *url.URL) []DownloadTask {
	seen := make(map[string]struct{})
	var tasks []DownloadTask
	for _, ref := range processor.References(doc) {
		if processor.IsExcluded(ref.Raw) {
			continue
		}
		u, err := processor.Resolve(ref.Raw, base)
		if err != nil {
			continue
		}
		key := u.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tasks = append(tasks, DownloadTask{URL: key, Kind: ref.Kind})
	}
	return tasks
}

package crawler

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesnap/archive"
	"sitesnap/asset"
)

var errNotFound = errors.New("404 not found")

type fakeFetcher struct {
	bodies map[string]string
	fail   map[string]error
	delay  time.Duration

	mu     sync.Mutex
	calls  map[string]int
	binary map[string]bool
	starts map[string]int64
	ends   map[string]int64

	seq         atomic.Int64
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeFetcher(bodies map[string]string) *fakeFetcher {
	return &fakeFetcher{
		bodies: bodies,
		fail:   map[string]error{},
		calls:  map[string]int{},
		binary: map[string]bool{},
		starts: map[string]int64{},
		ends:   map[string]int64{},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, target string, binary bool) ([]byte, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[target]++
	f.binary[target] = binary
	f.starts[target] = f.seq.Add(1)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.ends[target] = f.seq.Add(1)
	f.mu.Unlock()

	if err, ok := f.fail[target]; ok {
		return nil, err
	}
	body, ok := f.bodies[target]
	if !ok {
		return nil, fmt.Errorf("%s: %w", target, errNotFound)
	}
	return []byte(body), nil
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type recorder struct {
	mu      sync.Mutex
	entries []LogEntry
	stats   []CrawlStats
	phases  []Phase
}

func (r *recorder) Log(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) UpdateStats(s CrawlStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, s)
}

func (r *recorder) Phase(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, p)
}

func (r *recorder) withLevel(level Level) []LogEntry {
	var out []LogEntry
	for _, e := range r.entries {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

func unzip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(b)
	}
	return out
}

const pageURL = "https://example.com/blog/index.html"

const samplePage = `<!doctype html>
<html><head>
<link rel="stylesheet" href="css/site.css">
<script src="/js/app.js"></script>
</head><body>
<img src="logo.png"><img src="logo.png">
<img src="data:image/png;base64,AAAA">
<a href="#top">top</a>
</body></html>`

const sampleCSS = `body{background:url('../img/bg.png')} .x{background:url(/img/bg.png)}`

const rewrittenCSS = `body{background:url('../assets/bg.png')} .x{background:url(../assets/bg.png)}`

func sampleSite() map[string]string {
	return map[string]string{
		pageURL:                                 samplePage,
		"https://example.com/blog/css/site.css": sampleCSS,
		"https://example.com/js/app.js":         "console.log(1)",
		"https://example.com/blog/logo.png":     "PNG",
		"https://example.com/img/bg.png":        "BG",
	}
}

func runSession(t *testing.T, f Fetcher, opts Options) (*Result, *recorder, map[string]string, error) {
	t.Helper()
	var buf bytes.Buffer
	rec := &recorder{}
	s := NewSession(f, archive.NewZip(&buf), rec, opts)
	res, err := s.Start(context.Background(), pageURL)
	if err != nil {
		return nil, rec, nil, err
	}
	return res, rec, unzip(t, buf.Bytes()), nil
}

func TestSessionArchivesPage(t *testing.T) {
	f := newFakeFetcher(sampleSite())
	res, rec, files, err := runSession(t, f, Options{})
	require.NoError(t, err)

	assert.Equal(t, CrawlStats{PagesScanned: 1, AssetsFound: 4, AssetsDownloaded: 4, TotalBytes: int64(len(rewrittenCSS) + len("console.log(1)") + len("PNG") + len("BG"))}, res.Stats)
	assert.Equal(t, []Phase{PhaseCrawling, PhaseProcessing, PhaseCompressing, PhaseFinished}, rec.phases)
	assert.Len(t, res.Assets, 4)
	assert.Equal(t, 4, res.Rewritten)

	index := files[archive.IndexName]
	assert.Contains(t, index, `href="css/site.css"`)
	assert.Contains(t, index, `src="js/app.js"`)
	assert.Equal(t, 2, strings.Count(index, `src="images/logo.png"`))
	assert.Contains(t, index, `src="data:image/png;base64,AAAA"`)
	assert.Contains(t, index, `href="#top"`)

	assert.Equal(t, rewrittenCSS, files["css/site.css"])
	assert.Equal(t, "PNG", files["images/logo.png"])
	assert.Equal(t, "BG", files["assets/bg.png"])
	assert.Equal(t, "console.log(1)", files["js/app.js"])
}

func TestSessionFetchesEachURLOnce(t *testing.T) {
	f := newFakeFetcher(sampleSite())
	_, _, _, err := runSession(t, f, Options{})
	require.NoError(t, err)

	for u, n := range f.calls {
		assert.Equal(t, 1, n, u)
	}
	assert.Len(t, f.calls, 5)
	assert.False(t, f.binary["https://example.com/blog/css/site.css"])
	assert.False(t, f.binary["https://example.com/js/app.js"])
	assert.True(t, f.binary["https://example.com/blog/logo.png"])
	assert.True(t, f.binary["https://example.com/img/bg.png"])
}

func TestSessionStatsNeverExceedFound(t *testing.T) {
	f := newFakeFetcher(sampleSite())
	_, rec, _, err := runSession(t, f, Options{Concurrency: 2})
	require.NoError(t, err)

	require.NotEmpty(t, rec.stats)
	prev := CrawlStats{}
	for _, s := range rec.stats {
		assert.LessOrEqual(t, s.AssetsDownloaded, s.AssetsFound)
		assert.GreaterOrEqual(t, s.PagesScanned, prev.PagesScanned)
		assert.GreaterOrEqual(t, s.AssetsFound, prev.AssetsFound)
		assert.GreaterOrEqual(t, s.AssetsDownloaded, prev.AssetsDownloaded)
		assert.GreaterOrEqual(t, s.TotalBytes, prev.TotalBytes)
		prev = s
	}
}

func TestSessionContinuesPastFailedAsset(t *testing.T) {
	f := newFakeFetcher(sampleSite())
	f.fail["https://example.com/js/app.js"] = errors.New("all relays failed")

	res, rec, files, err := runSession(t, f, Options{})
	require.NoError(t, err)

	assert.Equal(t, res.Stats.AssetsFound-1, res.Stats.AssetsDownloaded)
	assert.Equal(t, PhaseFinished, rec.phases[len(rec.phases)-1])

	warnings := rec.withLevel(LevelWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "https://example.com/js/app.js")

	assert.NotContains(t, files, "js/app.js")
	assert.Contains(t, files[archive.IndexName], `src="/js/app.js"`)
}

func TestSessionRejectsInvalidURL(t *testing.T) {
	f := newFakeFetcher(nil)
	rec := &recorder{}
	s := NewSession(f, archive.NewZip(io.Discard), rec, Options{})

	for _, raw := range []string{"not a url", "", "ftp://example.com/", "/relative/path", "https://"} {
		_, err := s.Start(context.Background(), raw)
		var invalid *InvalidURLError
		assert.True(t, errors.As(err, &invalid), raw)
	}
	assert.Zero(t, f.totalCalls())
	assert.Empty(t, rec.phases)
}

func TestSessionPageFailureIsFatal(t *testing.T) {
	f := newFakeFetcher(nil)
	_, rec, _, err := runSession(t, f, Options{})

	var pageErr *PageError
	require.True(t, errors.As(err, &pageErr))
	assert.Equal(t, "fetch", pageErr.Stage)
	assert.ErrorIs(t, err, errNotFound)

	assert.Equal(t, []Phase{PhaseCrawling, PhaseError}, rec.phases)
	assert.Len(t, rec.withLevel(LevelError), 1)
}

func TestSessionIsSingleUse(t *testing.T) {
	f := newFakeFetcher(sampleSite())
	s := NewSession(f, archive.NewZip(io.Discard), nil, Options{})
	_, err := s.Start(context.Background(), pageURL)
	require.NoError(t, err)

	_, err = s.Start(context.Background(), pageURL)
	assert.ErrorIs(t, err, ErrSessionUsed)
}

type failingPackager struct{ err error }

func (failingPackager) Add(string, []byte) error { return nil }
func (p failingPackager) Finalize() error        { return p.err }

func TestSessionFinalizeFailure(t *testing.T) {
	f := newFakeFetcher(sampleSite())
	rec := &recorder{}
	boom := errors.New("disk full")
	s := NewSession(f, failingPackager{err: boom}, rec, Options{})

	_, err := s.Start(context.Background(), pageURL)
	var finalize *ArchiveFinalizeError
	require.True(t, errors.As(err, &finalize))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, PhaseError, rec.phases[len(rec.phases)-1])
}

type stubRenderer struct {
	body string
	err  error
}

func (r stubRenderer) Render(context.Context, string) ([]byte, error) {
	return []byte(r.body), r.err
}

func TestSessionRendererFallback(t *testing.T) {
	f := newFakeFetcher(sampleSite())
	_, rec, _, err := runSession(t, f, Options{Renderer: stubRenderer{err: errors.New("no chrome")}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls[pageURL])
	require.NotEmpty(t, rec.withLevel(LevelWarning))
	assert.Contains(t, rec.withLevel(LevelWarning)[0].Message, "no chrome")
}

func TestSessionUsesRenderedPage(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://example.com/blog/hero.jpg": "JPG",
	})
	res, _, files, err := runSession(t, f, Options{Renderer: stubRenderer{body: `<img src="hero.jpg">`}})
	require.NoError(t, err)
	assert.Zero(t, f.calls[pageURL])
	assert.Equal(t, 1, res.Stats.AssetsDownloaded)
	assert.Contains(t, files[archive.IndexName], `src="images/hero.jpg"`)
}

func TestSessionHonoursBaseHref(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		pageURL: `<html><head><base href="https://cdn.example.com/static/"></head>
<body><img src="a.png"></body></html>`,
		"https://cdn.example.com/static/a.png": "A",
	})
	_, _, files, err := runSession(t, f, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.calls["https://cdn.example.com/static/a.png"])
	assert.NotContains(t, files[archive.IndexName], "<base")
	assert.Contains(t, files[archive.IndexName], `src="images/a.png"`)
}

func TestDownloaderRespectsConcurrency(t *testing.T) {
	var sb strings.Builder
	bodies := map[string]string{}
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&sb, `<img src="img%02d.png">`, i)
		bodies[fmt.Sprintf("https://example.com/blog/img%02d.png", i)] = "x"
	}
	bodies[pageURL] = sb.String()

	f := newFakeFetcher(bodies)
	f.delay = 10 * time.Millisecond
	res, _, _, err := runSession(t, f, Options{Concurrency: 5})
	require.NoError(t, err)
	assert.Equal(t, 12, res.Stats.AssetsDownloaded)
	assert.LessOrEqual(t, f.maxInflight.Load(), int32(5))

	// every task of chunk k starts after all tasks of chunk k-1 ended
	name := func(i int) string { return fmt.Sprintf("https://example.com/blog/img%02d.png", i) }
	for i := 5; i < 12; i++ {
		chunkStart := (i/5 - 1) * 5
		for j := chunkStart; j < chunkStart+5; j++ {
			assert.Greater(t, f.starts[name(i)], f.ends[name(j)], "%d vs %d", i, j)
		}
	}
}

func TestDiscover(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
<link rel="preload" as="image" href="/shared.png">
<img src="/shared.png">
<img src="data:image/gif;base64,R0lGOD">
<img src="javascript:void(0)">
<img src="">
<script src="app.js#v2"></script>
<script src="app.js"></script>
<video poster="poster.jpg"><source src="clip.mp4"></video>`))
	require.NoError(t, err)
	base, _ := url.Parse("https://example.com/docs/")

	tasks := Discover(doc, base)
	assert.Equal(t, []DownloadTask{
		{URL: "https://example.com/shared.png", Kind: asset.KindImage},
		{URL: "https://example.com/docs/app.js", Kind: asset.KindScript},
		{URL: "https://example.com/docs/poster.jpg", Kind: asset.KindImage},
		{URL: "https://example.com/docs/clip.mp4", Kind: asset.KindVideo},
	}, tasks)
}

func TestParsePageURL(t *testing.T) {
	u, err := ParsePageURL("  https://example.com/a#frag ")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", u.String())
}

func TestSessionSharedReferenceCountedOnce(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		pageURL:                          `<link rel="stylesheet" href="/a.css"><img src="/img/bg.png">`,
		"https://example.com/a.css":      `x{background:url(/img/bg.png)}`,
		"https://example.com/img/bg.png": "BG",
	})
	res, rec, files, err := runSession(t, f, Options{Concurrency: 1})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.AssetsFound)
	assert.Equal(t, 2, res.Stats.AssetsDownloaded)
	assert.Equal(t, 1, f.calls["https://example.com/img/bg.png"])
	for _, s := range rec.stats {
		assert.LessOrEqual(t, s.AssetsFound, 2)
	}

	assert.Equal(t, "BG", files["assets/bg.png"])
	assert.Equal(t, "x{background:url(../assets/bg.png)}", files["css/a.css"])
	assert.Contains(t, files[archive.IndexName], `src="assets/bg.png"`)
}

func TestSessionEscapesLocalReferences(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		pageURL:                                  `<link rel="stylesheet" href="s.css"><img src="my%20logo.png">`,
		"https://example.com/blog/s.css":         `x{background:url(my%20bg.png)}`,
		"https://example.com/blog/my%20bg.png":   "BG",
		"https://example.com/blog/my%20logo.png": "LOGO",
	})
	_, _, files, err := runSession(t, f, Options{})
	require.NoError(t, err)

	assert.Equal(t, "BG", files["assets/my bg.png"])
	assert.Equal(t, "LOGO", files["images/my logo.png"])
	assert.Equal(t, "x{background:url(../assets/my%20bg.png)}", files["css/s.css"])
	assert.Contains(t, files[archive.IndexName], `src="images/my%20logo.png"`)
}

// rejectingPackager refuses one entry and forwards the rest.
type rejectingPackager struct {
	Packager
	reject string
}

func (p rejectingPackager) Add(path string, content []byte) error {
	if path == p.reject {
		return errors.New("entry rejected")
	}
	return p.Packager.Add(path, content)
}

func TestSessionUnstoredAssetKeepsOriginalReference(t *testing.T) {
	f := newFakeFetcher(sampleSite())
	var buf bytes.Buffer
	rec := &recorder{}
	s := NewSession(f, rejectingPackager{Packager: archive.NewZip(&buf), reject: "images/logo.png"}, rec, Options{})
	res, err := s.Start(context.Background(), pageURL)
	require.NoError(t, err)

	assert.Equal(t, res.Stats.AssetsFound-1, res.Stats.AssetsDownloaded)
	for _, a := range res.Assets {
		assert.NotEqual(t, "images/logo.png", a.ArchivePath)
	}

	files := unzip(t, buf.Bytes())
	assert.NotContains(t, files, "images/logo.png")
	assert.Equal(t, 2, strings.Count(files[archive.IndexName], `src="logo.png"`))
	assert.NotContains(t, files[archive.IndexName], "images/logo.png")

	warnings := rec.withLevel(LevelWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "entry rejected")
}

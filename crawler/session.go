package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"sitesnap/archive"
	"sitesnap/asset"
	"sitesnap/processor"
)

// DefaultConcurrency is the chunk size of the asset downloader.
const DefaultConcurrency = 5

// Fetcher retrieves a URL. Text bodies are returned decoded to UTF-8.
type Fetcher interface {
	Fetch(ctx context.Context, target string, binary bool) ([]byte, error)
}

// Renderer produces the DOM of a page after scripts ran.
type Renderer interface {
	Render(ctx context.Context, target string) ([]byte, error)
}

// Packager accumulates archive entries and writes the bundle once.
type Packager interface {
	Add(path string, content []byte) error
	Finalize() error
}

type Options struct {
	// Concurrency bounds in-flight asset downloads. Zero means
	// DefaultConcurrency.
	Concurrency int
	// Renderer, when set, is used for the top-level page. Failures fall
	// back to the Fetcher.
	Renderer Renderer
	// ID overrides the generated session id.
	ID string
}

// Result summarises a finished session.
type Result struct {
	SessionID string        `json:"sessionId"`
	PageURL   string        `json:"pageUrl"`
	Stats     CrawlStats    `json:"stats"`
	Assets    []asset.Asset `json:"assets"`
	Rewritten int           `json:"rewritten"`
	Duration  time.Duration `json:"duration"`
}

// Session archives one page. It is single use.
type Session struct {
	ID string

	fetcher     Fetcher
	packager    Packager
	renderer    Renderer
	concurrency int

	registry *asset.Registry
	events   *tracker
	started  atomic.Bool

	// discovered holds the URLs counted from the document. Written once
	// before downloads start.
	discovered map[string]struct{}
}

func NewSession(fetcher Fetcher, packager Packager, reporter Reporter, opts Options) *Session {
	c := opts.Concurrency
	if c <= 0 {
		c = DefaultConcurrency
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:          id,
		fetcher:     fetcher,
		packager:    packager,
		renderer:    opts.Renderer,
		concurrency: c,
		registry:    asset.NewRegistry(),
		events:      newTracker(reporter),
	}
}

// Stats returns the current counters.
func (s *Session) Stats() CrawlStats {
	return s.events.snapshot()
}

// ParsePageURL validates raw as an absolute http(s) URL.
func ParsePageURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &InvalidURLError{Input: raw, Reason: "empty"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &InvalidURLError{Input: raw, Reason: "malformed", Cause: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &InvalidURLError{Input: raw, Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return nil, &InvalidURLError{Input: raw, Reason: "missing host"}
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Start runs the whole pipeline for pageURL: fetch, discover, download,
// rewrite and package. An invalid URL fails before any network activity.
func (s *Session) Start(ctx context.Context, pageURL string) (*Result, error) {
	page, err := ParsePageURL(pageURL)
	if err != nil {
		return nil, err
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrSessionUsed
	}

	begin := time.Now()
	res, err := s.run(ctx, page)
	if err != nil {
		s.events.log(LevelError, "Archiving failed: %v", err)
		s.events.setPhase(PhaseError)
		return nil, err
	}
	res.Duration = time.Since(begin)
	s.events.log(LevelSuccess, "Archive ready: %d/%d assets, %s in %s",
		res.Stats.AssetsDownloaded, res.Stats.AssetsFound, FormatBytes(res.Stats.TotalBytes), res.Duration.Round(time.Millisecond))
	s.events.setPhase(PhaseFinished)
	return res, nil
}

func (s *Session) run(ctx context.Context, page *url.URL) (*Result, error) {
	s.events.setPhase(PhaseCrawling)
	s.events.log(LevelInfo, "Session %s started for %s", s.ID, page)

	body, err := s.fetchPage(ctx, page.String())
	if err != nil {
		return nil, &PageError{URL: page.String(), Stage: "fetch", Cause: err}
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &PageError{URL: page.String(), Stage: "parse", Cause: err}
	}
	doc := goquery.NewDocumentFromNode(root)
	s.events.pageScanned()

	base := processor.EffectiveBase(doc, page)
	if base != page {
		s.events.log(LevelInfo, "Using document base %s", base)
	}

	tasks := Discover(doc, base)
	s.discovered = make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		s.discovered[t.URL] = struct{}{}
	}
	s.events.found(len(tasks))
	s.events.log(LevelInfo, "Found %d assets", len(tasks))

	s.downloadAll(ctx, tasks)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.events.setPhase(PhaseProcessing)
	rewritten := s.rewriteDocument(doc, base)
	s.events.log(LevelInfo, "Rewrote %d references", rewritten)

	var out bytes.Buffer
	if err := html.Render(&out, root); err != nil {
		return nil, &PageError{URL: page.String(), Stage: "render", Cause: err}
	}

	s.events.setPhase(PhaseCompressing)
	if err := s.packager.Add(archive.IndexName, out.Bytes()); err != nil {
		return nil, &ArchiveFinalizeError{Cause: err}
	}
	if err := s.packager.Finalize(); err != nil {
		return nil, &ArchiveFinalizeError{Cause: err}
	}

	return &Result{
		SessionID: s.ID,
		PageURL:   page.String(),
		Stats:     s.events.snapshot(),
		Assets:    s.registry.Assets(),
		Rewritten: rewritten,
	}, nil
}

func (s *Session) fetchPage(ctx context.Context, target string) ([]byte, error) {
	if s.renderer != nil {
		body, err := s.renderer.Render(ctx, target)
		if err == nil {
			s.events.log(LevelInfo, "Rendered %s (%s)", target, FormatBytes(int64(len(body))))
			return body, nil
		}
		s.events.log(LevelWarning, "Rendering %s failed, fetching raw HTML: %v", target, err)
	}
	body, err := s.fetcher.Fetch(ctx, target, false)
	if err != nil {
		return nil, err
	}
	s.events.log(LevelInfo, "Fetched %s (%s)", target, FormatBytes(int64(len(body))))
	return body, nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

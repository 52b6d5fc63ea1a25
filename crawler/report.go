package crawler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a LogEntry.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// LogEntry is one progress message of a session.
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     Level     `json:"level"`
}

// CrawlStats are the running counters of a session. All fields only grow.
type CrawlStats struct {
	PagesScanned     int   `json:"pagesScanned"`
	AssetsFound      int   `json:"assetsFound"`
	AssetsDownloaded int   `json:"assetsDownloaded"`
	TotalBytes       int64 `json:"totalBytes"`
}

// Phase is the lifecycle state of a session.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseCrawling    Phase = "CRAWLING"
	PhaseProcessing  Phase = "PROCESSING"
	PhaseCompressing Phase = "COMPRESSING"
	PhaseFinished    Phase = "FINISHED"
	PhaseError       Phase = "ERROR"
)

// Reporter receives session telemetry in emission order. Calls are never
// concurrent for a single session.
type Reporter interface {
	Log(entry LogEntry)
	UpdateStats(stats CrawlStats)
	Phase(phase Phase)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) Log(LogEntry)           {}
func (NopReporter) UpdateStats(CrawlStats) {}
func (NopReporter) Phase(Phase)            {}

// tracker owns the stats of one session and serialises every emission to
// the reporter.
type tracker struct {
	mu       sync.Mutex
	stats    CrawlStats
	phase    Phase
	reporter Reporter
	now      func() time.Time
}

func newTracker(r Reporter) *tracker {
	if r == nil {
		r = NopReporter{}
	}
	return &tracker{reporter: r, phase: PhaseIdle, now: time.Now}
}

func (t *tracker) log(level Level, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reporter.Log(LogEntry{
		ID:        uuid.NewString(),
		Timestamp: t.now(),
		Message:   fmt.Sprintf(format, args...),
		Level:     level,
	})
}

func (t *tracker) setPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == p {
		return
	}
	t.phase = p
	t.reporter.Phase(p)
}

func (t *tracker) update(fn func(s *CrawlStats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.stats)
	t.reporter.UpdateStats(t.stats)
}

func (t *tracker) pageScanned() {
	t.update(func(s *CrawlStats) { s.PagesScanned++ })
}

func (t *tracker) found(n int) {
	if n <= 0 {
		return
	}
	t.update(func(s *CrawlStats) { s.AssetsFound += n })
}

func (t *tracker) downloaded(size int) {
	t.update(func(s *CrawlStats) {
		s.AssetsDownloaded++
		s.TotalBytes += int64(size)
	})
}

func (t *tracker) snapshot() CrawlStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

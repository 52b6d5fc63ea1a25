package report

import (
	"sync"

	"sitesnap/crawler"
)

// Recorder keeps everything a session reported in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []crawler.LogEntry
	stats   crawler.CrawlStats
	phases  []crawler.Phase
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Log(e crawler.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *Recorder) UpdateStats(s crawler.CrawlStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = s
}

func (r *Recorder) Phase(p crawler.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, p)
}

// Entries returns a copy of the log.
func (r *Recorder) Entries() []crawler.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.LogEntry(nil), r.entries...)
}

// Stats returns the last reported counters.
func (r *Recorder) Stats() crawler.CrawlStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Recorder) Phases() []crawler.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.Phase(nil), r.phases...)
}

// Current is the latest phase, IDLE before the session started.
func (r *Recorder) Current() crawler.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.phases) == 0 {
		return crawler.PhaseIdle
	}
	return r.phases[len(r.phases)-1]
}

// Summary is a JSON view of a recorded session.
type Summary struct {
	Phase   crawler.Phase      `json:"phase"`
	Stats   crawler.CrawlStats `json:"stats"`
	Entries []crawler.LogEntry `json:"log"`
}

func (r *Recorder) Summary() Summary {
	return Summary{Phase: r.Current(), Stats: r.Stats(), Entries: r.Entries()}
}

// Multi fans every call out to reporters in order.
func Multi(reporters ...crawler.Reporter) crawler.Reporter {
	return multi(reporters)
}

type multi []crawler.Reporter

func (m multi) Log(e crawler.LogEntry) {
	for _, r := range m {
		r.Log(e)
	}
}

func (m multi) UpdateStats(s crawler.CrawlStats) {
	for _, r := range m {
		r.UpdateStats(s)
	}
}

func (m multi) Phase(p crawler.Phase) {
	for _, r := range m {
		r.Phase(p)
	}
}

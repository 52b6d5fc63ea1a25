package report

import (
	"sync"

	"sitesnap/crawler"
)

const (
	EventLog   = "log"
	EventStats = "stats"
	EventPhase = "phase"
)

// Event is one telemetry item on an Events channel.
type Event struct {
	Type  string              `json:"type"`
	Entry *crawler.LogEntry   `json:"entry,omitempty"`
	Stats *crawler.CrawlStats `json:"stats,omitempty"`
	Phase crawler.Phase       `json:"phase,omitempty"`
}

// Events forwards telemetry to a buffered channel. Sends never block: when
// the buffer is full the event is dropped and counted.
type Events struct {
	ch chan Event

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewEvents(buffer int) *Events {
	return &Events{ch: make(chan Event, buffer)}
}

// C is closed by Close.
func (e *Events) C() <-chan Event {
	return e.ch
}

func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

func (e *Events) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Events) send(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped++
	}
}

func (e *Events) Log(entry crawler.LogEntry) {
	e.send(Event{Type: EventLog, Entry: &entry})
}

func (e *Events) UpdateStats(s crawler.CrawlStats) {
	e.send(Event{Type: EventStats, Stats: &s})
}

func (e *Events) Phase(p crawler.Phase) {
	e.send(Event{Type: EventPhase, Phase: p})
}

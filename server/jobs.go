package server

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sitesnap/crawler"
	"sitesnap/report"
)

// job is a background session and its bundle on the server filesystem.
type job struct {
	ID      string
	URL     string
	Host    string
	Started time.Time
	path    string

	recorder  *report.Recorder
	events    *report.Events
	streaming atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex
	result *crawler.Result
	err    error
}

func (j *job) finish(res *crawler.Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result, j.err = res, err
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

type jobView struct {
	ID      string             `json:"id"`
	URL     string             `json:"url"`
	Started time.Time          `json:"started"`
	Phase   crawler.Phase      `json:"phase"`
	Stats   crawler.CrawlStats `json:"stats"`
	Error   string             `json:"error,omitempty"`
	Result  *crawler.Result    `json:"result,omitempty"`
}

func (j *job) view() jobView {
	v := jobView{
		ID:      j.ID,
		URL:     j.URL,
		Started: j.Started,
		Phase:   j.recorder.Current(),
		Stats:   j.recorder.Stats(),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		v.Error = j.err.Error()
	}
	v.Result = j.result
	return v
}

type jobStore struct {
	mu   sync.RWMutex
	jobs map[string]*job
}

func newJobStore() *jobStore {
	return &jobStore{jobs: make(map[string]*job)}
}

func (s *jobStore) add(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

func (s *jobStore) get(id string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *jobStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// list returns jobs newest first.
func (s *jobStore) list() []*job {
	s.mu.RLock()
	out := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		return out[a].Started.After(out[b].Started)
	})
	return out
}

package crawler

import (
	"context"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc"

	"sitesnap/asset"
)

// downloadAll processes tasks in chunks of s.concurrency. A chunk starts
// only after every task of the previous one settled. Task failures are
// logged and never abort the batch.
func (s *Session) downloadAll(ctx context.Context, tasks []DownloadTask) {
	chunks := lo.Chunk(tasks, s.concurrency)
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			s.events.log(LevelWarning, "Download cancelled, %d chunks left", len(chunks)-i)
			return
		}

		var wg conc.WaitGroup
		for _, task := range chunk {
			wg.Go(func() { s.runTask(ctx, task) })
		}
		if r := wg.WaitAndRecover(); r != nil {
			s.events.log(LevelWarning, "Download worker panicked: %v", r.Value)
		}
	}
}

func (s *Session) runTask(ctx context.Context, task DownloadTask) {
	if !s.registry.Claim(task.URL) {
		return
	}

	s.events.log(LevelInfo, "Downloading %s %s", task.Kind, task.URL)
	body, err := s.fetcher.Fetch(ctx, task.URL, !task.Kind.IsText())
	if err != nil {
		s.events.log(LevelWarning, "Failed to download %s: %v", task.URL, err)
		return
	}

	folder := task.Kind.Folder()
	if task.Kind == asset.KindStylesheet {
		body = s.rewriteStylesheet(ctx, body, task.URL, folder)
	}
	s.store(task.URL, task.Kind, folder, body)
}

// store packages a fetched body and registers it. A body the packager
// rejects is never registered, so references to it stay untouched.
func (s *Session) store(u string, kind asset.Kind, folder string, body []byte) {
	a, err := s.registry.Store(u, kind, folder, int64(len(body)), func(a asset.Asset) error {
		return s.packager.Add(a.ArchivePath, body)
	})
	if err != nil {
		s.events.log(LevelWarning, "Failed to store %s: %v", u, err)
		return
	}
	s.events.downloaded(len(body))
	s.events.log(LevelSuccess, "Saved %s (%s)", a.ArchivePath, FormatBytes(a.Size))
}

package report

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"sitesnap/crawler"
)

const barTemplate = `{{ string . "prefix" }} {{ counters . }} {{ bar . }} {{ percent . }} {{ string . "bytes" }}`

// Console mirrors session telemetry to a zerolog logger and, when the
// output is a terminal, draws a download progress bar.
type Console struct {
	logger zerolog.Logger
	barOut io.Writer
	useBar bool

	mu  sync.Mutex
	bar *pb.ProgressBar
}

// NewConsole logs through logger. The progress bar is drawn on barOut only
// if it is a terminal.
func NewConsole(logger zerolog.Logger, barOut io.Writer) *Console {
	return &Console{
		logger: logger,
		barOut: barOut,
		useBar: isTerminal(barOut),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ZerologLevel maps a session log level onto zerolog.
func ZerologLevel(l crawler.Level) zerolog.Level {
	switch l {
	case crawler.LevelWarning:
		return zerolog.WarnLevel
	case crawler.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (c *Console) Log(e crawler.LogEntry) {
	ev := c.logger.WithLevel(ZerologLevel(e.Level)).
		Str("id", e.ID).
		Time("at", e.Timestamp)
	if e.Level == crawler.LevelSuccess {
		ev = ev.Bool("success", true)
	}
	ev.Msg(e.Message)
}

func (c *Console) UpdateStats(s crawler.CrawlStats) {
	if !c.useBar || s.AssetsFound == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bar == nil {
		c.bar = pb.New(s.AssetsFound)
		c.bar.SetTemplateString(barTemplate)
		c.bar.Set("prefix", "Downloading")
		c.bar.SetWriter(c.barOut)
		c.bar.SetMaxWidth(100)
		c.bar.SetRefreshRate(200 * time.Millisecond)
		c.bar.Start()
	}
	c.bar.SetTotal(int64(s.AssetsFound))
	c.bar.SetCurrent(int64(s.AssetsDownloaded))
	c.bar.Set("bytes", crawler.FormatBytes(s.TotalBytes))
}

func (c *Console) Phase(p crawler.Phase) {
	c.logger.Debug().Str("phase", string(p)).Msg("Phase changed")
	if p == crawler.PhaseFinished || p == crawler.PhaseError {
		c.mu.Lock()
		if c.bar != nil {
			c.bar.Finish()
			c.bar = nil
		}
		c.mu.Unlock()
	}
}

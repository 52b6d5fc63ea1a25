package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sitesnap/archive"
	"sitesnap/crawler"
	"sitesnap/report"
)

type archiveRequest struct {
	URL string `json:"url" binding:"required"`
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps a session error to an HTTP status.
func statusFor(err error) int {
	var invalid *crawler.InvalidURLError
	var page *crawler.PageError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &page):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) options() crawler.Options {
	return crawler.Options{Concurrency: s.cfg.Concurrency, Renderer: s.cfg.Renderer}
}

// sessionReporter mirrors telemetry to the server log in addition to the
// given reporters.
func (s *Server) sessionReporter(reporters ...crawler.Reporter) crawler.Reporter {
	return report.Multi(append(reporters, report.NewConsole(s.logger, io.Discard))...)
}

func attachment(c *gin.Context, host string, at time.Time) {
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, archive.FileName(host, at)))
}

// createArchive runs a session within the request and returns the bundle.
func (s *Server) createArchive(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := crawler.ParsePageURL(req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SessionTimeout)
	defer cancel()

	var buf bytes.Buffer
	rec := report.NewRecorder()
	sess := crawler.NewSession(s.fetcher, archive.NewZip(&buf), s.sessionReporter(rec), s.options())
	res, err := sess.Start(ctx, page.String())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "log": rec.Entries()})
		return
	}

	c.Header("X-Session-Id", res.SessionID)
	c.Header("X-Assets-Found", strconv.Itoa(res.Stats.AssetsFound))
	c.Header("X-Assets-Downloaded", strconv.Itoa(res.Stats.AssetsDownloaded))
	attachment(c, page.Host, time.Now())
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

// startSession runs a session in the background and answers right away.
func (s *Server) startSession(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := crawler.ParsePageURL(req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	bundle, err := archive.CreateFile(s.fs, id+".zip")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rec := report.NewRecorder()
	events := report.NewEvents(s.cfg.EventBuffer)
	opts := s.options()
	opts.ID = id
	sess := crawler.NewSession(s.fetcher, bundle, s.sessionReporter(rec, events), opts)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SessionTimeout)
	j := &job{
		ID:       sess.ID,
		URL:      page.String(),
		Host:     page.Host,
		Started:  time.Now(),
		path:     bundle.Path(),
		recorder: rec,
		events:   events,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.jobs.add(j)

	go func() {
		defer close(j.done)
		defer events.Close()
		defer cancel()
		res, err := sess.Start(ctx, j.URL)
		if err != nil {
			_ = bundle.Abort()
		}
		j.finish(res, err)
	}()

	c.JSON(http.StatusAccepted, j.view())
}

func (s *Server) listSessions(c *gin.Context) {
	jobs := s.jobs.list()
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.view())
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) lookup(c *gin.Context) (*job, bool) {
	j, ok := s.jobs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	}
	return j, ok
}

func (s *Server) getSession(c *gin.Context) {
	j, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": j.view(), "log": j.recorder.Entries()})
}

// streamDone closes an event stream. Dropped counts events that did not fit
// the buffer; the full log stays available from getSession.
type streamDone struct {
	jobView
	Dropped int `json:"dropped"`
}

// streamEvents relays session telemetry as server-sent events. The stream
// can be consumed once per session.
func (s *Server) streamEvents(c *gin.Context) {
	j, ok := s.lookup(c)
	if !ok {
		return
	}
	if !j.streaming.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "events already streamed"})
		return
	}

	ch := j.events.C()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				<-j.done
				c.SSEvent("done", streamDone{jobView: j.view(), Dropped: j.events.Dropped()})
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) downloadArchive(c *gin.Context) {
	j, ok := s.lookup(c)
	if !ok {
		return
	}
	if !j.finished() {
		c.JSON(http.StatusConflict, gin.H{"error": "session still running", "phase": j.recorder.Current()})
		return
	}
	if v := j.view(); v.Error != "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no archive: " + v.Error})
		return
	}

	f, err := s.fs.Open(j.path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	attachment(c, j.Host, j.Started)
	c.DataFromReader(http.StatusOK, info.Size(), "application/zip", f, nil)
}

// deleteSession cancels a running session and removes its bundle.
func (s *Server) deleteSession(c *gin.Context) {
	j, ok := s.lookup(c)
	if !ok {
		return
	}
	j.cancel()
	<-j.done
	if err := s.fs.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Str("id", j.ID).Msg("Failed to remove archive")
	}
	s.jobs.remove(j.ID)
	c.Status(http.StatusNoContent)
}

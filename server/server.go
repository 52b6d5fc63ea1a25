package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"sitesnap/crawler"
)

const defaultEventBuffer = 256

type Config struct {
	SessionTimeout time.Duration
	Concurrency    int
	Renderer       crawler.Renderer
	// EventBuffer is the number of events held for a session's stream
	// subscriber. Events past it are dropped and counted.
	EventBuffer int
}

// Server exposes archiving sessions over HTTP. Finished bundles of
// background sessions are kept on fs.
type Server struct {
	fetcher crawler.Fetcher
	fs      afero.Fs
	cfg     Config
	logger  zerolog.Logger
	jobs    *jobStore

	ctx    context.Context
	cancel context.CancelFunc
}

func New(fetcher crawler.Fetcher, fs afero.Fs, cfg Config, logger zerolog.Logger) *Server {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 2 * time.Minute
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		fetcher: fetcher,
		fs:      fs,
		cfg:     cfg,
		logger:  logger,
		jobs:    newJobStore(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(s.logger))
	router.Use(recovery(s.logger))

	router.GET("/health", healthCheck)

	api := router.Group("/api")
	{
		api.POST("/archives", s.createArchive)

		sessions := api.Group("/sessions")
		{
			sessions.GET("", s.listSessions)
			sessions.POST("", s.startSession)
			sessions.GET("/:id", s.getSession)
			sessions.GET("/:id/events", s.streamEvents)
			sessions.GET("/:id/archive", s.downloadArchive)
			sessions.DELETE("/:id", s.deleteSession)
		}
	}
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
// and cancels running background sessions.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

// Close cancels background sessions.
func (s *Server) Close() {
	s.cancel()
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}

func recovery(logger zerolog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("Handler panicked")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		c.Abort()
	})
}

package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitesnap/archive"
	"sitesnap/config"
	"sitesnap/crawler"
	"sitesnap/downloader"
	"sitesnap/report"
	"sitesnap/server"
)

var version = "dev"

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	logger  zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New(), logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:           "sitesnap",
		Short:         "Archive a web page and its assets into a single zip",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindFlags(a.v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = setupLogging(cfg.LogLevel, cmd.ErrOrStderr())
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ./sitesnap.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.Int("concurrency", crawler.DefaultConcurrency, "assets downloaded in parallel")
	pf.StringSlice("relays", downloader.DefaultRelays, `fetch relays in order; "direct" or a template containing {url}`)
	pf.Duration("fetch-timeout", downloader.DefaultTimeout, "timeout per fetch attempt")
	pf.Int64("max-asset-size", downloader.DefaultMaxSize, "maximum body size in bytes")
	pf.String("user-agent", downloader.DefaultUserAgent, "HTTP User-Agent header")
	pf.Float64("rate-limit", 0, "requests per second per relay host, 0 disables")
	pf.Int("rate-burst", 1, "rate limiter burst")
	pf.Bool("render", false, "render the page in headless Chrome before archiving")
	pf.Duration("render-wait", config.DefaultRenderWait, "time to let scripts run when rendering")

	root.AddCommand(newArchiveCmd(a), newServeCmd(a), newVersionCmd())
	return root
}

func setupLogging(level string, out io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func (a *app) client() (*downloader.Client, error) {
	return downloader.NewClient(a.cfg.Downloader(), a.logger)
}

func (a *app) renderer() crawler.Renderer {
	if !a.cfg.Render {
		return nil
	}
	return downloader.NewChromeRenderer(a.cfg.RenderWait, a.cfg.FetchTimeout, a.cfg.UserAgent, a.logger)
}

func newArchiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <url>",
		Short: "Download a page with its assets and write a zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := crawler.ParsePageURL(args[0])
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}

			name := filepath.Join(a.cfg.OutputDir, archive.FileName(page.Host, time.Now()))
			bundle, err := archive.CreateFile(afero.NewOsFs(), name)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := crawler.Options{Concurrency: a.cfg.Concurrency, Renderer: a.renderer()}
			sess := crawler.NewSession(client, bundle, report.NewConsole(a.logger, cmd.ErrOrStderr()), opts)
			res, err := sess.Start(ctx, page.String())
			if err != nil {
				_ = bundle.Abort()
				return err
			}

			a.logger.Info().
				Str("archive", bundle.Path()).
				Int("assets", res.Stats.AssetsDownloaded).
				Int("failed", res.Stats.AssetsFound-res.Stats.AssetsDownloaded).
				Dur("took", res.Duration).
				Msg("Archive written")
			fmt.Fprintln(cmd.OutOrStdout(), bundle.Path())
			return nil
		},
	}
	cmd.Flags().String("output-dir", config.DefaultOutputDir, "directory for archives")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the archiver over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			osFs := afero.NewOsFs()
			if err := osFs.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}

			srv := server.New(client, afero.NewBasePathFs(osFs, a.cfg.OutputDir), server.Config{
				SessionTimeout: a.cfg.Server.SessionTimeout,
				Concurrency:    a.cfg.Concurrency,
				Renderer:       a.renderer(),
			}, a.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, a.cfg.Server.Addr)
		},
	}
	cmd.Flags().String("output-dir", config.DefaultOutputDir, "directory for background session archives")
	cmd.Flags().String("addr", config.DefaultServerAddr, "listen address")
	cmd.Flags().Duration("session-timeout", config.DefaultSessionTimeout, "maximum duration of one session")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sitesnap", version)
		},
	}
}

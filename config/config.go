package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"sitesnap/crawler"
	"sitesnap/downloader"
)

const (
	EnvPrefix = "SITESNAP"
	FileName  = "sitesnap"

	DefaultOutputDir      = "./archives"
	DefaultRenderWait     = 2 * time.Second
	DefaultServerAddr     = ":8080"
	DefaultSessionTimeout = 2 * time.Minute
)

type Config struct {
	Concurrency  int
	Relays       []string
	FetchTimeout time.Duration
	MaxAssetSize int64
	UserAgent    string
	RateLimit    float64
	RateBurst    int
	OutputDir    string
	Render       bool
	RenderWait   time.Duration
	LogLevel     string
	Server       ServerConfig
}

type ServerConfig struct {
	Addr           string
	SessionTimeout time.Duration
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("concurrency", crawler.DefaultConcurrency)
	v.SetDefault("relays", downloader.DefaultRelays)
	v.SetDefault("fetch_timeout", downloader.DefaultTimeout)
	v.SetDefault("max_asset_size", downloader.DefaultMaxSize)
	v.SetDefault("user_agent", downloader.DefaultUserAgent)
	v.SetDefault("rate_limit", 0.0)
	v.SetDefault("rate_burst", 1)
	v.SetDefault("output_dir", DefaultOutputDir)
	v.SetDefault("render", false)
	v.SetDefault("render_wait", DefaultRenderWait)
	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.session_timeout", DefaultSessionTimeout)
}

// New returns a viper instance with defaults, env binding and the config
// file search path set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	return v
}

// BindFlags binds command flags by their viper key. Flag names use dashes
// where keys use underscores.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if key == "addr" || key == "session_timeout" {
			key = "server." + key
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = bindErr
		}
	})
	return err
}

// Load reads the optional config file (explicit path or sitesnap.yaml in
// the working directory) and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		Concurrency:  v.GetInt("concurrency"),
		Relays:       v.GetStringSlice("relays"),
		FetchTimeout: v.GetDuration("fetch_timeout"),
		MaxAssetSize: v.GetInt64("max_asset_size"),
		UserAgent:    v.GetString("user_agent"),
		RateLimit:    v.GetFloat64("rate_limit"),
		RateBurst:    v.GetInt("rate_burst"),
		OutputDir:    v.GetString("output_dir"),
		Render:       v.GetBool("render"),
		RenderWait:   v.GetDuration("render_wait"),
		LogLevel:     v.GetString("log_level"),
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			SessionTimeout: v.GetDuration("server.session_timeout"),
		},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if len(c.Relays) == 0 {
		errs = append(errs, errors.New("at least one relay is required"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch_timeout must be positive"))
	}
	if c.MaxAssetSize <= 0 {
		errs = append(errs, errors.New("max_asset_size must be positive"))
	}
	if c.Server.SessionTimeout <= 0 {
		errs = append(errs, errors.New("server.session_timeout must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Downloader returns the relay client settings.
func (c Config) Downloader() downloader.Config {
	return downloader.Config{
		Relays:    c.Relays,
		Timeout:   c.FetchTimeout,
		MaxSize:   c.MaxAssetSize,
		UserAgent: c.UserAgent,
		RateLimit: c.RateLimit,
		RateBurst: c.RateBurst,
	}
}

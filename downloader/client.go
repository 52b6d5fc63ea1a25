package downloader

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"
)

const (
	DefaultTimeout   = 20 * time.Second
	DefaultMaxSize   = 25 * 1024 * 1024 // 25MB
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"

	// DirectRelay fetches the target without an intermediary.
	DirectRelay = "direct"

	urlPlaceholder = "{url}"
)

// DefaultRelays is the relay order used when none is configured.
var DefaultRelays = []string{
	DirectRelay,
	"https://corsproxy.io/?url={url}",
	"https://api.allorigins.win/raw?url={url}",
}

// Config controls the relay client.
type Config struct {
	Relays    []string
	Timeout   time.Duration
	MaxSize   int64
	UserAgent string
	RateLimit float64 // requests per second per relay host, 0 disables
	RateBurst int
}

// Client fetches URLs through an ordered list of relays, trying each relay
// once per call until one succeeds.
type Client struct {
	client    *http.Client
	relays    []string
	timeout   time.Duration
	maxSize   int64
	userAgent string
	limiter   *hostLimiter
	log       zerolog.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if len(cfg.Relays) == 0 {
		cfg.Relays = DefaultRelays
	}
	for _, r := range cfg.Relays {
		if err := validateRelay(r); err != nil {
			return nil, err
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(r *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				logger.Debug().Str("from", via[len(via)-1].URL.String()).Str("to", r.URL.String()).Msg("redirect")
				return nil
			},
		},
		relays:    append([]string(nil), cfg.Relays...),
		timeout:   cfg.Timeout,
		maxSize:   cfg.MaxSize,
		userAgent: cfg.UserAgent,
		limiter:   newHostLimiter(cfg.RateLimit, cfg.RateBurst),
		log:       logger,
	}, nil
}

// Relays returns the configured relay order.
func (c *Client) Relays() []string {
	return append([]string(nil), c.relays...)
}

// Fetch downloads target. Text bodies (binary == false) are decoded to
// UTF-8 using the declared or sniffed charset. When every relay fails the
// error is an *AllRelaysFailedError.
func (c *Client) Fetch(ctx context.Context, target string, binary bool) ([]byte, error) {
	failed := &AllRelaysFailedError{URL: target}

	for _, relay := range c.relays {
		if err := ctx.Err(); err != nil {
			failed.Attempts = append(failed.Attempts, RelayAttempt{Relay: relay, Err: err})
			failed.Last = err
			return nil, failed
		}

		body, err := c.fetchVia(ctx, relay, target, binary)
		if err == nil {
			c.log.Debug().Str("url", target).Str("relay", relay).Int("bytes", len(body)).Msg("fetched")
			return body, nil
		}
		c.log.Debug().Err(err).Str("url", target).Str("relay", relay).Msg("relay failed")
		failed.Attempts = append(failed.Attempts, RelayAttempt{Relay: relay, Err: err})
		failed.Last = err
	}

	return nil, failed
}

func (c *Client) fetchVia(ctx context.Context, relay, target string, binary bool) ([]byte, error) {
	reqURL, err := relayURL(relay, target)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if err := c.limiter.Wait(ctx, parsed.Host); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if relay == DirectRelay {
		if t, err := url.Parse(target); err == nil {
			req.Header.Set("Referer", t.Scheme+"://"+t.Host+"/")
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: reqURL, StatusCode: resp.StatusCode}
	}

	return c.readBody(resp, binary)
}

func (c *Client) readBody(resp *http.Response, binary bool) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}

	if !binary {
		decoded, err := charset.NewReader(reader, resp.Header.Get("Content-Type"))
		if err != nil {
			return nil, fmt.Errorf("charset decode: %w", err)
		}
		reader = decoded
	}

	body, err := io.ReadAll(io.LimitReader(reader, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxSize)
	}
	return body, nil
}

func validateRelay(relay string) error {
	if relay == DirectRelay {
		return nil
	}
	if !strings.Contains(relay, urlPlaceholder) {
		return fmt.Errorf("%w %q: missing %s placeholder", ErrInvalidRelay, relay, urlPlaceholder)
	}
	u, err := url.Parse(strings.ReplaceAll(relay, urlPlaceholder, "x"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w %q: not an absolute http(s) URL", ErrInvalidRelay, relay)
	}
	return nil
}

// relayURL builds the request URL that reaches target through relay.
func relayURL(relay, target string) (string, error) {
	if relay == DirectRelay {
		return target, nil
	}
	if err := validateRelay(relay); err != nil {
		return "", err
	}
	return strings.ReplaceAll(relay, urlPlaceholder, url.QueryEscape(target)), nil
}

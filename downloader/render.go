package downloader

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// ChromeRenderer loads a page in headless Chrome and returns the rendered
// DOM. It is only used for the top-level page.
type ChromeRenderer struct {
	wait      time.Duration
	timeout   time.Duration
	userAgent string
	log       zerolog.Logger
}

func NewChromeRenderer(wait, timeout time.Duration, userAgent string, logger zerolog.Logger) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &ChromeRenderer{wait: wait, timeout: timeout, userAgent: userAgent, log: logger}
}

// Render navigates to target, waits for the DOM to settle and returns the
// outer HTML of the document.
func (r *ChromeRenderer) Render(ctx context.Context, target string) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(r.userAgent),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	taskCtx, cancel = context.WithTimeout(taskCtx, r.timeout)
	defer cancel()

	r.log.Debug().Str("url", target).Msg("rendering page")

	var res string
	err := chromedp.Run(taskCtx,
		chromedp.EmulateViewport(1920, 1080),
		chromedp.Navigate(target),
		chromedp.Sleep(r.wait),
		chromedp.OuterHTML("html", &res),
	)
	if err != nil {
		return nil, err
	}
	return []byte(res), nil
}

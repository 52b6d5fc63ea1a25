package downloader

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter applies a token bucket per relay host.
type hostLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostLimiter(rps float64, burst int) *hostLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the host may receive another request.
func (h *hostLimiter) Wait(ctx context.Context, host string) error {
	if h == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[host] = l
	}
	h.mu.Unlock()

	return l.Wait(ctx)
}

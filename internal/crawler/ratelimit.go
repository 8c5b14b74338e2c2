package crawler

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostRateLimiter enforces the per-host politeness delay from spec §4.5.2
// ("Rate limiting and politeness"), one token-bucket limiter per host,
// adapted from the pack's golang.org/x/time/rate-based RateLimiter to key
// by host rather than apply a single global rate.
type HostRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	delay    time.Duration
}

// NewHostRateLimiter builds a limiter enforcing at most one request per
// perHostDelay for each distinct host.
func NewHostRateLimiter(perHostDelay time.Duration) *HostRateLimiter {
	if perHostDelay <= 0 {
		perHostDelay = 500 * time.Millisecond
	}
	return &HostRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		delay:    perHostDelay,
	}
}

// Wait blocks until rawURL's host may be fetched again.
func (h *HostRateLimiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	if host == "" {
		return nil
	}
	return h.limiterFor(host).Wait(ctx)
}

func (h *HostRateLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(h.delay), 1)
		h.limiters[host] = l
	}
	return l
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

package main

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	rateLimitWindow  = 2 * time.Minute // window duration for rate limiting
	rateLimitBurst   = 10              // max connect requests per rateLimitWindow
	rateLimitEntries = 1 << 16         // tracked source IPs; least recently seen are evicted
)

// connectLimiter enforces per-IP rate limiting on connect requests.
// Memory is bounded by the LRU, so spoofed floods only churn the cache.
type connectLimiter struct {
	limiters *lru.Cache[netip.Addr, *rate.Limiter]
	clock    clock.Clock
	limit    rate.Limit
	burst    int
}

func newConnectLimiter(clk clock.Clock) *connectLimiter {
	//nolint:errcheck // size is a positive constant
	cache, _ := lru.New[netip.Addr, *rate.Limiter](rateLimitEntries)
	return &connectLimiter{
		limiters: cache,
		clock:    clk,
		limit:    rate.Every(rateLimitWindow / rateLimitBurst),
		burst:    rateLimitBurst,
	}
}

// Allow reports whether addr may receive another connection ID now.
// When it may not, the returned duration is how long until it can retry.
func (l *connectLimiter) Allow(addr netip.Addr) (bool, time.Duration) {
	addr = addr.Unmap()
	lim, ok := l.limiters.Get(addr)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.limiters.PeekOrAdd(addr, lim); found {
			lim = prev
		}
	}

	now := l.clock.Now()
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

package main

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestConnectLimiter_Burst(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(testStart)
	l := newConnectLimiter(clk)
	addr := netip.MustParseAddr("93.184.216.34")

	for i := range rateLimitBurst {
		ok, _ := l.Allow(addr)
		assert.True(t, ok, "request %d within burst", i)
	}

	ok, retry := l.Allow(addr)
	assert.False(t, ok)
	assert.InDelta(t, float64(rateLimitWindow/rateLimitBurst), float64(retry), float64(time.Millisecond))
}

func TestConnectLimiter_Refill(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(testStart)
	l := newConnectLimiter(clk)
	addr := netip.MustParseAddr("93.184.216.34")

	for range rateLimitBurst {
		l.Allow(addr)
	}
	ok, _ := l.Allow(addr)
	assert.False(t, ok)

	// a rejected request does not consume a token
	clk.Add(rateLimitWindow/rateLimitBurst + time.Second)
	ok, _ = l.Allow(addr)
	assert.True(t, ok)
	ok, _ = l.Allow(addr)
	assert.False(t, ok)

	clk.Add(rateLimitWindow)
	for range rateLimitBurst {
		ok, _ = l.Allow(addr)
		assert.True(t, ok)
	}
}

func TestConnectLimiter_PerAddress(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(testStart)
	l := newConnectLimiter(clk)
	a := netip.MustParseAddr("93.184.216.34")
	b := netip.MustParseAddr("93.184.216.35")

	for range rateLimitBurst {
		l.Allow(a)
	}
	ok, _ := l.Allow(a)
	assert.False(t, ok)

	// the mapped form is the same client
	ok, _ = l.Allow(netip.MustParseAddr("::ffff:93.184.216.34"))
	assert.False(t, ok)

	ok, _ = l.Allow(b)
	assert.True(t, ok)
}

package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Protocol constants for the UDP Tracker Protocol (BEP 15)
// https://bittorrent.org/beps/bep_0015.html
const (
	protocolID = 0x41727101980 // fixed "magic constant"

	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2
	actionError    = 3

	maxPacketSize       = 2048 // read buffer; a full 74-hash scrape is 1496 bytes
	maxScrapeHashes     = 74   // (1500 - 16) / 20, keeps the response under the MTU
	maxPeersPerPacketV4 = 200  // IPv4: 200 * 6 peers = 1220 bytes (under 1500 MTU)
	maxPeersPerPacketV6 = 82   // IPv6: 82 * 18 peers = 1496 bytes (under 1500 MTU)
	defaultNumWant      = 50   // default number of peers to return when client doesn't specify

	// A connection ID is accepted in the bucket it was issued in and the one
	// after, so it lives at least connectionIDBucket and less than connectionIDExpiry.
	connectionIDExpiry = 2 * time.Minute // per BEP 15
	connectionIDBucket = connectionIDExpiry / 2
)

// ConnectionIDAuthority issues and validates syn-cookie connection IDs.
// An ID is HMAC-SHA256(secret, client_ip + time_bucket)[0:8]; nothing is stored,
// so a flood of spoofed connects costs no memory.
type ConnectionIDAuthority struct {
	clock clock.Clock
	pool  sync.Pool
}

// NewConnectionIDAuthority returns an authority keyed with secret.
func NewConnectionIDAuthority(secret [32]byte, clk clock.Clock) *ConnectionIDAuthority {
	a := &ConnectionIDAuthority{clock: clk}
	a.pool.New = func() any {
		return hmac.New(sha256.New, secret[:])
	}
	return a
}

// deriveSecret stretches an operator supplied secret to the HMAC key size.
func deriveSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

func (a *ConnectionIDAuthority) bucket(t time.Time) uint64 {
	//nolint:gosec // unix time is positive
	return uint64(t.UnixNano() / int64(connectionIDBucket))
}

func (a *ConnectionIDAuthority) sign(addr netip.Addr, bucket uint64) uint64 {
	mac := a.pool.Get().(hash.Hash)
	defer a.pool.Put(mac)
	mac.Reset()

	ip := addr.Unmap().As16()
	mac.Write(ip[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bucket)
	mac.Write(b[:])

	var sum [sha256.Size]byte
	return binary.BigEndian.Uint64(mac.Sum(sum[:0])[:8])
}

// Issue creates the connection ID for addr at the current time.
func (a *ConnectionIDAuthority) Issue(addr netip.Addr) uint64 {
	return a.sign(addr, a.bucket(a.clock.Now()))
}

// Validate reports whether id was issued to addr in the current or previous bucket.
func (a *ConnectionIDAuthority) Validate(id uint64, addr netip.Addr) bool {
	now := a.bucket(a.clock.Now())
	var got, want [8]byte
	binary.BigEndian.PutUint64(got[:], id)

	binary.BigEndian.PutUint64(want[:], a.sign(addr, now))
	if hmac.Equal(got[:], want[:]) {
		return true
	}
	binary.BigEndian.PutUint64(want[:], a.sign(addr, now-1))
	return hmac.Equal(got[:], want[:])
}

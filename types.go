package main

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"
)

// HashID represents a 20-byte identifier (info_hash or peer_id)
// Per BEP 15, both info_hash and peer_id are exactly 20 bytes (SHA-1 hash length)
// Used as map keys to avoid 40-byte hex string overhead (saves 20 bytes per key)
type HashID [20]byte

// NewHashID creates a HashID from a byte slice.
// Caller must ensure b has at least 20 bytes (packet validation happens before this).
// If b > 20 bytes, only the first 20 are used.
func NewHashID(b []byte) HashID {
	var h HashID
	copy(h[:], b)
	return h
}

// ParseHashID decodes a 40 character hex string.
func ParseHashID(s string) (HashID, error) {
	var h HashID
	if len(s) != 2*len(h) {
		return h, fmt.Errorf("invalid hash length %d, expected 40 hex chars", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hex string: %w", err)
	}
	return h, nil
}

func (h HashID) String() string {
	return hex.EncodeToString(h[:])
}

// Event is the announce event field.
type Event uint32

const (
	EventNone      Event = 0 // regular update
	EventCompleted Event = 1
	EventStarted   Event = 2
	EventStopped   Event = 3
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("event(%d)", uint32(e))
	}
}

// PeerEntry is one peer of a swarm. Every announce replaces the stored entry.
//
//nolint:govet // Field alignment is acceptable
type PeerEntry struct {
	LastAnnounced time.Time
	Addr          netip.Addr
	Uploaded      uint64
	Downloaded    uint64
	Left          uint64
	ID            HashID
	Event         Event
	Port          uint16
}

// IsSeeder reports whether the peer holds the complete content.
func (p *PeerEntry) IsSeeder() bool {
	return p.Left == 0
}

// AddrPort returns the address other peers should connect to.
func (p *PeerEntry) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.Addr, p.Port)
}

// TorrentStats are the counts of one swarm. Seeders and Leechers are derived
// from the peer set; Completed is the number of finished downloads seen.
type TorrentStats struct {
	InfoHash  HashID `json:"-"`
	Seeders   uint32 `json:"seeders"`
	Leechers  uint32 `json:"leechers"`
	Completed uint32 `json:"completed"`
	Static    bool   `json:"static"`
}

// Peers returns the live peer count.
func (s TorrentStats) Peers() uint32 {
	return s.Seeders + s.Leechers
}

// PruneResult summarizes one cleanup sweep.
type PruneResult struct {
	Peers    int
	Torrents int
}

// Snapshot is a point-in-time view of the registry for the admin surface.
type Snapshot struct {
	PerHash   map[string]TorrentStats `json:"per_torrent"`
	Torrents  int                     `json:"torrents"`
	Peers     int                     `json:"peers"`
	Seeders   int                     `json:"seeders"`
	Leechers  int                     `json:"leechers"`
	Completed int                     `json:"completed"`
}

func newSnapshot() Snapshot {
	return Snapshot{PerHash: make(map[string]TorrentStats)}
}

func (s *Snapshot) add(st TorrentStats) {
	s.Torrents++
	s.Seeders += int(st.Seeders)
	s.Leechers += int(st.Leechers)
	s.Peers += int(st.Seeders + st.Leechers)
	s.Completed += int(st.Completed)
	s.PerHash[st.InfoHash.String()] = st
}

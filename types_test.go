package main

import (
	"encoding/json"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// per BEP 15, both info_hash and peer_id are 20 bytes
func TestHashID_NewHashID(t *testing.T) {
	t.Run("creates HashID from exactly 20 bytes", func(t *testing.T) {
		data := []byte("12345678901234567890")
		h := NewHashID(data)
		assert.Equal(t, data, h[:])
	})

	t.Run("creates HashID from more than 20 bytes (uses first 20)", func(t *testing.T) {
		h := NewHashID([]byte("12345678901234567890extra"))
		assert.Equal(t, []byte("12345678901234567890"), h[:])
	})
}

func TestHashID_String(t *testing.T) {
	h := hashOf(0xab)
	assert.Equal(t, strings.Repeat("ab", 20), h.String())
}

func TestParseHashID(t *testing.T) {
	h, err := ParseHashID("a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0", h.String())

	h, err = ParseHashID("A1B2C3D4E5F6A7B8C9D0E1F2A3B4C5D6E7F8A9B0")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0", h.String())

	for _, bad := range []string{"", "abc", strings.Repeat("z", 40), strings.Repeat("a", 41)} {
		_, err := ParseHashID(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "none", EventNone.String())
	assert.Equal(t, "completed", EventCompleted.String())
	assert.Equal(t, "started", EventStarted.String())
	assert.Equal(t, "stopped", EventStopped.String())
	assert.Equal(t, "event(9)", Event(9).String())
}

func TestPeerEntry(t *testing.T) {
	p := PeerEntry{Addr: netip.MustParseAddr("1.2.3.4"), Port: 6881}
	assert.True(t, p.IsSeeder())
	assert.Equal(t, netip.MustParseAddrPort("1.2.3.4:6881"), p.AddrPort())

	p.Left = 1
	assert.False(t, p.IsSeeder())
}

func TestSnapshot_JSON(t *testing.T) {
	snap := newSnapshot()
	snap.add(TorrentStats{InfoHash: hashOf(1), Seeders: 2, Leechers: 1, Completed: 4})
	snap.add(TorrentStats{InfoHash: hashOf(2), Static: true})

	assert.Equal(t, 2, snap.Torrents)
	assert.Equal(t, 3, snap.Peers)
	assert.Equal(t, 4, snap.Completed)

	b, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.InDelta(t, 2, decoded["torrents"], 0)
	perTorrent := decoded["per_torrent"].(map[string]any)
	assert.Contains(t, perTorrent, hashOf(1).String())
	assert.NotContains(t, perTorrent[hashOf(1).String()], "InfoHash")
}

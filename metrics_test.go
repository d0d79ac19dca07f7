package main

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCollector(t *testing.T) {
	snap := newSnapshot()
	snap.add(TorrentStats{InfoHash: hashOf(1), Seeders: 2, Leechers: 1})
	snap.add(TorrentStats{InfoHash: hashOf(2), Leechers: 4})

	c := newRegistryCollector(func() (Snapshot, error) { return snap, nil })

	expected := `
# HELP udpt_leechers Peers still downloading.
# TYPE udpt_leechers gauge
udpt_leechers 5
# HELP udpt_peers Peers in the registry.
# TYPE udpt_peers gauge
udpt_peers 7
# HELP udpt_seeders Peers with nothing left to download.
# TYPE udpt_seeders gauge
udpt_seeders 2
# HELP udpt_torrents Torrents in the registry.
# TYPE udpt_torrents gauge
udpt_torrents 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestRegistryCollector_SnapshotError(t *testing.T) {
	c := newRegistryCollector(func() (Snapshot, error) { return Snapshot{}, errStorageDown })

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	_, err := reg.Gather()
	require.Error(t, err)
	assert.Contains(t, err.Error(), errStorageDown.Error())
}

func TestMetrics_TrackerRegistry(t *testing.T) {
	tt := setupTracker(t, testConfig())
	tt.mustAnnounce(t, peerA, AnnounceRequest{InfoHash: hashOf(1), PeerID: hashOf(0xa), Left: 1})

	expected := `
# HELP udpt_requests_total Decoded requests by action.
# TYPE udpt_requests_total counter
udpt_requests_total{action="announce"} 1
udpt_requests_total{action="connect"} 1
# HELP udpt_torrents Torrents in the registry.
# TYPE udpt_torrents gauge
udpt_torrents 1
`
	require.NoError(t, testutil.GatherAndCompare(tt.metrics.registry, strings.NewReader(expected),
		"udpt_requests_total", "udpt_torrents"))
}

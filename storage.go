package main

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

// ErrTorrentNotFound is returned when a torrent is not in the registry, or
// is not registered, and the caller did not ask for it to be created.
var ErrTorrentNotFound = errors.New("torrent not found")

// Storage is the torrent/peer registry. Implementations must be safe for
// concurrent use by the packet workers and the cleanup scheduler, and must
// keep seeder/leecher counts equal to the number of peers with left == 0 / left > 0.
type Storage interface {
	// GetTorrent returns the counts of a torrent and whether it exists.
	GetTorrent(infoHash HashID) (TorrentStats, bool, error)

	// UpsertPeer stores peer, replacing any previous entry with the same ID.
	// When create is true a missing torrent is created. Otherwise the torrent
	// must exist and be registered, checked atomically with the write, or
	// ErrTorrentNotFound is returned and nothing is stored.
	UpsertPeer(infoHash HashID, peer PeerEntry, create bool) (TorrentStats, error)

	// RemovePeer deletes a peer. Missing torrents and peers are not an error.
	RemovePeer(infoHash, peerID HashID) (TorrentStats, error)

	// Peers returns up to numWant peers of one address family, excluding exclude.
	Peers(infoHash, exclude HashID, numWant int, v6 bool) ([]netip.AddrPort, error)

	// ScrapeCounts returns the counts of a torrent, zero when unknown.
	ScrapeCounts(infoHash HashID) (TorrentStats, error)

	// PruneExpired removes peers that last announced before horizon, then
	// removes torrents left without peers that are not registered.
	PruneExpired(horizon time.Time) (PruneResult, error)

	// RegisterTorrent creates the torrent if needed and marks it static.
	RegisterTorrent(infoHash HashID) error

	// UnregisterTorrent clears the static mark; the torrent itself is
	// removed by PruneExpired once it has no peers.
	UnregisterTorrent(infoHash HashID) error

	Snapshot() (Snapshot, error)
	Close() error
}

const (
	driverMemory = "memory"
	driverBadger = "badger"
)

// openStorage builds the backend selected by the database configuration.
func openStorage(cfg config, logger *zap.Logger) (Storage, error) {
	switch cfg.DBDriver {
	case driverMemory, "":
		return NewMemoryStorage(logger), nil
	case driverBadger:
		return OpenBadgerStorage(cfg.DBPath, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.DBDriver)
	}
}

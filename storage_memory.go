package main

import (
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memoryPeer struct {
	PeerEntry
	completed bool // counted in memoryTorrent.completed
}

type memoryTorrent struct {
	peers     map[HashID]*memoryPeer
	mu        sync.RWMutex
	seeders   int
	leechers  int
	completed int
	static    bool
	removed   bool // deleted from the registry; holders must look it up again
}

// MemoryStorage keeps the registry in process memory.
// Lock ordering: storage -> torrent.
type MemoryStorage struct {
	torrents map[HashID]*memoryTorrent
	log      *zap.Logger
	mu       sync.RWMutex
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty in-memory registry.
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	return &MemoryStorage{
		torrents: make(map[HashID]*memoryTorrent),
		log:      logger,
	}
}

func newMemoryTorrent() *memoryTorrent {
	return &memoryTorrent{peers: make(map[HashID]*memoryPeer)}
}

// stats must be called with t.mu held.
func (t *memoryTorrent) stats(hash HashID) TorrentStats {
	//nolint:gosec // seeders/leechers/completed are bounded int counts
	return TorrentStats{
		InfoHash:  hash,
		Seeders:   uint32(t.seeders),
		Leechers:  uint32(t.leechers),
		Completed: uint32(t.completed),
		Static:    t.static,
	}
}

// putPeer and dropPeer are the only places that touch the seeder/leecher
// counters, so the counters always match the peer map. Callers hold t.mu.
func (t *memoryTorrent) putPeer(p *memoryPeer) {
	t.dropPeer(p.ID)
	if p.IsSeeder() {
		t.seeders++
	} else {
		t.leechers++
	}
	t.peers[p.ID] = p
}

func (t *memoryTorrent) dropPeer(id HashID) (*memoryPeer, bool) {
	p, ok := t.peers[id]
	if !ok {
		return nil, false
	}
	if p.IsSeeder() {
		t.seeders--
	} else {
		t.leechers--
	}
	delete(t.peers, id)
	return p, true
}

func (s *MemoryStorage) getTorrent(hash HashID) *memoryTorrent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.torrents[hash]
}

func (s *MemoryStorage) getOrCreateTorrent(hash HashID) *memoryTorrent {
	if t := s.getTorrent(hash); t != nil {
		return t
	}

	s.mu.Lock()
	if t, ok := s.torrents[hash]; ok {
		s.mu.Unlock()
		return t
	}
	t := newMemoryTorrent()
	s.torrents[hash] = t
	s.mu.Unlock()
	s.log.Info("created new torrent", zap.Stringer("info_hash", hash))
	return t
}

// lockTorrent returns the torrent write-locked, creating it when create is set.
// It returns nil when the torrent does not exist (and create is false).
func (s *MemoryStorage) lockTorrent(hash HashID, create bool) *memoryTorrent {
	for {
		var t *memoryTorrent
		if create {
			t = s.getOrCreateTorrent(hash)
		} else if t = s.getTorrent(hash); t == nil {
			return nil
		}
		t.mu.Lock()
		if !t.removed {
			return t
		}
		// lost a race with cleanup, the entry is gone from the map
		t.mu.Unlock()
	}
}

func (s *MemoryStorage) GetTorrent(infoHash HashID) (TorrentStats, bool, error) {
	t := s.getTorrent(infoHash)
	if t == nil {
		return TorrentStats{InfoHash: infoHash}, false, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.removed {
		return TorrentStats{InfoHash: infoHash}, false, nil
	}
	return t.stats(infoHash), true, nil
}

func (s *MemoryStorage) UpsertPeer(infoHash HashID, peer PeerEntry, create bool) (TorrentStats, error) {
	t := s.lockTorrent(infoHash, create)
	if t == nil {
		return TorrentStats{InfoHash: infoHash}, ErrTorrentNotFound
	}
	defer t.mu.Unlock()
	if !create && !t.static {
		return TorrentStats{InfoHash: infoHash}, ErrTorrentNotFound
	}

	p := &memoryPeer{PeerEntry: peer}
	old, exists := t.peers[peer.ID]
	if exists {
		p.completed = old.completed
	}
	finished := peer.Event == EventCompleted || (exists && !old.IsSeeder() && peer.IsSeeder())
	if finished && !p.completed {
		p.completed = true
		t.completed++
		if ce := s.log.Check(zap.DebugLevel, "peer completed torrent"); ce != nil {
			ce.Write(zap.Stringer("info_hash", infoHash), zap.Stringer("peer_id", peer.ID))
		}
	}
	t.putPeer(p)

	if !exists {
		if ce := s.log.Check(zap.DebugLevel, "added peer"); ce != nil {
			ce.Write(zap.Stringer("info_hash", infoHash), zap.Stringer("peer_id", peer.ID),
				zap.Stringer("addr", peer.AddrPort()), zap.Bool("seeder", peer.IsSeeder()))
		}
	}
	return t.stats(infoHash), nil
}

func (s *MemoryStorage) RemovePeer(infoHash, peerID HashID) (TorrentStats, error) {
	t := s.lockTorrent(infoHash, false)
	if t == nil {
		return TorrentStats{InfoHash: infoHash}, nil
	}
	defer t.mu.Unlock()

	if p, ok := t.dropPeer(peerID); ok {
		s.log.Info("removed peer", zap.Stringer("info_hash", infoHash),
			zap.Stringer("peer_id", peerID), zap.Stringer("addr", p.AddrPort()))
	}
	return t.stats(infoHash), nil
}

// Peers returns up to numWant peers matching the address family (not including exclude).
func (s *MemoryStorage) Peers(infoHash, exclude HashID, numWant int, v6 bool) ([]netip.AddrPort, error) {
	if numWant <= 0 {
		return nil, nil
	}
	t := s.getTorrent(infoHash)
	if t == nil {
		return nil, nil
	}

	t.mu.RLock()
	all := make([]netip.AddrPort, 0, len(t.peers))
	for id, p := range t.peers {
		if id != exclude && p.Addr.Is6() == v6 {
			all = append(all, p.AddrPort())
		}
	}
	t.mu.RUnlock()

	return selectPeers(all, numWant), nil
}

// selectPeers picks numWant peers starting at a random offset for fair distribution.
func selectPeers(all []netip.AddrPort, numWant int) []netip.AddrPort {
	if len(all) == 0 {
		return nil
	}
	n := min(numWant, len(all))
	//nolint:gosec // G404: math/rand acceptable for peer selection
	start := rand.IntN(len(all))
	peers := make([]netip.AddrPort, n)
	for i := range n {
		peers[i] = all[(start+i)%len(all)]
	}
	return peers
}

func (s *MemoryStorage) ScrapeCounts(infoHash HashID) (TorrentStats, error) {
	st, _, err := s.GetTorrent(infoHash)
	return st, err
}

// PruneExpired removes stale peers, then removes torrents that are empty and not static.
func (s *MemoryStorage) PruneExpired(horizon time.Time) (PruneResult, error) {
	var res PruneResult

	// Phase 1: Clean peers and identify empty torrents.
	// Snapshot hashes to allow concurrent access during cleanup.
	s.mu.RLock()
	hashes := make([]HashID, 0, len(s.torrents))
	for h := range s.torrents {
		hashes = append(hashes, h)
	}
	s.mu.RUnlock()

	var empty []HashID
	for _, hash := range hashes {
		removed, isEmpty := s.pruneTorrent(hash, horizon)
		res.Peers += removed
		if isEmpty {
			empty = append(empty, hash)
		}
	}

	// Phase 2: Remove torrents that are still empty
	if len(empty) > 0 {
		res.Torrents = s.removeEmptyTorrents(empty)
	}
	return res, nil
}

// pruneTorrent removes stale peers from one torrent.
// Returns the number removed and whether the torrent is now an empty dynamic torrent.
func (s *MemoryStorage) pruneTorrent(hash HashID, horizon time.Time) (removed int, isEmpty bool) {
	t := s.lockTorrent(hash, false)
	if t == nil {
		return 0, false
	}
	defer t.mu.Unlock()

	for id, p := range t.peers {
		if p.LastAnnounced.Before(horizon) {
			t.dropPeer(id)
			removed++
			if ce := s.log.Check(zap.DebugLevel, "cleanup: removed stale peer"); ce != nil {
				ce.Write(zap.Stringer("info_hash", hash), zap.Stringer("peer_id", id), zap.Stringer("addr", p.AddrPort()))
			}
		}
	}
	return removed, len(t.peers) == 0 && !t.static
}

func (s *MemoryStorage) removeEmptyTorrents(empty []HashID) int {
	removed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hash := range empty {
		t, ok := s.torrents[hash]
		if !ok {
			continue
		}
		t.mu.Lock()
		if len(t.peers) == 0 && !t.static {
			t.removed = true
			delete(s.torrents, hash)
			removed++
			if ce := s.log.Check(zap.DebugLevel, "cleanup: removed inactive torrent"); ce != nil {
				ce.Write(zap.Stringer("info_hash", hash))
			}
		}
		t.mu.Unlock()
	}
	return removed
}

func (s *MemoryStorage) RegisterTorrent(infoHash HashID) error {
	t := s.lockTorrent(infoHash, true)
	t.static = true
	t.mu.Unlock()
	return nil
}

func (s *MemoryStorage) UnregisterTorrent(infoHash HashID) error {
	if t := s.lockTorrent(infoHash, false); t != nil {
		t.static = false
		t.mu.Unlock()
	}
	return nil
}

func (s *MemoryStorage) Snapshot() (Snapshot, error) {
	snap := newSnapshot()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for hash, t := range s.torrents {
		t.mu.RLock()
		snap.add(t.stats(hash))
		t.mu.RUnlock()
	}
	return snap, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

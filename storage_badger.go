package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout:
//
//	't' + info_hash            -> [static:1][completed:4]
//	'p' + info_hash + peer_id  -> peer record, see encodePeer
const (
	prefixTorrent = 't'
	prefixPeer    = 'p'

	torrentRecordSize = 1 + 4
	peerRecordSize    = 16 + 1 + 2 + 8 + 8 + 8 + 8 + 4 + 1

	badgerMaxRetries  = 16
	badgerDeleteChunk = 1000
)

// BadgerStorage keeps the registry in a badger database so registered
// torrents and completion counts survive restarts.
//
// Peer writes only touch their own key, so badger cannot see a peer inserted
// under a torrent that cleanup is deleting. removeMu closes that window:
// peer writes hold it shared, torrent removal holds it exclusively.
type BadgerStorage struct {
	db       *badger.DB
	log      *zap.Logger
	removeMu sync.RWMutex
}

var _ Storage = (*BadgerStorage)(nil)

type torrentRecord struct {
	completed uint32
	static    bool
}

// OpenBadgerStorage opens (or creates) the database in dir.
// An empty dir keeps the database in memory.
func OpenBadgerStorage(dir string, logger *zap.Logger) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger.Sugar()}).
		WithNumVersionsToKeep(1)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return &BadgerStorage{db: db, log: logger}, nil
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }

func torrentKey(infoHash HashID) []byte {
	k := make([]byte, 0, 1+20)
	k = append(k, prefixTorrent)
	return append(k, infoHash[:]...)
}

func peerPrefix(infoHash HashID) []byte {
	k := make([]byte, 0, 1+20+20)
	k = append(k, prefixPeer)
	return append(k, infoHash[:]...)
}

func peerKey(infoHash, peerID HashID) []byte {
	return append(peerPrefix(infoHash), peerID[:]...)
}

func encodeTorrent(r torrentRecord) []byte {
	b := make([]byte, torrentRecordSize)
	if r.static {
		b[0] = 1
	}
	binary.BigEndian.PutUint32(b[1:5], r.completed)
	return b
}

func decodeTorrent(b []byte) (torrentRecord, error) {
	if len(b) != torrentRecordSize {
		return torrentRecord{}, fmt.Errorf("torrent record has %d bytes", len(b))
	}
	return torrentRecord{static: b[0] == 1, completed: binary.BigEndian.Uint32(b[1:5])}, nil
}

// encodePeer: [ip:16][is4:1][port:2][uploaded:8][downloaded:8][left:8]
// [last_announced_unix_nano:8][event:4][completed:1]
func encodePeer(p PeerEntry, completed bool) []byte {
	b := make([]byte, 0, peerRecordSize)
	ip := p.Addr.As16()
	b = append(b, ip[:]...)
	if p.Addr.Is4() {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = binary.BigEndian.AppendUint16(b, p.Port)
	b = binary.BigEndian.AppendUint64(b, p.Uploaded)
	b = binary.BigEndian.AppendUint64(b, p.Downloaded)
	b = binary.BigEndian.AppendUint64(b, p.Left)
	//nolint:gosec // unix time is positive
	b = binary.BigEndian.AppendUint64(b, uint64(p.LastAnnounced.UnixNano()))
	b = binary.BigEndian.AppendUint32(b, uint32(p.Event))
	if completed {
		return append(b, 1)
	}
	return append(b, 0)
}

func decodePeer(peerID HashID, b []byte) (p PeerEntry, completed bool, err error) {
	if len(b) != peerRecordSize {
		return p, false, fmt.Errorf("peer record has %d bytes", len(b))
	}
	p.ID = peerID
	p.Addr = netip.AddrFrom16([16]byte(b[0:16]))
	if b[16] == 1 {
		p.Addr = p.Addr.Unmap()
	}
	p.Port = binary.BigEndian.Uint16(b[17:19])
	p.Uploaded = binary.BigEndian.Uint64(b[19:27])
	p.Downloaded = binary.BigEndian.Uint64(b[27:35])
	p.Left = binary.BigEndian.Uint64(b[35:43])
	//nolint:gosec // stored from a positive unix time
	p.LastAnnounced = time.Unix(0, int64(binary.BigEndian.Uint64(b[43:51])))
	p.Event = Event(binary.BigEndian.Uint32(b[51:55]))
	return p, b[55] == 1, nil
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers of the same keys.
func (s *BadgerStorage) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range badgerMaxRetries {
		if err = s.db.Update(fn); !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getTorrentRecord(txn *badger.Txn, infoHash HashID) (torrentRecord, bool, error) {
	item, err := txn.Get(torrentKey(infoHash))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return torrentRecord{}, false, nil
	}
	if err != nil {
		return torrentRecord{}, false, err
	}
	var rec torrentRecord
	err = item.Value(func(val []byte) error {
		rec, err = decodeTorrent(val)
		return err
	})
	return rec, err == nil, err
}

func getPeerRecord(txn *badger.Txn, infoHash, peerID HashID) (PeerEntry, bool, bool, error) {
	item, err := txn.Get(peerKey(infoHash, peerID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return PeerEntry{}, false, false, nil
	}
	if err != nil {
		return PeerEntry{}, false, false, err
	}
	var (
		p         PeerEntry
		completed bool
	)
	err = item.Value(func(val []byte) error {
		p, completed, err = decodePeer(peerID, val)
		return err
	})
	return p, completed, err == nil, err
}

// forEachPeer calls fn for every peer of a torrent.
func forEachPeer(txn *badger.Txn, infoHash HashID, fn func(p PeerEntry) error) error {
	prefix := peerPrefix(infoHash)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		peerID := NewHashID(item.Key()[len(prefix):])
		err := item.Value(func(val []byte) error {
			p, _, err := decodePeer(peerID, val)
			if err != nil {
				return err
			}
			return fn(p)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// torrentStats derives seeder/leecher counts by walking the peer keys.
func torrentStats(txn *badger.Txn, infoHash HashID, rec torrentRecord) (TorrentStats, error) {
	st := TorrentStats{InfoHash: infoHash, Completed: rec.completed, Static: rec.static}
	err := forEachPeer(txn, infoHash, func(p PeerEntry) error {
		if p.IsSeeder() {
			st.Seeders++
		} else {
			st.Leechers++
		}
		return nil
	})
	return st, err
}

func (s *BadgerStorage) GetTorrent(infoHash HashID) (TorrentStats, bool, error) {
	st := TorrentStats{InfoHash: infoHash}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		rec, ok, err := getTorrentRecord(txn, infoHash)
		if err != nil || !ok {
			return err
		}
		found = true
		st, err = torrentStats(txn, infoHash, rec)
		return err
	})
	return st, found, err
}

// UpsertPeer writes only the peer key, plus the torrent record when it is
// created or its completed count moves. Concurrent announces of different
// peers therefore do not conflict. The returned counts are read after commit.
func (s *BadgerStorage) UpsertPeer(infoHash HashID, peer PeerEntry, create bool) (TorrentStats, error) {
	var added bool
	s.removeMu.RLock()
	err := s.update(func(txn *badger.Txn) error {
		rec, ok, err := getTorrentRecord(txn, infoHash)
		if err != nil {
			return err
		}
		if !create && (!ok || !rec.static) {
			return ErrTorrentNotFound
		}
		dirty := !ok

		old, completed, exists, err := getPeerRecord(txn, infoHash, peer.ID)
		if err != nil {
			return err
		}
		added = !exists
		finished := peer.Event == EventCompleted || (exists && !old.IsSeeder() && peer.IsSeeder())
		if finished && !completed {
			completed = true
			rec.completed++
			dirty = true
		}

		if err := txn.Set(peerKey(infoHash, peer.ID), encodePeer(peer, completed)); err != nil {
			return err
		}
		if dirty {
			return txn.Set(torrentKey(infoHash), encodeTorrent(rec))
		}
		return nil
	})
	s.removeMu.RUnlock()
	if err != nil {
		return TorrentStats{InfoHash: infoHash}, err
	}
	if added {
		if ce := s.log.Check(zap.DebugLevel, "added peer"); ce != nil {
			ce.Write(zap.Stringer("info_hash", infoHash), zap.Stringer("peer_id", peer.ID),
				zap.Stringer("addr", peer.AddrPort()), zap.Bool("seeder", peer.IsSeeder()))
		}
	}
	st, _, err := s.GetTorrent(infoHash)
	return st, err
}

// RemovePeer deletes the peer key only; the counts are read after commit.
func (s *BadgerStorage) RemovePeer(infoHash, peerID HashID) (TorrentStats, error) {
	var (
		removed PeerEntry
		found   bool
	)
	err := s.update(func(txn *badger.Txn) error {
		found = false
		p, _, exists, err := getPeerRecord(txn, infoHash, peerID)
		if err != nil || !exists {
			return err
		}
		removed, found = p, true
		return txn.Delete(peerKey(infoHash, peerID))
	})
	if err != nil {
		return TorrentStats{InfoHash: infoHash}, err
	}
	if found {
		s.log.Info("removed peer", zap.Stringer("info_hash", infoHash),
			zap.Stringer("peer_id", peerID), zap.Stringer("addr", removed.AddrPort()))
	}
	st, _, err := s.GetTorrent(infoHash)
	return st, err
}

func (s *BadgerStorage) Peers(infoHash, exclude HashID, numWant int, v6 bool) ([]netip.AddrPort, error) {
	if numWant <= 0 {
		return nil, nil
	}
	var all []netip.AddrPort
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPeer(txn, infoHash, func(p PeerEntry) error {
			if p.ID != exclude && p.Addr.Is6() == v6 {
				all = append(all, p.AddrPort())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return selectPeers(all, numWant), nil
}

func (s *BadgerStorage) ScrapeCounts(infoHash HashID) (TorrentStats, error) {
	st, _, err := s.GetTorrent(infoHash)
	return st, err
}

func (s *BadgerStorage) PruneExpired(horizon time.Time) (PruneResult, error) {
	var res PruneResult

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixPeer}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				p, _, err := decodePeer(HashID{}, val)
				if err != nil {
					return err
				}
				if p.LastAnnounced.Before(horizon) {
					stale = append(stale, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for len(stale) > 0 {
		chunk := stale[:min(len(stale), badgerDeleteChunk)]
		stale = stale[len(chunk):]
		removed, err := s.deleteStalePeers(chunk, horizon)
		res.Peers += removed
		if err != nil {
			return res, err
		}
	}

	removed, err := s.removeEmptyTorrents()
	res.Torrents = removed
	return res, err
}

// deleteStalePeers deletes the peer keys that are still older than horizon;
// a peer may have re-announced since it was found stale.
func (s *BadgerStorage) deleteStalePeers(keys [][]byte, horizon time.Time) (int, error) {
	var removed int
	err := s.update(func(txn *badger.Txn) error {
		removed = 0
		for _, k := range keys {
			item, err := txn.Get(k)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var p PeerEntry
			err = item.Value(func(val []byte) error {
				p, _, err = decodePeer(HashID{}, val)
				return err
			})
			if err != nil {
				return err
			}
			if !p.LastAnnounced.Before(horizon) {
				continue
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *BadgerStorage) removeEmptyTorrents() (int, error) {
	var candidates []HashID
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixTorrent}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				rec, err := decodeTorrent(val)
				if err == nil && !rec.static {
					candidates = append(candidates, NewHashID(item.Key()[1:]))
				}
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.removeMu.Lock()
	defer s.removeMu.Unlock()

	removed := 0
	for _, hash := range candidates {
		var deleted bool
		err := s.update(func(txn *badger.Txn) error {
			deleted = false
			rec, ok, err := getTorrentRecord(txn, hash)
			if err != nil || !ok || rec.static {
				return err
			}
			empty := true
			err = forEachPeer(txn, hash, func(PeerEntry) error {
				empty = false
				return nil
			})
			if err != nil || !empty {
				return err
			}
			deleted = true
			return txn.Delete(torrentKey(hash))
		})
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
			if ce := s.log.Check(zap.DebugLevel, "cleanup: removed inactive torrent"); ce != nil {
				ce.Write(zap.Stringer("info_hash", hash))
			}
		}
	}
	return removed, nil
}

func (s *BadgerStorage) setStatic(infoHash HashID, static, create bool) error {
	return s.update(func(txn *badger.Txn) error {
		rec, ok, err := getTorrentRecord(txn, infoHash)
		if err != nil || (!ok && !create) {
			return err
		}
		rec.static = static
		return txn.Set(torrentKey(infoHash), encodeTorrent(rec))
	})
}

func (s *BadgerStorage) RegisterTorrent(infoHash HashID) error {
	return s.setStatic(infoHash, true, true)
}

func (s *BadgerStorage) UnregisterTorrent(infoHash HashID) error {
	return s.setStatic(infoHash, false, false)
}

func (s *BadgerStorage) Snapshot() (Snapshot, error) {
	snap := newSnapshot()
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixTorrent}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			hash := NewHashID(item.Key()[1:])
			var rec torrentRecord
			err := item.Value(func(val []byte) error {
				var err error
				rec, err = decodeTorrent(val)
				return err
			})
			if err != nil {
				return err
			}
			st, err := torrentStats(txn, hash, rec)
			if err != nil {
				return err
			}
			snap.add(st)
		}
		return nil
	})
	return snap, err
}

// Close closes the database.
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

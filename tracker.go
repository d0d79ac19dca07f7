package main

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Error messages sent to clients in error responses
const (
	errMsgConnectionID   = "connection id invalid"
	errMsgNotRegistered  = "torrent not registered"
	errMsgPortZero       = "port cannot be 0"
	errMsgInvalidEvent   = "invalid event"
	errMsgIPv6IPField    = "IP address must be 0 for IPv6"
	errMsgIPNotAllowed   = "IP address not allowed"
	errMsgInternalError  = "internal tracker error"
	errorMaxStackSize    = 128                                 // maximum stack buffer size for error responses
	errorMaxMsgLen       = errorMaxStackSize - errorHeaderSize // 120 bytes for message
	announceHorizonScale = 2                                   // peers silent for this many intervals are stale
)

// packetWriter is the sending half of a UDP socket.
type packetWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Tracker is the protocol engine: it validates packets, applies them to the
// registry and writes the responses. All collaborators are injected.
type Tracker struct {
	store    Storage
	auth     *ConnectionIDAuthority
	policy   *Policy
	limiter  *connectLimiter
	metrics  *metrics
	log      *zap.Logger
	clock    clock.Clock
	interval time.Duration // announce interval handed to clients
	cleanup  time.Duration // time between cleanup sweeps
	dynamic  bool          // create torrents on first announce
	health   bool          // plain text reply to loopback unknown actions
}

// NewTracker wires an engine around store.
func NewTracker(cfg config, store Storage, secret [32]byte, clk clock.Clock, logger *zap.Logger) (*Tracker, error) {
	policy, err := NewPolicy(cfg.AllowRemotes, cfg.AllowIANAIPs, cfg.LocalSubnet, cfg.RemoteIP)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	tr := &Tracker{
		store:    store,
		auth:     NewConnectionIDAuthority(secret, clk),
		policy:   policy,
		limiter:  newConnectLimiter(clk),
		log:      logger,
		clock:    clk,
		interval: cfg.AnnounceInterval,
		cleanup:  cfg.CleanupInterval,
		dynamic:  cfg.IsDynamic,
		health:   cfg.HealthCheck,
	}
	tr.metrics = newMetrics(tr.Snapshot)
	return tr, nil
}

// Snapshot returns the registry statistics. Safe for concurrent use.
func (tr *Tracker) Snapshot() (Snapshot, error) {
	return tr.store.Snapshot()
}

// Torrent returns the counts of one torrent.
func (tr *Tracker) Torrent(infoHash HashID) (TorrentStats, bool, error) {
	return tr.store.GetTorrent(infoHash)
}

// RegisterTorrent makes a torrent acceptable under static tracking and
// keeps it in the registry while it has no peers.
func (tr *Tracker) RegisterTorrent(infoHash HashID) error {
	if err := tr.store.RegisterTorrent(infoHash); err != nil {
		return fmt.Errorf("register %s: %w", infoHash, err)
	}
	tr.log.Info("registered torrent", zap.Stringer("info_hash", infoHash))
	return nil
}

// UnregisterTorrent withdraws a registration; cleanup removes the torrent
// once its swarm is empty.
func (tr *Tracker) UnregisterTorrent(infoHash HashID) error {
	if err := tr.store.UnregisterTorrent(infoHash); err != nil {
		return fmt.Errorf("unregister %s: %w", infoHash, err)
	}
	tr.log.Info("unregistered torrent", zap.Stringer("info_hash", infoHash))
	return nil
}

// accepts reports whether announces for a torrent are allowed.
func (tr *Tracker) accepts(st TorrentStats, exists bool) bool {
	return tr.dynamic || (exists && st.Static)
}

// intervalSeconds is the announce interval as sent on the wire.
func (tr *Tracker) intervalSeconds() uint32 {
	//nolint:gosec // interval is validated to fit
	return uint32(tr.interval / time.Second)
}

func (tr *Tracker) send(w packetWriter, addr netip.AddrPort, b []byte) bool {
	if _, err := w.WriteToUDPAddrPort(b, addr); err != nil {
		tr.metrics.writeFailures.Inc()
		tr.log.Info("failed to send response", zap.Stringer("addr", addr), zap.Error(err))
		return false
	}
	return true
}

// sendError sends an error message back to the client when something goes wrong
// Error response format: [action:4][transaction_id:4][error_message:variable]
func (tr *Tracker) sendError(w packetWriter, addr netip.AddrPort, transactionID uint32, message string) {
	tr.metrics.errorResponses.WithLabelValues(message).Inc()

	var buf [errorMaxStackSize]byte
	if len(message) > errorMaxMsgLen {
		message = message[:errorMaxMsgLen]
	}
	resp := ErrorResponse{TransactionID: transactionID, Message: message}
	if tr.send(w, addr, resp.AppendBinary(buf[:0])) {
		if ce := tr.log.Check(zap.DebugLevel, "sent error"); ce != nil {
			ce.Write(zap.Stringer("addr", addr), zap.String("message", message))
		}
	}
}

func (tr *Tracker) drop(reason string, addr netip.AddrPort, err error) {
	tr.metrics.dropped.WithLabelValues(reason).Inc()
	// Don't need to debug everything from loopback, reduce spam (healthcheck)
	if addr.Addr().IsLoopback() {
		return
	}
	if ce := tr.log.Check(zap.DebugLevel, "dropped packet"); ce != nil {
		ce.Write(zap.String("reason", reason), zap.Stringer("addr", addr), zap.Error(err))
	}
}

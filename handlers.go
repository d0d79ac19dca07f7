package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"
)

const (
	announceMaxSizeV4 = announceHeaderSize + maxPeersPerPacketV4*peerSizeV4
	announceMaxSizeV6 = announceHeaderSize + maxPeersPerPacketV6*peerSizeV6
	scrapeMaxSize     = scrapeHeaderSize + maxScrapeHashes*scrapeEntrySize
)

// calculateNumWant determines the number of peers to return based on client request.
func calculateNumWant(numWant int32, maxWant int) int {
	// negative (usually -1) means "default"
	if numWant < 0 {
		return min(defaultNumWant, maxWant)
	}
	return min(int(numWant), maxWant)
}

// determineClientIP extracts the address to store for the peer from the announce request.
// Returns the address, or an error message to send back when the request is invalid.
func (tr *Tracker) determineClientIP(src netip.Addr, ipField uint32) (netip.Addr, string) {
	if ipField == 0 {
		return src, ""
	}
	// IPv6 clients must send IP field as 0 (per BEP 15)
	if !src.Is4() {
		return netip.Addr{}, errMsgIPv6IPField
	}
	ip := netip.AddrFrom4([4]byte{byte(ipField >> 24), byte(ipField >> 16), byte(ipField >> 8), byte(ipField)})
	if !tr.policy.AllowAnnounceIP(ip) {
		return netip.Addr{}, errMsgIPNotAllowed
	}
	return ip, ""
}

// maxPeers returns the response cap for the client's address family.
func maxPeers(v6 bool) int {
	if v6 {
		return maxPeersPerPacketV6
	}
	return maxPeersPerPacketV4
}

// handleConnect is the first step in UDP tracker communication
// The client sends a "connect" request to establish a session, and we give them
// a connection ID they must use in all future requests to prove they're legitimate
// This prevents IP spoofing attacks where someone could fake announce requests
func (tr *Tracker) handleConnect(w packetWriter, addr netip.AddrPort, req *ConnectRequest) {
	if allowed, remaining := tr.limiter.Allow(addr.Addr()); !allowed {
		tr.drop(dropRateLimited, addr, fmt.Errorf("connect rate exceeded, retry in %v", remaining))
		return
	}

	resp := ConnectResponse{
		TransactionID: req.TransactionID,
		ConnectionID:  tr.auth.Issue(addr.Addr()),
	}
	var buf [connectResponseSize]byte
	if tr.send(w, addr, resp.AppendBinary(buf[:0])) {
		if ce := tr.log.Check(zap.DebugLevel, "sent connect response"); ce != nil {
			ce.Write(zap.Stringer("addr", addr), zap.Uint64("connection_id", resp.ConnectionID))
		}
	}
}

// handleAnnounce is the main interaction - a client tells us they're downloading
// and asks for a list of other people to connect to
func (tr *Tracker) handleAnnounce(w packetWriter, addr netip.AddrPort, req *AnnounceRequest) {
	if req.Port == 0 {
		tr.sendError(w, addr, req.TransactionID, errMsgPortZero)
		return
	}
	if req.Event > EventStopped {
		tr.sendError(w, addr, req.TransactionID, errMsgInvalidEvent)
		return
	}

	v6 := addr.Addr().Is6()
	clientIP, errMsg := tr.determineClientIP(addr.Addr(), req.IP)
	if errMsg != "" {
		tr.sendError(w, addr, req.TransactionID, errMsg)
		return
	}

	if !tr.dynamic {
		st, exists, err := tr.store.GetTorrent(req.InfoHash)
		if err != nil {
			tr.storageFailure(w, addr, req.TransactionID, err)
			return
		}
		if !tr.accepts(st, exists) {
			if ce := tr.log.Check(zap.DebugLevel, "announce rejected"); ce != nil {
				ce.Write(zap.Stringer("info_hash", req.InfoHash), zap.Stringer("addr", addr))
			}
			tr.sendError(w, addr, req.TransactionID, errMsgNotRegistered)
			return
		}
	}

	numWant := calculateNumWant(req.NumWant, maxPeers(v6))
	if ce := tr.log.Check(zap.DebugLevel, "announce"); ce != nil {
		ce.Write(zap.Stringer("addr", addr), zap.Stringer("info_hash", req.InfoHash),
			zap.Stringer("peer_id", req.PeerID), zap.Stringer("event", req.Event),
			zap.Uint64("left", req.Left), zap.Uint16("port", req.Port),
			zap.Int("num_want", numWant), zap.Stringer("ip", clientIP))
	}

	var (
		st  TorrentStats
		err error
	)
	if req.Event == EventStopped {
		st, err = tr.store.RemovePeer(req.InfoHash, req.PeerID)
	} else {
		st, err = tr.store.UpsertPeer(req.InfoHash, PeerEntry{
			ID:            req.PeerID,
			Addr:          clientIP,
			Port:          req.Port,
			Uploaded:      req.Uploaded,
			Downloaded:    req.Downloaded,
			Left:          req.Left,
			Event:         req.Event,
			LastAnnounced: tr.clock.Now(),
		}, tr.dynamic)
	}
	if errors.Is(err, ErrTorrentNotFound) {
		// unregistered between the check above and the upsert
		tr.sendError(w, addr, req.TransactionID, errMsgNotRegistered)
		return
	}
	if err != nil {
		tr.storageFailure(w, addr, req.TransactionID, err)
		return
	}

	resp := AnnounceResponse{
		TransactionID: req.TransactionID,
		Interval:      tr.intervalSeconds(),
		Seeders:       st.Seeders,
		Leechers:      st.Leechers,
	}
	if req.Event != EventStopped {
		resp.Peers, err = tr.store.Peers(req.InfoHash, req.PeerID, numWant, v6)
		if err != nil {
			tr.storageFailure(w, addr, req.TransactionID, err)
			return
		}
	}
	if ce := tr.log.Check(zap.DebugLevel, "announce response"); ce != nil {
		ce.Write(zap.Uint32("seeders", st.Seeders), zap.Uint32("leechers", st.Leechers),
			zap.Int("peers", len(resp.Peers)))
	}

	var buf [max(announceMaxSizeV4, announceMaxSizeV6)]byte
	tr.send(w, addr, resp.AppendBinary(buf[:0]))
}

// handleScrape lets clients ask for statistics about torrents without announcing
// This is useful for checking if a torrent is active before downloading
func (tr *Tracker) handleScrape(w packetWriter, addr netip.AddrPort, req *ScrapeRequest) {
	resp := ScrapeResponse{
		TransactionID: req.TransactionID,
		Stats:         make([]ScrapeStats, len(req.InfoHashes)),
	}
	for i, infoHash := range req.InfoHashes {
		st, err := tr.store.ScrapeCounts(infoHash)
		if err != nil {
			tr.storageFailure(w, addr, req.TransactionID, err)
			return
		}
		if !tr.dynamic && !st.Static {
			// unregistered torrents are invisible under static tracking
			continue
		}
		resp.Stats[i] = ScrapeStats{Seeders: st.Seeders, Completed: st.Completed, Leechers: st.Leechers}
	}
	if ce := tr.log.Check(zap.DebugLevel, "scrape"); ce != nil {
		ce.Write(zap.Stringer("addr", addr), zap.Int("hashes", len(req.InfoHashes)))
	}

	var buf [scrapeMaxSize]byte
	tr.send(w, addr, resp.AppendBinary(buf[:0]))
}

func (tr *Tracker) storageFailure(w packetWriter, addr netip.AddrPort, transactionID uint32, err error) {
	tr.log.Error("storage failure", zap.Stringer("addr", addr), zap.Error(err))
	tr.sendError(w, addr, transactionID, errMsgInternalError)
}

// handlePacket processes any incoming UDP packet and routes it to the right handler
// based on the action field. Connection ID validation is performed for announce/scrape
func (tr *Tracker) handlePacket(w packetWriter, addr netip.AddrPort, packet []byte) {
	defer func() {
		if r := recover(); r != nil {
			tr.log.Error("panic while handling packet", zap.Stringer("addr", addr), zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if !tr.policy.Allow(addr.Addr()) {
		tr.drop(dropPolicy, addr, nil)
		return
	}

	req, err := decodeRequest(packet)
	if err != nil {
		// Plain text reply so container health checks can probe the socket
		if tr.health && errors.Is(err, errUnknownAction) && addr.Addr().IsLoopback() {
			if _, werr := w.WriteToUDPAddrPort([]byte("unknown action\n"), addr); werr != nil {
				tr.log.Debug("failed to respond to loopback", zap.Error(werr))
			}
			return
		}
		tr.drop(dropMalformed, addr, err)
		return
	}
	tr.metrics.requests.WithLabelValues(actionName(req.action())).Inc()

	switch req := req.(type) {
	case *ConnectRequest:
		tr.handleConnect(w, addr, req)
	case *AnnounceRequest:
		if !tr.auth.Validate(req.ConnectionID, addr.Addr()) {
			tr.sendError(w, addr, req.TransactionID, errMsgConnectionID)
			return
		}
		tr.handleAnnounce(w, addr, req)
	case *ScrapeRequest:
		if !tr.auth.Validate(req.ConnectionID, addr.Addr()) {
			tr.sendError(w, addr, req.TransactionID, errMsgConnectionID)
			return
		}
		tr.handleScrape(w, addr, req)
	}
}

func actionName(action uint32) string {
	switch action {
	case actionConnect:
		return "connect"
	case actionAnnounce:
		return "announce"
	case actionScrape:
		return "scrape"
	default:
		return "error"
	}
}

// serve reads packets from conn and handles each one before reading the next.
// Several workers may serve the same socket. It returns nil once conn is
// closed during shutdown.
func (tr *Tracker) serve(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			tr.log.Warn("failed to read UDP packet", zap.Error(err))
			continue
		}
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		tr.handlePacket(conn, addr, buf[:n])
	}
}

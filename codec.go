package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Wire sizes (BEP 15)
const (
	// Packet header size: connection_id:8 + action:4 + transaction_id:4
	packetHeaderSize = 16

	// Announce request size (sum of all fields):
	// connection_id:8 + action:4 + transaction_id:4 + info_hash:20 + peer_id:20 +
	// downloaded:8 + left:8 + uploaded:8 + event:4 + IP:4 + key:4 + num_want:4 + port:2
	minAnnouncePacketSize = 98

	// Minimum scrape packet size: connection_id:8 + action:4 + transaction_id:4 + info_hash:20
	minScrapePacketSize = 36

	connectResponseSize = 4 + 4 + 8 // action:4 + transaction_id:4 + connection_id:8
	announceHeaderSize  = 20        // action:4 + transaction_id:4 + interval:4 + leechers:4 + seeders:4
	scrapeHeaderSize    = 8         // action:4 + transaction_id:4
	scrapeEntrySize     = 12        // seeders:4 + completed:4 + leechers:4
	errorHeaderSize     = 8         // action:4 + transaction_id:4

	peerSizeV4 = 4 + 2
	peerSizeV6 = 16 + 2
)

var (
	errMalformedPacket = errors.New("malformed packet")
	errUnknownAction   = fmt.Errorf("%w: unknown action", errMalformedPacket)
)

func malformed(format string, v ...any) error {
	return fmt.Errorf("%w: %s", errMalformedPacket, fmt.Sprintf(format, v...))
}

// request is one of ConnectRequest, AnnounceRequest or ScrapeRequest.
type request interface {
	action() uint32
	transaction() uint32
	AppendBinary(b []byte) []byte
}

// ConnectRequest: [protocol_id:8][action:4][transaction_id:4]
type ConnectRequest struct {
	TransactionID uint32
}

// AnnounceRequest:
//
//	[connection_id:8][action:4][transaction_id:4][info_hash:20][peer_id:20]
//	[downloaded:8][left:8][uploaded:8][event:4][IP:4][key:4][num_want:4][port:2]
type AnnounceRequest struct {
	ConnectionID  uint64
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	InfoHash      HashID
	PeerID        HashID
	TransactionID uint32
	Event         Event
	IP            uint32 // 0 means use the packet's source address
	Key           uint32
	NumWant       int32 // negative means server default
	Port          uint16
}

// ScrapeRequest: [connection_id:8][action:4][transaction_id:4][info_hash:20]...
type ScrapeRequest struct {
	InfoHashes    []HashID
	ConnectionID  uint64
	TransactionID uint32
}

func (r *ConnectRequest) action() uint32      { return actionConnect }
func (r *ConnectRequest) transaction() uint32 { return r.TransactionID }

func (r *AnnounceRequest) action() uint32      { return actionAnnounce }
func (r *AnnounceRequest) transaction() uint32 { return r.TransactionID }

func (r *ScrapeRequest) action() uint32      { return actionScrape }
func (r *ScrapeRequest) transaction() uint32 { return r.TransactionID }

// decodeRequest parses a client datagram. Every returned error wraps
// errMalformedPacket; such packets are dropped without a reply.
func decodeRequest(packet []byte) (request, error) {
	if len(packet) < packetHeaderSize {
		return nil, malformed("packet too short (%d bytes)", len(packet))
	}

	switch action := binary.BigEndian.Uint32(packet[8:12]); action {
	case actionConnect:
		return decodeConnectRequest(packet)
	case actionAnnounce:
		return decodeAnnounceRequest(packet)
	case actionScrape:
		return decodeScrapeRequest(packet)
	default:
		return nil, fmt.Errorf("%w %d", errUnknownAction, action)
	}
}

func decodeConnectRequest(packet []byte) (*ConnectRequest, error) {
	if len(packet) < packetHeaderSize {
		return nil, malformed("connect request too short (%d bytes)", len(packet))
	}
	if id := binary.BigEndian.Uint64(packet[0:8]); id != protocolID {
		return nil, malformed("invalid protocol ID %#x", id)
	}
	return &ConnectRequest{TransactionID: binary.BigEndian.Uint32(packet[12:16])}, nil
}

func decodeAnnounceRequest(packet []byte) (*AnnounceRequest, error) {
	if len(packet) < minAnnouncePacketSize {
		return nil, malformed("announce request too short (%d bytes)", len(packet))
	}
	return &AnnounceRequest{
		ConnectionID:  binary.BigEndian.Uint64(packet[0:8]),
		TransactionID: binary.BigEndian.Uint32(packet[12:16]),
		InfoHash:      NewHashID(packet[16:36]),
		PeerID:        NewHashID(packet[36:56]),
		Downloaded:    binary.BigEndian.Uint64(packet[56:64]),
		Left:          binary.BigEndian.Uint64(packet[64:72]),
		Uploaded:      binary.BigEndian.Uint64(packet[72:80]),
		Event:         Event(binary.BigEndian.Uint32(packet[80:84])),
		IP:            binary.BigEndian.Uint32(packet[84:88]),
		Key:           binary.BigEndian.Uint32(packet[88:92]),
		//nolint:gosec // num_want is signed on the wire
		NumWant: int32(binary.BigEndian.Uint32(packet[92:96])),
		Port:    binary.BigEndian.Uint16(packet[96:98]),
	}, nil
}

func decodeScrapeRequest(packet []byte) (*ScrapeRequest, error) {
	if len(packet) < minScrapePacketSize {
		return nil, malformed("scrape request has no info hashes")
	}
	// info_hashes starts at byte 16, each is 20 bytes; a trailing partial hash is ignored
	n := (len(packet) - packetHeaderSize) / 20
	if n > maxScrapeHashes {
		return nil, malformed("scrape request has %d info hashes, limit is %d", n, maxScrapeHashes)
	}
	req := &ScrapeRequest{
		ConnectionID:  binary.BigEndian.Uint64(packet[0:8]),
		TransactionID: binary.BigEndian.Uint32(packet[12:16]),
		InfoHashes:    make([]HashID, n),
	}
	for i := range n {
		off := packetHeaderSize + i*20
		req.InfoHashes[i] = NewHashID(packet[off : off+20])
	}
	return req, nil
}

func appendHeader(b []byte, connectionID uint64, action, transactionID uint32) []byte {
	b = binary.BigEndian.AppendUint64(b, connectionID)
	b = binary.BigEndian.AppendUint32(b, action)
	return binary.BigEndian.AppendUint32(b, transactionID)
}

// AppendBinary appends the wire form of the request to b.
func (r *ConnectRequest) AppendBinary(b []byte) []byte {
	return appendHeader(b, protocolID, actionConnect, r.TransactionID)
}

// AppendBinary appends the wire form of the request to b.
func (r *AnnounceRequest) AppendBinary(b []byte) []byte {
	b = appendHeader(b, r.ConnectionID, actionAnnounce, r.TransactionID)
	b = append(b, r.InfoHash[:]...)
	b = append(b, r.PeerID[:]...)
	b = binary.BigEndian.AppendUint64(b, r.Downloaded)
	b = binary.BigEndian.AppendUint64(b, r.Left)
	b = binary.BigEndian.AppendUint64(b, r.Uploaded)
	b = binary.BigEndian.AppendUint32(b, uint32(r.Event))
	b = binary.BigEndian.AppendUint32(b, r.IP)
	b = binary.BigEndian.AppendUint32(b, r.Key)
	//nolint:gosec // num_want is signed on the wire
	b = binary.BigEndian.AppendUint32(b, uint32(r.NumWant))
	return binary.BigEndian.AppendUint16(b, r.Port)
}

// AppendBinary appends the wire form of the request to b.
func (r *ScrapeRequest) AppendBinary(b []byte) []byte {
	b = appendHeader(b, r.ConnectionID, actionScrape, r.TransactionID)
	for _, h := range r.InfoHashes {
		b = append(b, h[:]...)
	}
	return b
}

// ConnectResponse: [action:4][transaction_id:4][connection_id:8]
type ConnectResponse struct {
	ConnectionID  uint64
	TransactionID uint32
}

// AnnounceResponse: [action:4][transaction_id:4][interval:4][leechers:4][seeders:4]
// followed by [ip:4|16][port:2] per peer. All peers share one address family.
type AnnounceResponse struct {
	Peers         []netip.AddrPort
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
}

// ScrapeResponse: [action:4][transaction_id:4] then [seeders:4][completed:4][leechers:4]
// per requested info_hash, in request order.
type ScrapeResponse struct {
	Stats         []ScrapeStats
	TransactionID uint32
}

// ScrapeStats holds the statistics for a single torrent in a scrape response.
type ScrapeStats struct {
	Seeders   uint32
	Completed uint32
	Leechers  uint32
}

// ErrorResponse: [action:4][transaction_id:4][message]
type ErrorResponse struct {
	Message       string
	TransactionID uint32
}

// AppendBinary appends the wire form of the response to b.
func (r *ConnectResponse) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, actionConnect)
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	return binary.BigEndian.AppendUint64(b, r.ConnectionID)
}

// AppendBinary appends the wire form of the response to b.
func (r *AnnounceResponse) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, actionAnnounce)
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	b = binary.BigEndian.AppendUint32(b, r.Interval)
	b = binary.BigEndian.AppendUint32(b, r.Leechers)
	b = binary.BigEndian.AppendUint32(b, r.Seeders)
	for _, p := range r.Peers {
		if a := p.Addr(); a.Is4() {
			ip := a.As4()
			b = append(b, ip[:]...)
		} else {
			ip := a.As16()
			b = append(b, ip[:]...)
		}
		b = binary.BigEndian.AppendUint16(b, p.Port())
	}
	return b
}

// AppendBinary appends the wire form of the response to b.
func (r *ScrapeResponse) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, actionScrape)
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	for _, s := range r.Stats {
		b = binary.BigEndian.AppendUint32(b, s.Seeders)
		b = binary.BigEndian.AppendUint32(b, s.Completed)
		b = binary.BigEndian.AppendUint32(b, s.Leechers)
	}
	return b
}

// AppendBinary appends the wire form of the response to b.
func (r *ErrorResponse) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, actionError)
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	return append(b, r.Message...)
}

func checkResponseHeader(b []byte, action uint32, minSize int) error {
	if len(b) < minSize {
		return malformed("response too short (%d bytes)", len(b))
	}
	if got := binary.BigEndian.Uint32(b[0:4]); got != action {
		return malformed("action %d, expected %d", got, action)
	}
	return nil
}

func decodeConnectResponse(b []byte) (*ConnectResponse, error) {
	if err := checkResponseHeader(b, actionConnect, connectResponseSize); err != nil {
		return nil, err
	}
	return &ConnectResponse{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// decodeAnnounceResponse parses an announce response; v6 selects 18 byte peers.
func decodeAnnounceResponse(b []byte, v6 bool) (*AnnounceResponse, error) {
	if err := checkResponseHeader(b, actionAnnounce, announceHeaderSize); err != nil {
		return nil, err
	}
	peerSize := peerSizeV4
	if v6 {
		peerSize = peerSizeV6
	}
	body := b[announceHeaderSize:]
	if len(body)%peerSize != 0 {
		return nil, malformed("peer list length %d is not a multiple of %d", len(body), peerSize)
	}

	r := &AnnounceResponse{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		Interval:      binary.BigEndian.Uint32(b[8:12]),
		Leechers:      binary.BigEndian.Uint32(b[12:16]),
		Seeders:       binary.BigEndian.Uint32(b[16:20]),
	}
	for off := 0; off < len(body); off += peerSize {
		ipLen := peerSize - 2
		addr, _ := netip.AddrFromSlice(body[off : off+ipLen])
		port := binary.BigEndian.Uint16(body[off+ipLen : off+peerSize])
		r.Peers = append(r.Peers, netip.AddrPortFrom(addr, port))
	}
	return r, nil
}

func decodeScrapeResponse(b []byte) (*ScrapeResponse, error) {
	if err := checkResponseHeader(b, actionScrape, scrapeHeaderSize); err != nil {
		return nil, err
	}
	body := b[scrapeHeaderSize:]
	if len(body)%scrapeEntrySize != 0 {
		return nil, malformed("scrape body length %d is not a multiple of %d", len(body), scrapeEntrySize)
	}
	r := &ScrapeResponse{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		Stats:         make([]ScrapeStats, 0, len(body)/scrapeEntrySize),
	}
	for off := 0; off < len(body); off += scrapeEntrySize {
		r.Stats = append(r.Stats, ScrapeStats{
			Seeders:   binary.BigEndian.Uint32(body[off : off+4]),
			Completed: binary.BigEndian.Uint32(body[off+4 : off+8]),
			Leechers:  binary.BigEndian.Uint32(body[off+8 : off+12]),
		})
	}
	return r, nil
}

func decodeErrorResponse(b []byte) (*ErrorResponse, error) {
	if err := checkResponseHeader(b, actionError, errorHeaderSize); err != nil {
		return nil, err
	}
	return &ErrorResponse{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		Message:       string(b[errorHeaderSize:]),
	}, nil
}

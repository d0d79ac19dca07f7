package main

import (
	"fmt"
	"net/netip"
	"strings"
)

// ianaReserved lists special-purpose ranges (RFC 6890 and friends) that never
// belong to a reachable peer. Private, loopback, link-local and multicast
// ranges are covered by the netip predicates in isReserved.
var ianaReserved = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001::/23"),
	netip.MustParsePrefix("2001:db8::/32"),
}

func isReserved(addr netip.Addr) bool {
	if addr.IsUnspecified() || addr.IsLoopback() || addr.IsMulticast() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsPrivate() {
		return true
	}
	for _, p := range ianaReserved {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Policy decides which source addresses may talk to the tracker.
// It holds no state beyond its configuration and is safe for concurrent use.
type Policy struct {
	localNets    []netip.Prefix
	allowRemotes bool
	allowIANA    bool
}

// NewPolicy builds the filter. local and remote are networks in one of the
// forms accepted by parseSubnet; empty strings are ignored.
func NewPolicy(allowRemotes, allowIANA bool, local, remote string) (*Policy, error) {
	p := &Policy{allowRemotes: allowRemotes, allowIANA: allowIANA}
	for _, s := range []string{local, remote} {
		if s == "" {
			continue
		}
		prefix, err := parseSubnet(s)
		if err != nil {
			return nil, err
		}
		p.localNets = append(p.localNets, prefix)
	}
	return p, nil
}

// parseSubnet accepts CIDR ("192.168.0.0/24"), a dotted IPv4 prefix with
// missing octets ("192.168.0") or an address whose trailing zero octets mark
// the network ("192.168.1.0" is 192.168.1.0/24). Other IPs match one host.
func parseSubnet(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid subnet %q: %w", s, err)
		}
		return p.Masked(), nil
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		if !addr.Is4() {
			return netip.PrefixFrom(addr, addr.BitLen()), nil
		}
		b := addr.As4()
		bits := 32
		for i := 3; i > 0 && b[i] == 0; i-- {
			bits -= 8
		}
		return netip.PrefixFrom(addr, bits).Masked(), nil
	}

	octets := strings.Split(strings.TrimSuffix(s, "."), ".")
	if len(octets) == 0 || len(octets) > 3 {
		return netip.Prefix{}, fmt.Errorf("invalid subnet %q", s)
	}
	padded := append(octets, make([]string, 4-len(octets))...)
	for i := len(octets); i < 4; i++ {
		padded[i] = "0"
	}
	addr, err := netip.ParseAddr(strings.Join(padded, "."))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid subnet %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, 8*len(octets)), nil
}

func (p *Policy) isLocal(addr netip.Addr) bool {
	for _, n := range p.localNets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// Allow reports whether a datagram from addr may be processed.
func (p *Policy) Allow(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !p.allowIANA && isReserved(addr) {
		return false
	}
	if !p.allowRemotes && !p.isLocal(addr) {
		return false
	}
	return true
}

// AllowAnnounceIP reports whether a peer may advertise addr in the announce
// ip field instead of its source address.
func (p *Policy) AllowAnnounceIP(addr netip.Addr) bool {
	return p.allowIANA || !isReserved(addr)
}

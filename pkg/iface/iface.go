package iface

import (
	"net"
)

const (
	// DefaultMTU is assumed when an interface reports no MTU.
	DefaultMTU = 1500
	// MaxMTU is the largest datagram an IPv4 or IPv6 header can describe
	// without jumbograms.
	MaxMTU = 65535

	ipv4Header = 20
	ipv6Header = 40
	tcpHeader  = 20
)

// MTU returns the MTU of ifi, bounded to what a single datagram can carry.
// A nil interface, or one without an MTU, yields DefaultMTU.
func MTU(ifi *net.Interface) int {
	if ifi == nil || ifi.MTU <= 0 {
		return DefaultMTU
	}
	// Loopback interfaces report 65536 on Linux.
	if ifi.MTU > MaxMTU {
		return MaxMTU
	}
	return ifi.MTU
}

// MSS returns the TCP maximum segment size advertised in SYN probes over a
// link with the given MTU.
func MSS(mtu int, ipv6 bool) uint16 {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	hdr := ipv4Header
	if ipv6 {
		hdr = ipv6Header
	}
	mss := mtu - hdr - tcpHeader
	if mss < 0 {
		return 0
	}
	return uint16(mss)
}

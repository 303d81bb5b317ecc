//go:build darwin || freebsd || netbsd || openbsd

package route

import (
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/route"
)

// fetchRIB dumps the kernel routing table. Replaced in tests.
var fetchRIB = func() ([]route.Message, error) {
	b, err := route.FetchRIB(syscall.AF_UNSPEC, route.RIBTypeRoute, 0)
	if err != nil {
		return nil, err
	}
	return route.ParseRIB(route.RIBTypeRoute, b)
}

func get(dst netip.Addr) (Route, error) {
	msgs, err := fetchRIB()
	if err != nil {
		return Route{}, err
	}
	return longestMatch(dst, msgs)
}

// entry is a routing table row of the destination's family.
type entry struct {
	prefix  netip.Prefix
	gateway netip.Addr
	source  netip.Addr
	index   int
}

// addr converts a route address of the wanted family.
func addr(a route.Addr, v6 bool) (netip.Addr, bool) {
	switch a := a.(type) {
	case *route.Inet4Addr:
		return netip.AddrFrom4(a.IP), !v6
	case *route.Inet6Addr:
		return netip.AddrFrom16(a.IP), v6
	}
	return netip.Addr{}, false
}

// maskBits returns the prefix length of a netmask address.
func maskBits(a route.Addr) (int, bool) {
	switch a := a.(type) {
	case *route.Inet4Addr:
		ones, bits := net.IPMask(a.IP[:]).Size()
		return ones, bits != 0
	case *route.Inet6Addr:
		ones, bits := net.IPMask(a.IP[:]).Size()
		return ones, bits != 0
	}
	return 0, false
}

// parseEntry extracts the row of rm if it is an up route of the family.
func parseEntry(rm *route.RouteMessage, v6 bool) (entry, bool) {
	if rm.Flags&syscall.RTF_UP == 0 || len(rm.Addrs) <= syscall.RTAX_NETMASK {
		return entry{}, false
	}
	dst, ok := addr(rm.Addrs[syscall.RTAX_DST], v6)
	if !ok {
		return entry{}, false
	}
	bits := dst.BitLen()
	switch {
	case rm.Flags&syscall.RTF_HOST != 0:
	case rm.Addrs[syscall.RTAX_NETMASK] == nil && dst.IsUnspecified():
		// Default routes may come without a netmask.
		bits = 0
	default:
		if bits, ok = maskBits(rm.Addrs[syscall.RTAX_NETMASK]); !ok {
			return entry{}, false
		}
	}
	e := entry{prefix: netip.PrefixFrom(dst, bits).Masked(), index: rm.Index}
	if gw, ok := addr(rm.Addrs[syscall.RTAX_GATEWAY], v6); ok {
		e.gateway = gw
	}
	if len(rm.Addrs) > syscall.RTAX_IFA {
		if src, ok := addr(rm.Addrs[syscall.RTAX_IFA], v6); ok {
			e.source = src
		}
	}
	return e, true
}

// longestMatch selects the most specific route containing dst. On equal
// prefix length the first row wins.
func longestMatch(dst netip.Addr, msgs []route.Message) (Route, error) {
	v6 := dst.Is6()
	best := entry{index: -1}
	for _, msg := range msgs {
		rm, ok := msg.(*route.RouteMessage)
		if !ok {
			continue
		}
		e, ok := parseEntry(rm, v6)
		if !ok || !e.prefix.Contains(dst) {
			continue
		}
		if best.index < 0 || e.prefix.Bits() > best.prefix.Bits() {
			best = e
		}
	}
	if best.index < 0 {
		return Route{}, ErrNoRoute
	}

	ifi, err := upInterface(best.index)
	if err != nil {
		return Route{}, err
	}
	r := Route{Destination: dst, Gateway: best.gateway, Source: best.source, Interface: ifi}
	// A link-local or missing source cannot reach beyond the link.
	if !r.Source.IsValid() || r.Source.IsLinkLocalUnicast() {
		if r.Source, err = interfaceSource(ifi, v6, r.Gateway); err != nil {
			return Route{}, err
		}
	}
	return r, nil
}

// Package route asks the kernel which route it would use towards a target:
// the source address probes carry and the interface replies arrive on.
package route

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/tkjaer/hopwatch/pkg/iface"
)

// ErrNoRoute is returned when the kernel has no usable route.
var ErrNoRoute = errors.New("no route")

// Route is the kernel's route to one destination.
type Route struct {
	Destination netip.Addr
	Gateway     netip.Addr
	Source      netip.Addr
	Interface   *net.Interface
	// MTU is the route MTU, 0 when the route does not set one.
	MTU int
}

// PathMTU returns the route MTU, or the interface MTU when the route has
// none. It is the upper bound of path MTU discovery.
func (r Route) PathMTU() int {
	if r.MTU > 0 {
		return r.MTU
	}
	return iface.MTU(r.Interface)
}

// interfaceByIndex is replaced in tests.
var interfaceByIndex = net.InterfaceByIndex

// Get returns the route used for dst. IPv4-mapped addresses are looked up
// as IPv4.
func Get(dst netip.Addr) (Route, error) {
	if !dst.IsValid() {
		return Route{}, fmt.Errorf("%w: invalid destination", ErrNoRoute)
	}
	dst = dst.Unmap()
	r, err := get(dst)
	if err != nil {
		return Route{}, fmt.Errorf("route to %s: %w", dst, err)
	}
	return r, nil
}

// upInterface resolves index and rejects interfaces that are down.
func upInterface(index int) (*net.Interface, error) {
	ifi, err := interfaceByIndex(index)
	if err != nil {
		return nil, fmt.Errorf("interface %d: %w", index, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("%w: interface %s is down", ErrNoRoute, ifi.Name)
	}
	return ifi, nil
}

// interfaceSource picks a source address of family (IPv6 when v6) on the
// interface. Addresses in the next hop's subnet win; link-local addresses
// are skipped.
func interfaceSource(ifi *net.Interface, v6 bool, nextHop netip.Addr) (netip.Addr, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}
	return pickSource(addrs, v6, nextHop)
}

func pickSource(addrs []net.Addr, v6 bool, nextHop netip.Addr) (netip.Addr, error) {
	var fallback netip.Addr
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is6() != v6 || ip.IsLinkLocalUnicast() || !ip.IsGlobalUnicast() {
			continue
		}
		if nextHop.IsValid() && !nextHop.IsLinkLocalUnicast() {
			ones, _ := ipNet.Mask.Size()
			if netip.PrefixFrom(ip, ones).Masked().Contains(nextHop) {
				return ip, nil
			}
		}
		if !fallback.IsValid() {
			fallback = ip
		}
	}
	if !fallback.IsValid() {
		return netip.Addr{}, fmt.Errorf("%w: no usable source address", ErrNoRoute)
	}
	return fallback, nil
}

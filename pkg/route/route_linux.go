//go:build linux

package route

import (
	"fmt"
	"net/netip"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// queryKernel sends RTM_GETROUTE for dst. Replaced in tests.
var queryKernel = func(dst netip.Addr) ([]rtnetlink.RouteMessage, error) {
	c, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	family := uint8(unix.AF_INET)
	if dst.Is6() {
		family = unix.AF_INET6
	}
	return c.Route.Get(&rtnetlink.RouteMessage{
		Family:     family,
		Table:      unix.RT_TABLE_MAIN,
		Attributes: rtnetlink.RouteAttributes{Dst: dst.AsSlice()},
	})
}

func get(dst netip.Addr) (Route, error) {
	msgs, err := queryKernel(dst)
	if err != nil {
		return Route{}, err
	}
	return fromMessages(dst, msgs)
}

// fromMessages converts the RTM_GETROUTE answer, which holds the single
// route the kernel selected.
func fromMessages(dst netip.Addr, msgs []rtnetlink.RouteMessage) (Route, error) {
	switch len(msgs) {
	case 0:
		return Route{}, ErrNoRoute
	case 1:
	default:
		return Route{}, fmt.Errorf("kernel returned %d routes", len(msgs))
	}
	attrs := msgs[0].Attributes

	if got, ok := netip.AddrFromSlice(attrs.Dst); !ok || got.Unmap() != dst {
		return Route{}, fmt.Errorf("%w: answer is for %v", ErrNoRoute, attrs.Dst)
	}
	ifi, err := upInterface(int(attrs.OutIface))
	if err != nil {
		return Route{}, err
	}
	r := Route{Destination: dst, Interface: ifi}
	if gw, ok := netip.AddrFromSlice(attrs.Gateway); ok {
		r.Gateway = gw.Unmap()
	}
	if src, ok := netip.AddrFromSlice(attrs.Src); ok {
		r.Source = src.Unmap()
	} else if r.Source, err = interfaceSource(ifi, dst.Is6(), r.Gateway); err != nil {
		return Route{}, err
	}
	if attrs.Metrics != nil {
		r.MTU = int(attrs.Metrics.MTU)
	}
	return r, nil
}

//go:build !(linux || darwin || freebsd)

package probe

import (
	"context"
	"net/netip"

	"github.com/tkjaer/hopwatch/internal/packet"
)

// LiveOptions select what a live transport captures.
type LiveOptions struct {
	Protocol packet.Protocol
	SrcPort  uint16
	Flows    int
	DstPort  uint16
}

// LiveTransport is unavailable on this platform.
type LiveTransport struct{}

// LiveSource always fails on this platform.
func LiveSource(netip.Addr) (netip.Addr, int, error) {
	return netip.Addr{}, 0, ErrUnsupportedPlatform
}

// NewLiveTransport always fails on this platform.
func NewLiveTransport([]netip.Addr, LiveOptions) (*LiveTransport, error) {
	return nil, ErrUnsupportedPlatform
}

func (*LiveTransport) Send(context.Context, []byte) error { return ErrUnsupportedPlatform }
func (*LiveTransport) Replies() <-chan packet.Frame       { return nil }
func (*LiveTransport) Close() error                       { return nil }

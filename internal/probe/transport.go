package probe

import (
	"context"
	"net/netip"

	"github.com/tkjaer/hopwatch/internal/packet"
)

// Transport sends probe datagrams and delivers inbound frames.
//
// Send takes a complete IP datagram. It returns an error wrapping
// packet.ErrMessageTooLong when the datagram does not fit the local MTU
// with Don't Fragment set. Replies is closed after Close.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Replies() <-chan packet.Frame
	Close() error
}

// SourceFunc returns the local address and interface MTU used to reach dst.
type SourceFunc func(dst netip.Addr) (netip.Addr, int, error)

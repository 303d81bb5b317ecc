// Package simnet is a deterministic simulated network. It answers probe
// datagrams the way routers and hosts would: Time Exceeded along the path,
// with ECMP branches chosen by a hash over the flow fields, and the
// destination's reply at its distance. Loss, ICMP rate limiting, a path
// MTU and source NAT can be configured per path.
package simnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/gopacket/layers"

	"github.com/tkjaer/hopwatch/internal/packet"
)

var ErrClosed = errors.New("simulated network closed")

// Hop is one TTL of a path.
type Hop struct {
	// Addrs are the ECMP candidates answering at this TTL.
	Addrs []netip.Addr
	// Loss is the probability that a probe expiring here is not answered.
	Loss float64
	// Every, when above 1, makes the hop answer only every Nth probe.
	Every int
	// DuplicateFrom, when valid, sends a second reply from this address.
	DuplicateFrom netip.Addr
}

// Path describes the route to one destination.
type Path struct {
	Dst  netip.Addr
	Hops []Hop
	// Silent destinations never answer.
	Silent bool
	// Reset makes TCP destinations answer with RST instead of SYN-ACK.
	Reset bool
	// MTU is the path MTU, 0 for unlimited. The first hop rejects DF
	// datagrams above it.
	MTU int
	// Blackhole drops oversized DF datagrams without Fragmentation Needed.
	Blackhole bool
	// NATAfter rewrites the probe source to NATAddr beyond that TTL, as a
	// router would; quotations from later hops keep the rewritten source.
	NATAfter uint8
	NATAddr  netip.Addr
	NATPort  uint16
	// Latency per hop; the RTT at TTL n is n*Latency.
	Latency time.Duration
}

// Distance returns the TTL at which the destination answers.
func (p *Path) Distance() uint8 {
	return uint8(len(p.Hops) + 1)
}

// Network implements the probe transport.
type Network struct {
	Local4   netip.Addr
	Local6   netip.Addr
	LocalMTU int

	mu      sync.Mutex
	paths   map[netip.Addr]*Path
	hits    map[netip.Addr]int
	rng     *rand.Rand
	replies chan packet.Frame
	closed  bool
	sent    []packet.Datagram
	timers  sync.WaitGroup
	now     func() time.Time
}

// New returns an empty network. seed drives loss decisions.
func New(seed int64) *Network {
	return &Network{
		Local4:   netip.MustParseAddr("192.0.2.10"),
		Local6:   netip.MustParseAddr("2001:db8::10"),
		LocalMTU: 1500,
		paths:    make(map[netip.Addr]*Path),
		hits:     make(map[netip.Addr]int),
		rng:      rand.New(rand.NewSource(seed)),
		replies:  make(chan packet.Frame, 4096),
		now:      time.Now,
	}
}

// AddPath registers p. A path with no hops has the destination directly
// attached.
func (n *Network) AddPath(p Path) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths[p.Dst] = &p
}

// Source returns the local address and interface MTU used towards dst.
func (n *Network) Source(dst netip.Addr) (netip.Addr, int, error) {
	if dst.Is4() {
		return n.Local4, n.LocalMTU, nil
	}
	return n.Local6, n.LocalMTU, nil
}

// Replies returns the channel of inbound frames.
func (n *Network) Replies() <-chan packet.Frame {
	return n.replies
}

// Close stops delivery and closes the reply channel once pending replies
// are delivered or dropped.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	n.timers.Wait()
	close(n.replies)
	return nil
}

// Sent returns every datagram sent so far.
func (n *Network) Sent() []packet.Datagram {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]packet.Datagram(nil), n.sent...)
}

// SentTo counts the datagrams sent to dst with the given TTL.
func (n *Network) SentTo(dst netip.Addr, ttl uint8) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c int
	for _, d := range n.sent {
		if d.Dst == dst && d.TTL == ttl {
			c++
		}
	}
	return c
}

// Send accepts one probe datagram.
func (n *Network) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := packet.ParseDatagram(b)
	if err != nil {
		return fmt.Errorf("simnet: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if d.DontFragment && n.LocalMTU > 0 && len(b) > n.LocalMTU {
		return fmt.Errorf("simnet: %d bytes over local MTU %d: %w", len(b), n.LocalMTU, packet.ErrMessageTooLong)
	}
	n.sent = append(n.sent, *d)

	p, ok := n.paths[d.Dst]
	if !ok || d.TTL == 0 {
		return nil
	}

	if p.MTU > 0 && d.DontFragment && len(b) > p.MTU {
		if p.Blackhole {
			return nil
		}
		from := p.Dst
		if len(p.Hops) > 0 {
			from = n.pick(p.Hops[0], d, 1)
		}
		return n.reply(p, 1, func() ([]byte, error) {
			return packet.FragNeeded(from, d.Src, b, uint16(p.MTU))
		})
	}

	if int(d.TTL) <= len(p.Hops) {
		return n.expire(p, d, b)
	}
	return n.arrive(p, d, b)
}

// expire answers a probe whose TTL runs out inside the path.
func (n *Network) expire(p *Path, d *packet.Datagram, b []byte) error {
	ttl := d.TTL
	hop := p.Hops[ttl-1]
	if len(hop.Addrs) == 0 {
		return nil
	}
	from := n.pick(hop, d, ttl)
	n.hits[from]++
	if hop.Every > 1 && (n.hits[from]-1)%hop.Every != 0 {
		return nil
	}
	if hop.Loss > 0 && n.rng.Float64() < hop.Loss {
		return nil
	}

	quoted := append([]byte(nil), b...)
	if p.NATAfter > 0 && ttl > p.NATAfter {
		if err := packet.RewriteSource(quoted, p.NATAddr, p.NATPort); err != nil {
			return err
		}
	}
	if err := packet.SetTTL(quoted, 1); err != nil {
		return err
	}
	build := func() ([]byte, error) { return packet.TimeExceeded(from, d.Src, quoted) }
	if err := n.reply(p, ttl, build); err != nil {
		return err
	}
	if hop.DuplicateFrom.IsValid() {
		return n.reply(p, ttl+1, func() ([]byte, error) {
			return packet.TimeExceeded(hop.DuplicateFrom, d.Src, quoted)
		})
	}
	return nil
}

// arrive answers a probe that reached the destination.
func (n *Network) arrive(p *Path, d *packet.Datagram, b []byte) error {
	if p.Silent {
		return nil
	}
	dist := p.Distance()
	switch d.Protocol {
	case packet.ProtocolICMP:
		return n.reply(p, dist, func() ([]byte, error) { return packet.EchoReply(b) })
	case packet.ProtocolUDP:
		quoted := append([]byte(nil), b...)
		if err := packet.SetTTL(quoted, d.TTL-dist+1); err != nil {
			return err
		}
		return n.reply(p, dist, func() ([]byte, error) { return packet.PortUnreachable(p.Dst, d.Src, quoted) })
	case packet.ProtocolTCP:
		return n.reply(p, dist, func() ([]byte, error) { return packet.TCPReply(b, p.Reset) })
	}
	return nil
}

// pick selects the ECMP candidate for the flow fields of d, the way a
// router hashing the 5-tuple would. ICMP flows hash on the checksum.
func (n *Network) pick(h Hop, d *packet.Datagram, ttl uint8) netip.Addr {
	if len(h.Addrs) == 1 {
		return h.Addrs[0]
	}
	var buf [40]byte
	src := d.Src.As16()
	dst := d.Dst.As16()
	copy(buf[0:16], src[:])
	copy(buf[16:32], dst[:])
	buf[32] = byte(d.Protocol)
	buf[33] = ttl
	switch d.Protocol {
	case packet.ProtocolICMP:
		binary.BigEndian.PutUint16(buf[34:36], d.ICMPChecksum)
	default:
		binary.BigEndian.PutUint16(buf[34:36], d.SrcPort)
		binary.BigEndian.PutUint16(buf[36:38], d.DstPort)
	}
	return h.Addrs[xxhash.Sum64(buf[:])%uint64(len(h.Addrs))]
}

// reply delivers the frame built by build after the RTT of ttl. The lock
// is held by the caller.
func (n *Network) reply(p *Path, ttl uint8, build func() ([]byte, error)) error {
	raw, err := build()
	if err != nil {
		return err
	}
	first := layers.LayerTypeIPv4
	if raw[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	n.timers.Add(1)
	time.AfterFunc(time.Duration(ttl)*p.Latency, func() {
		defer n.timers.Done()
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if closed {
			return
		}
		select {
		case n.replies <- packet.Frame{Data: raw, First: first, ReceivedAt: n.now()}:
		default:
		}
	})
	return nil
}

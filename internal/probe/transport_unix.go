//go:build linux || darwin || freebsd

package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gopacket/pcap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/pkg/route"
)

// captureTimeout bounds how long a capture read blocks, and with it how
// long Close waits for the capture goroutines.
const captureTimeout = 100 * time.Millisecond

// LiveOptions select what a live transport captures.
type LiveOptions struct {
	Protocol packet.Protocol
	SrcPort  uint16
	Flows    int
	DstPort  uint16
}

// LiveTransport sends probes on raw IP sockets and captures replies with
// libpcap on every interface used to reach the targets.
type LiveTransport struct {
	v4 *ipv4.RawConn
	v6 map[uint8]*ipv6.PacketConn

	handles []*pcap.Handle
	frames  chan packet.Frame
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// LiveSource returns the source address and path MTU ceiling of the route
// to dst.
func LiveSource(dst netip.Addr) (netip.Addr, int, error) {
	r, err := route.Get(dst)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return r.Source, r.PathMTU(), nil
}

// NewLiveTransport opens sockets for the address families of targets and
// a capture on each outgoing interface.
func NewLiveTransport(targets []netip.Addr, opts LiveOptions) (*LiveTransport, error) {
	lt := &LiveTransport{
		v6:     make(map[uint8]*ipv6.PacketConn),
		frames: make(chan packet.Frame, 1024),
		stop:   make(chan struct{}),
	}

	filters := make(map[string][]string)
	seen := make(map[netip.Addr]bool)
	for _, dst := range targets {
		r, err := route.Get(dst)
		if err != nil {
			lt.closeSockets()
			return nil, err
		}
		if dst.Is4() {
			err = lt.openIPv4()
		} else {
			err = lt.openIPv6(opts.Protocol)
		}
		if err != nil {
			lt.closeSockets()
			return nil, err
		}
		if seen[r.Source] {
			continue
		}
		seen[r.Source] = true
		name := r.Interface.Name
		filters[name] = append(filters[name], bpfFilter(r.Source, opts.Protocol, opts.SrcPort, opts.Flows, opts.DstPort))
	}

	for name, f := range filters {
		handle, err := pcap.OpenLive(name, 65536, false, captureTimeout)
		if err != nil {
			lt.closeSockets()
			return nil, socketError(fmt.Errorf("open capture on %s: %w", name, err))
		}
		filter := "(" + strings.Join(f, ") or (") + ")"
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			lt.closeSockets()
			return nil, fmt.Errorf("set capture filter on %s: %w", name, err)
		}
		slog.Debug("Opened pcap handle", "interface", name, "filter", filter)
		lt.handles = append(lt.handles, handle)
	}

	for _, h := range lt.handles {
		lt.wg.Add(1)
		go lt.capture(h)
	}
	return lt, nil
}

func (lt *LiveTransport) openIPv4() error {
	if lt.v4 != nil {
		return nil
	}
	c, err := net.ListenPacket("ip4:255", "0.0.0.0")
	if err != nil {
		return socketError(err)
	}
	rc, err := ipv4.NewRawConn(c)
	if err != nil {
		c.Close()
		return socketError(err)
	}
	lt.v4 = rc
	return nil
}

// openIPv6 opens the sockets for proto and for ICMPv6, used by PMTUD.
// IPv6 raw sockets do not take a header, so TTL and traffic class are
// passed as control messages.
func (lt *LiveTransport) openIPv6(proto packet.Protocol) error {
	for _, p := range []packet.Protocol{packet.ProtocolICMP, proto} {
		num := nextHeader(p)
		if lt.v6[num] != nil {
			continue
		}
		c, err := net.ListenPacket(fmt.Sprintf("ip6:%d", num), "::")
		if err != nil {
			return socketError(err)
		}
		pc := ipv6.NewPacketConn(c)
		if err := setDontFragment(c); err != nil {
			c.Close()
			return socketError(err)
		}
		lt.v6[num] = pc
	}
	return nil
}

func setDontFragment(c net.PacketConn) error {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_DONTFRAG, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func nextHeader(p packet.Protocol) uint8 {
	switch p {
	case packet.ProtocolUDP:
		return unix.IPPROTO_UDP
	case packet.ProtocolTCP:
		return unix.IPPROTO_TCP
	}
	return unix.IPPROTO_ICMPV6
}

// Send writes one complete IP datagram.
func (lt *LiveTransport) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(b) == 0 {
		return fmt.Errorf("%w: empty datagram", packet.ErrInvalidSpec)
	}
	switch b[0] >> 4 {
	case 4:
		return lt.send4(b)
	case 6:
		return lt.send6(b)
	}
	return fmt.Errorf("%w: unknown IP version %d", packet.ErrInvalidSpec, b[0]>>4)
}

func (lt *LiveTransport) send4(b []byte) error {
	if lt.v4 == nil {
		return fmt.Errorf("%w: no IPv4 socket", packet.ErrInvalidSpec)
	}
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return fmt.Errorf("%w: %v", packet.ErrInvalidSpec, err)
	}
	return socketError(lt.v4.WriteTo(h, b[h.Len:], nil))
}

func (lt *LiveTransport) send6(b []byte) error {
	const headerLen = 40
	if len(b) < headerLen {
		return fmt.Errorf("%w: short IPv6 datagram", packet.ErrInvalidSpec)
	}
	pc := lt.v6[b[6]]
	if pc == nil {
		return fmt.Errorf("%w: no IPv6 socket for next header %d", packet.ErrInvalidSpec, b[6])
	}
	tc := int(binary.BigEndian.Uint16(b[0:2]) >> 4 & 0xff)
	src, _ := netip.AddrFromSlice(b[8:24])
	dst, _ := netip.AddrFromSlice(b[24:40])
	cm := &ipv6.ControlMessage{
		TrafficClass: tc,
		HopLimit:     int(b[7]),
		Src:          packet.IP(src),
	}
	_, err := pc.WriteTo(b[headerLen:], cm, &net.IPAddr{IP: packet.IP(dst)})
	return socketError(err)
}

// Replies returns the captured frames. The channel is closed by Close.
func (lt *LiveTransport) Replies() <-chan packet.Frame {
	return lt.frames
}

func (lt *LiveTransport) capture(h *pcap.Handle) {
	defer lt.wg.Done()
	first := h.LinkType()
	for {
		select {
		case <-lt.stop:
			return
		default:
		}
		data, ci, err := h.ReadPacketData()
		switch {
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case err != nil:
			slog.Debug("Capture stopped", "error", err)
			return
		}
		select {
		case lt.frames <- packet.Frame{Data: data, First: first, ReceivedAt: ci.Timestamp}:
		case <-lt.stop:
			return
		}
	}
}

// Close stops capturing and closes all sockets.
func (lt *LiveTransport) Close() error {
	lt.once.Do(func() {
		close(lt.stop)
		lt.wg.Wait()
		for _, h := range lt.handles {
			h.Close()
		}
		lt.closeSockets()
		close(lt.frames)
	})
	return nil
}

func (lt *LiveTransport) closeSockets() {
	if lt.v4 != nil {
		lt.v4.Close()
	}
	for _, pc := range lt.v6 {
		pc.Close()
	}
}

// socketError maps permission and size errors onto the package errors.
func socketError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES),
		strings.Contains(err.Error(), "not permitted"), strings.Contains(err.Error(), "ermission denied"):
		return fmt.Errorf("%w: %v", ErrSocketPermissionDenied, err)
	case errors.Is(err, unix.EMSGSIZE):
		return fmt.Errorf("%w: %v", packet.ErrMessageTooLong, err)
	}
	return err
}

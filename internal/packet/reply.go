package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// The functions below fabricate the replies a network would return for a
// probe. They are used by the simulated network and by tests.

// TimeExceeded builds the ICMP Time Exceeded message router sends to to
// for the datagram probe, quoting its header and QuoteLen transport bytes.
func TimeExceeded(router, to netip.Addr, probe []byte) ([]byte, error) {
	return icmpError(router, to, probe,
		layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, layers.ICMPv4CodeTTLExceeded),
		layers.CreateICMPv6TypeCode(layers.ICMPv6TypeTimeExceeded, layers.ICMPv6CodeHopLimitExceeded), 0)
}

// PortUnreachable builds the destination's ICMP Port Unreachable message.
func PortUnreachable(from, to netip.Addr, probe []byte) ([]byte, error) {
	return icmpError(from, to, probe,
		layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort),
		layers.CreateICMPv6TypeCode(layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6CodePortUnreachable), 0)
}

// HostUnreachable builds an ICMP Host Unreachable (or IPv6 address
// unreachable) message.
func HostUnreachable(from, to netip.Addr, probe []byte) ([]byte, error) {
	return icmpError(from, to, probe,
		layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost),
		layers.CreateICMPv6TypeCode(layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6CodeAddressUnreachable), 0)
}

// FragNeeded builds an ICMP Fragmentation Needed (IPv4) or Packet Too Big
// (IPv6) message advertising mtu.
func FragNeeded(router, to netip.Addr, probe []byte, mtu uint16) ([]byte, error) {
	return icmpError(router, to, probe,
		layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeFragmentationNeeded),
		layers.CreateICMPv6TypeCode(layers.ICMPv6TypePacketTooBig, 0), uint32(mtu))
}

// EchoReply builds the destination's answer to an ICMP Echo Request.
func EchoReply(probe []byte) ([]byte, error) {
	d, err := ParseDatagram(probe)
	if err != nil {
		return nil, err
	}
	if d.Protocol != ProtocolICMP {
		return nil, fmt.Errorf("%w: %s probe is not an echo request", ErrInvalidSpec, d.Protocol)
	}
	hdr, err := headerLen(probe)
	if err != nil {
		return nil, err
	}
	end := int(d.TotalLength)
	if end > len(probe) || end < hdr+icmpHeaderLen {
		end = len(probe)
	}
	payload := gopacket.Payload(append([]byte{}, probe[hdr+icmpHeaderLen:end]...))
	if d.IsIPv6() {
		return wrapICMP(d.Dst, d.Src,
			&layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoReply, 0)},
			&layers.ICMPv6Echo{Identifier: d.ICMPID, SeqNumber: d.ICMPSeq},
			payload)
	}
	return wrapICMP(d.Dst, d.Src, &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       d.ICMPID,
		Seq:      d.ICMPSeq,
	}, payload)
}

// TCPReply builds the destination's SYN-ACK (or RST when reset is set) for
// a TCP SYN probe.
func TCPReply(probe []byte, reset bool) ([]byte, error) {
	d, err := ParseDatagram(probe)
	if err != nil {
		return nil, err
	}
	if d.Protocol != ProtocolTCP {
		return nil, fmt.Errorf("%w: %s probe is not a TCP SYN", ErrInvalidSpec, d.Protocol)
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(d.DstPort),
		DstPort: layers.TCPPort(d.SrcPort),
		Seq:     0x5eed,
		Ack:     d.TCPSeq + 1,
		ACK:     true,
		SYN:     !reset,
		RST:     reset,
		Window:  65535,
	}
	network := ipLayer(Spec{Src: d.Dst, Dst: d.Src, TTL: DefaultTTL}, layers.IPProtocolTCP)
	if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}
	return serialize(network.(gopacket.SerializableLayer), tcp)
}

// SetTTL rewrites the TTL (hop limit) of datagram b in place, fixing the
// IPv4 header checksum.
func SetTTL(b []byte, ttl uint8) error {
	hdr, err := headerLen(b)
	if err != nil {
		return err
	}
	if b[0]>>4 == 6 {
		b[7] = ttl
		return nil
	}
	b[8] = ttl
	fixIPv4Checksum(b[:hdr])
	return nil
}

// RewriteSource rewrites the source address of datagram b and, for UDP and
// TCP, its source port, the way a NAT would. Transport checksums are left
// stale.
func RewriteSource(b []byte, src netip.Addr, port uint16) error {
	hdr, err := headerLen(b)
	if err != nil {
		return err
	}
	if len(b) < hdr+QuoteLen {
		return fmt.Errorf("%w: datagram too short to rewrite", ErrMalformedPacket)
	}
	var proto layers.IPProtocol
	if b[0]>>4 == 6 {
		if !isIPv6(src) {
			return fmt.Errorf("%w: cannot rewrite IPv6 source to %s", ErrInvalidSpec, src)
		}
		a := src.As16()
		copy(b[8:24], a[:])
		proto = layers.IPProtocol(b[6])
	} else {
		if !src.Unmap().Is4() {
			return fmt.Errorf("%w: cannot rewrite IPv4 source to %s", ErrInvalidSpec, src)
		}
		a := src.Unmap().As4()
		copy(b[12:16], a[:])
		proto = layers.IPProtocol(b[9])
		fixIPv4Checksum(b[:hdr])
	}
	if port != 0 && (proto == layers.IPProtocolUDP || proto == layers.IPProtocolTCP) {
		binary.BigEndian.PutUint16(b[hdr:hdr+2], port)
	}
	return nil
}

// icmpError quotes the header and QuoteLen transport bytes of probe in an
// ICMP error of type v4 or v6, by the family of from. rest is the second
// header word, the next-hop MTU for Fragmentation Needed and Packet Too Big.
func icmpError(from, to netip.Addr, probe []byte, v4 layers.ICMPv4TypeCode, v6 layers.ICMPv6TypeCode, rest uint32) ([]byte, error) {
	hdr, err := headerLen(probe)
	if err != nil {
		return nil, err
	}
	quote := probe[:min(len(probe), hdr+QuoteLen)]
	if isIPv6(from) {
		body := make([]byte, 4, 4+len(quote))
		binary.BigEndian.PutUint32(body, rest)
		return wrapICMP(from, to, &layers.ICMPv6{TypeCode: v6}, gopacket.Payload(append(body, quote...)))
	}
	icmp := &layers.ICMPv4{TypeCode: v4, Id: uint16(rest >> 16), Seq: uint16(rest)}
	return wrapICMP(from, to, icmp, gopacket.Payload(quote))
}

// wrapICMP serializes an ICMP message from from to to, computing its
// checksum.
func wrapICMP(from, to netip.Addr, msg ...gopacket.SerializableLayer) ([]byte, error) {
	from, to = from.Unmap(), to.Unmap()
	proto := layers.IPProtocolICMPv4
	if isIPv6(from) {
		proto = layers.IPProtocolICMPv6
	}
	network := ipLayer(Spec{Src: from, Dst: to, TTL: DefaultTTL}, proto)
	if icmp, ok := msg[0].(*layers.ICMPv6); ok {
		if err := icmp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
	}
	return serialize(append([]gopacket.SerializableLayer{network.(gopacket.SerializableLayer)}, msg...)...)
}

func headerLen(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty datagram", ErrMalformedPacket)
	}
	switch b[0] >> 4 {
	case 4:
		ihl := int(b[0]&0x0f) * 4
		if ihl < ipv4HeaderLen || len(b) < ihl {
			return 0, fmt.Errorf("%w: truncated IPv4 header", ErrMalformedPacket)
		}
		return ihl, nil
	case 6:
		if len(b) < ipv6HeaderLen {
			return 0, fmt.Errorf("%w: truncated IPv6 header", ErrMalformedPacket)
		}
		return ipv6HeaderLen, nil
	}
	return 0, fmt.Errorf("%w: unknown IP version %d", ErrMalformedPacket, b[0]>>4)
}

func fixIPv4Checksum(hdr []byte) {
	hdr[10], hdr[11] = 0, 0
	binary.BigEndian.PutUint16(hdr[10:12], Checksum(hdr))
}

func isIPv6(a netip.Addr) bool {
	return a.Is6() && !a.Is4In6()
}

// IP returns a as a net.IP, as used by the socket APIs.
func IP(a netip.Addr) net.IP {
	return net.IP(a.AsSlice())
}

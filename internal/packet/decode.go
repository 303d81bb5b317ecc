package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Datagram holds the IP header fields and the first transport bytes of a
// probe, either parsed from the quotation inside an ICMP error or from a
// probe on the wire.
type Datagram struct {
	Protocol     Protocol
	Src          netip.Addr
	Dst          netip.Addr
	IPID         uint16
	TTL          uint8
	TOS          uint8
	TotalLength  uint16
	DontFragment bool

	SrcPort   uint16
	DstPort   uint16
	UDPLength uint16
	TCPSeq    uint32

	ICMPID       uint16
	ICMPSeq      uint16
	ICMPChecksum uint16
}

// IsIPv6 reports whether the datagram is IPv6.
func (d *Datagram) IsIPv6() bool {
	return d.Src.Is6()
}

// Identity returns the EncodeTTLAndSeq value carried by the datagram.
func (d *Datagram) Identity() (uint32, bool) {
	switch d.Protocol {
	case ProtocolICMP:
		return uint32(d.ICMPSeq), true
	case ProtocolUDP:
		if d.UDPLength < udpHeaderLen {
			return 0, false
		}
		return uint32(d.UDPLength - udpHeaderLen), true
	case ProtocolTCP:
		return d.TCPSeq, true
	}
	return 0, false
}

// Echo holds the fields of an ICMP Echo Reply.
type Echo struct {
	ID      uint16
	Seq     uint16
	Flow    uint16
	HasFlow bool
}

// Segment holds the fields of a TCP reply from the destination.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Ack     uint32
}

// Reply is a decoded inbound packet that may answer one of our probes.
type Reply struct {
	Responder  netip.Addr
	Local      netip.Addr
	Kind       ReplyKind
	Code       uint8
	ReceivedAt time.Time
	// TTL is the TTL of the reply itself, as seen by us.
	TTL uint8
	// IPID is the identification of the reply itself (IPv4 only).
	IPID uint16
	// NextHopMTU is set for KindFragNeeded.
	NextHopMTU uint16

	// Exactly one of Quoted, Echo and Segment is set.
	Quoted  *Datagram
	Echo    *Echo
	Segment *Segment
}

// Target returns the destination of the probe the reply answers.
func (r *Reply) Target() netip.Addr {
	if r.Quoted != nil {
		return r.Quoted.Dst
	}
	return r.Responder
}

// Protocol returns the protocol of the probe the reply answers.
func (r *Reply) Protocol() Protocol {
	switch {
	case r.Quoted != nil:
		return r.Quoted.Protocol
	case r.Segment != nil:
		return ProtocolTCP
	}
	return ProtocolICMP
}

// Identity returns the EncodeTTLAndSeq value of the probe the reply
// answers. TCP replies acknowledge seq+1.
func (r *Reply) Identity() (uint32, bool) {
	switch {
	case r.Quoted != nil:
		return r.Quoted.Identity()
	case r.Echo != nil:
		return uint32(r.Echo.Seq), true
	case r.Segment != nil:
		return r.Segment.Ack - 1, true
	}
	return 0, false
}

// Decode decodes data, starting with the layer decoded by first. Packets
// that are not ICMP or TCP replies return ErrNotProbeReply.
func Decode(data []byte, first gopacket.Decoder, ts time.Time) (*Reply, error) {
	pkt := gopacket.NewPacket(data, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		r := &Reply{
			Responder:  addrFrom(ip.SrcIP),
			Local:      addrFrom(ip.DstIP),
			ReceivedAt: ts,
			TTL:        ip.TTL,
			IPID:       ip.Id,
		}
		switch ip.Protocol {
		case layers.IPProtocolICMPv4:
			icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
			if !ok {
				return nil, fmt.Errorf("%w: undecodable ICMP message from %s", ErrMalformedPacket, r.Responder)
			}
			return decodeICMPv4(r, icmp)
		case layers.IPProtocolTCP:
			return decodeTCP(r, pkt)
		}
		return nil, ErrNotProbeReply
	case *layers.IPv6:
		r := &Reply{
			Responder:  addrFrom(ip.SrcIP),
			Local:      addrFrom(ip.DstIP),
			ReceivedAt: ts,
			TTL:        ip.HopLimit,
		}
		if icmp, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
			return decodeICMPv6(r, icmp, pkt)
		}
		switch ip.NextHeader {
		case layers.IPProtocolTCP:
			return decodeTCP(r, pkt)
		case layers.IPProtocolICMPv6:
			return nil, fmt.Errorf("%w: undecodable ICMPv6 message from %s", ErrMalformedPacket, r.Responder)
		}
		return nil, ErrNotProbeReply
	}

	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, errLayer.Error())
	}
	return nil, ErrNotProbeReply
}

// DecodeIP decodes a raw IP datagram of either family.
func DecodeIP(data []byte, ts time.Time) (*Reply, error) {
	first, err := ipLayerType(data)
	if err != nil {
		return nil, err
	}
	return Decode(data, first, ts)
}

func ipLayerType(data []byte) (gopacket.LayerType, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}
	switch data[0] >> 4 {
	case 4:
		return layers.LayerTypeIPv4, nil
	case 6:
		return layers.LayerTypeIPv6, nil
	}
	return 0, fmt.Errorf("%w: unknown IP version %d", ErrMalformedPacket, data[0]>>4)
}

// checksumOK verifies the checksum of an ICMP layer. IPv6 includes the
// pseudo header; src and dst are ignored for IPv4.
func checksumOK(src, dst netip.Addr, l gopacket.Layer) bool {
	hdr, body := l.LayerContents(), l.LayerPayload()
	acc := pseudoHeaderSum(src, dst, uint8(layers.IPProtocolICMPv6), len(hdr)+len(body))
	return fold(sum16(sum16(acc, hdr), body)) == 0xffff
}

func decodeICMPv4(r *Reply, icmp *layers.ICMPv4) (*Reply, error) {
	if !checksumOK(netip.Addr{}, netip.Addr{}, icmp) {
		return nil, fmt.Errorf("%w: bad ICMP checksum from %s", ErrMalformedPacket, r.Responder)
	}
	r.Code = icmp.TypeCode.Code()
	switch icmp.TypeCode.Type() {
	case layers.ICMPv4TypeEchoReply:
		r.Kind = KindEchoReply
		r.Echo = &Echo{ID: icmp.Id, Seq: icmp.Seq}
		if len(icmp.Payload) >= 2 {
			r.Echo.Flow = binary.BigEndian.Uint16(icmp.Payload[0:2])
			r.Echo.HasFlow = true
		}
		return r, nil
	case layers.ICMPv4TypeTimeExceeded:
		if r.Code != layers.ICMPv4CodeTTLExceeded {
			// Fragment reassembly time exceeded.
			return nil, ErrNotProbeReply
		}
		r.Kind = KindTimeExceeded
	case layers.ICMPv4TypeDestinationUnreachable:
		switch r.Code {
		case layers.ICMPv4CodePort:
			r.Kind = KindPortUnreachable
		case layers.ICMPv4CodeFragmentationNeeded:
			r.Kind = KindFragNeeded
			// RFC 1191 carries the next-hop MTU in the low half of the
			// rest-of-header word, where echo messages keep the sequence.
			r.NextHopMTU = icmp.Seq
		default:
			r.Kind = KindDestUnreachable
		}
	default:
		return nil, ErrNotProbeReply
	}
	return quoted(r, icmp.Payload, false)
}

func decodeICMPv6(r *Reply, icmp *layers.ICMPv6, pkt gopacket.Packet) (*Reply, error) {
	if !checksumOK(r.Responder, r.Local, icmp) {
		return nil, fmt.Errorf("%w: bad ICMP checksum from %s", ErrMalformedPacket, r.Responder)
	}
	// The first four payload bytes are the rest of the ICMPv6 header.
	if len(icmp.Payload) < 4 {
		return nil, fmt.Errorf("%w: ICMPv6 message too short (%d bytes)", ErrMalformedPacket, len(icmp.LayerContents())+len(icmp.Payload))
	}
	rest, body := icmp.Payload[:4], icmp.Payload[4:]
	r.Code = icmp.TypeCode.Code()
	switch icmp.TypeCode.Type() {
	case layers.ICMPv6TypeEchoReply:
		echo, ok := pkt.Layer(layers.LayerTypeICMPv6Echo).(*layers.ICMPv6Echo)
		if !ok {
			return nil, fmt.Errorf("%w: undecodable echo reply from %s", ErrMalformedPacket, r.Responder)
		}
		r.Kind = KindEchoReply
		r.Echo = &Echo{ID: echo.Identifier, Seq: echo.SeqNumber}
		if len(body) >= 2 {
			r.Echo.Flow = binary.BigEndian.Uint16(body[0:2])
			r.Echo.HasFlow = true
		}
		return r, nil
	case layers.ICMPv6TypeTimeExceeded:
		if r.Code != layers.ICMPv6CodeHopLimitExceeded {
			return nil, ErrNotProbeReply
		}
		r.Kind = KindTimeExceeded
	case layers.ICMPv6TypeDestinationUnreachable:
		if r.Code == layers.ICMPv6CodePortUnreachable {
			r.Kind = KindPortUnreachable
		} else {
			r.Kind = KindDestUnreachable
		}
	case layers.ICMPv6TypePacketTooBig:
		r.Kind = KindFragNeeded
		r.NextHopMTU = uint16(min(binary.BigEndian.Uint32(rest), 0xffff))
	default:
		return nil, ErrNotProbeReply
	}
	return quoted(r, body, true)
}

func quoted(r *Reply, quote []byte, v6 bool) (*Reply, error) {
	q, err := ParseDatagram(quote)
	if err != nil {
		return nil, err
	}
	if q.IsIPv6() != v6 {
		return nil, fmt.Errorf("%w: quoted address family differs from reply", ErrMalformedPacket)
	}
	r.Quoted = q
	return r, nil
}

func decodeTCP(r *Reply, pkt gopacket.Packet) (*Reply, error) {
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, errLayer.Error())
	}
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil, ErrNotProbeReply
	}
	switch {
	case tcp.SYN && tcp.ACK:
		r.Kind = KindTCPSynAck
	case tcp.RST:
		r.Kind = KindTCPReset
	default:
		return nil, ErrNotProbeReply
	}
	r.Segment = &Segment{
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Ack:     tcp.Ack,
	}
	return r, nil
}

// ParseDatagram parses an IP header and at least QuoteLen bytes of the
// transport header that follows it, skipping IPv6 extension headers. A
// short buffer or an inconsistent IPv4 header checksum yields
// ErrMalformedPacket.
func ParseDatagram(b []byte) (*Datagram, error) {
	first, err := ipLayerType(b)
	if err != nil {
		return nil, err
	}
	pkt := gopacket.NewPacket(b, first, gopacket.Default)

	var (
		d     Datagram
		proto layers.IPProtocol
		l4    []byte
	)
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		// gopacket keeps a layer that failed to decode; its payload is
		// then empty.
		if len(ip.Payload) < QuoteLen {
			return nil, truncated(pkt, len(b))
		}
		if !ValidateChecksum(ip.Contents) {
			return nil, fmt.Errorf("%w: bad IPv4 header checksum", ErrMalformedPacket)
		}
		d.Src, d.Dst = addrFrom(ip.SrcIP), addrFrom(ip.DstIP)
		d.TOS = ip.TOS
		d.TotalLength = ip.Length
		d.IPID = ip.Id
		d.DontFragment = ip.Flags&layers.IPv4DontFragment != 0
		d.TTL = ip.TTL
		proto, l4 = ip.Protocol, ip.Payload
	case *layers.IPv6:
		d.Src, d.Dst = addrFrom(ip.SrcIP), addrFrom(ip.DstIP)
		d.TOS = ip.TrafficClass
		d.TotalLength = ipv6HeaderLen + ip.Length
		d.DontFragment = true
		d.TTL = ip.HopLimit
		proto, l4 = ip.NextHeader, ip.Payload
		if ip.HopByHop != nil {
			proto = ip.HopByHop.NextHeader
		}
		proto, l4 = skipExtensions(pkt, proto, l4)
	default:
		return nil, truncated(pkt, len(b))
	}
	if len(l4) < QuoteLen {
		return nil, truncated(pkt, len(b))
	}
	// A quote of eight transport bytes is too short for gopacket to decode
	// a TCP header. The failed layer is still present, so after a decode
	// failure the ports are read from the raw bytes.
	failed := pkt.ErrorLayer() != nil

	switch proto {
	case layers.IPProtocolICMPv4:
		icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok || icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
			return nil, ErrNotProbeReply
		}
		d.Protocol = ProtocolICMP
		d.ICMPChecksum, d.ICMPID, d.ICMPSeq = icmp.Checksum, icmp.Id, icmp.Seq
	case layers.IPProtocolICMPv6:
		icmp, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		if !ok || icmp.TypeCode.Type() != layers.ICMPv6TypeEchoRequest {
			return nil, ErrNotProbeReply
		}
		d.Protocol = ProtocolICMP
		d.ICMPChecksum = icmp.Checksum
		if echo, ok := pkt.Layer(layers.LayerTypeICMPv6Echo).(*layers.ICMPv6Echo); ok {
			d.ICMPID, d.ICMPSeq = echo.Identifier, echo.SeqNumber
		}
	case layers.IPProtocolUDP:
		d.Protocol = ProtocolUDP
		if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok && !failed {
			d.SrcPort, d.DstPort, d.UDPLength = uint16(udp.SrcPort), uint16(udp.DstPort), udp.Length
			break
		}
		d.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		d.DstPort = binary.BigEndian.Uint16(l4[2:4])
		d.UDPLength = binary.BigEndian.Uint16(l4[4:6])
	case layers.IPProtocolTCP:
		d.Protocol = ProtocolTCP
		if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok && !failed {
			d.SrcPort, d.DstPort, d.TCPSeq = uint16(tcp.SrcPort), uint16(tcp.DstPort), tcp.Seq
			break
		}
		d.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		d.DstPort = binary.BigEndian.Uint16(l4[2:4])
		d.TCPSeq = binary.BigEndian.Uint32(l4[4:8])
	default:
		return nil, ErrNotProbeReply
	}
	return &d, nil
}

func truncated(pkt gopacket.Packet, n int) error {
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return fmt.Errorf("%w: truncated datagram (%d bytes): %v", ErrMalformedPacket, n, errLayer.Error())
	}
	return fmt.Errorf("%w: truncated datagram (%d bytes)", ErrMalformedPacket, n)
}

// skipExtensions follows the IPv6 extension header layers of pkt and
// returns the upper-layer protocol and its bytes.
func skipExtensions(pkt gopacket.Packet, proto layers.IPProtocol, l4 []byte) (layers.IPProtocol, []byte) {
	for _, l := range pkt.Layers() {
		switch ext := l.(type) {
		case *layers.IPv6Routing:
			proto, l4 = ext.NextHeader, ext.Payload
		case *layers.IPv6Destination:
			proto, l4 = ext.NextHeader, ext.Payload
		case *layers.IPv6Fragment:
			proto, l4 = ext.NextHeader, ext.Payload
		}
	}
	return proto, l4
}

func addrFrom(ip []byte) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Spec describes a single probe packet.
type Spec struct {
	Protocol Protocol
	Src      netip.Addr
	Dst      netip.Addr

	// TTL is the IP TTL (hop limit) written to the packet.
	TTL uint8
	// Identity is the EncodeTTLAndSeq value carried in the transport header.
	Identity uint32
	// DSCP is written into the upper six bits of TOS / traffic class.
	DSCP         uint8
	DontFragment bool
	// IPID is the IPv4 identification. Ignored for IPv6.
	IPID uint16

	// ICMP Echo fields. FlowChecksum is the checksum the message is forced
	// to carry and FlowID is echoed back in the first payload word.
	ICMPID       uint16
	FlowID       uint16
	FlowChecksum uint16

	// UDP and TCP ports.
	SrcPort uint16
	DstPort uint16

	// MSS and Timestamp are used for TCP SYN options.
	MSS       uint16
	Timestamp uint32

	// Size, when non-zero, is the total IP datagram length of an ICMP probe.
	Size int
}

// IsIPv6 reports whether the probe is sent over IPv6.
func (s Spec) IsIPv6() bool {
	return s.Dst.Is6() && !s.Dst.Is4In6()
}

// HeaderLen returns the length of the IP header Build produces.
func (s Spec) HeaderLen() int {
	if s.IsIPv6() {
		return ipv6HeaderLen
	}
	return ipv4HeaderLen
}

// minEchoPayload covers the flow word, the compensation word and a short
// pattern.
const minEchoPayload = 8

// Build serializes spec into a complete IP datagram.
func Build(spec Spec) ([]byte, error) {
	if !spec.Src.IsValid() || !spec.Dst.IsValid() {
		return nil, fmt.Errorf("%w: source and destination are required", ErrInvalidSpec)
	}
	if spec.Src.Unmap().Is4() != spec.Dst.Unmap().Is4() {
		return nil, fmt.Errorf("%w: address family mismatch %s -> %s", ErrInvalidSpec, spec.Src, spec.Dst)
	}
	spec.Src = spec.Src.Unmap()
	spec.Dst = spec.Dst.Unmap()

	network := ipLayer(spec, spec.ipProtocol())
	var transport []gopacket.SerializableLayer
	switch spec.Protocol {
	case ProtocolICMP:
		echo, err := echoRequest(spec, network)
		if err != nil {
			return nil, err
		}
		transport = echo
	case ProtocolUDP:
		if spec.Identity > 0xffff-udpHeaderLen {
			return nil, fmt.Errorf("%w: identity %d does not fit the UDP length", ErrInvalidSpec, spec.Identity)
		}
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(spec.SrcPort),
			DstPort: layers.UDPPort(spec.DstPort),
			Length:  uint16(udpHeaderLen + spec.Identity),
		}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		transport = []gopacket.SerializableLayer{udp, gopacket.Payload(make([]byte, spec.Identity))}
	case ProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(spec.SrcPort),
			DstPort: layers.TCPPort(spec.DstPort),
			Seq:     spec.Identity,
			SYN:     true,
			Window:  64240,
			Options: tcpOptions(spec.MSS, spec.Timestamp),
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		transport = []gopacket.SerializableLayer{tcp}
	default:
		return nil, fmt.Errorf("%w: unknown protocol %d", ErrInvalidSpec, spec.Protocol)
	}

	b, err := serialize(append([]gopacket.SerializableLayer{network.(gopacket.SerializableLayer)}, transport...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s probe: %w", spec.Protocol, err)
	}
	return b, nil
}

func (s Spec) ipProtocol() layers.IPProtocol {
	switch {
	case s.Protocol == ProtocolUDP:
		return layers.IPProtocolUDP
	case s.Protocol == ProtocolTCP:
		return layers.IPProtocolTCP
	case s.IsIPv6():
		return layers.IPProtocolICMPv6
	}
	return layers.IPProtocolICMPv4
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ipLayer(spec Spec, proto layers.IPProtocol) gopacket.NetworkLayer {
	if spec.IsIPv6() {
		return &layers.IPv6{
			Version:      6,
			TrafficClass: spec.DSCP << 2,
			HopLimit:     spec.TTL,
			NextHeader:   proto,
			SrcIP:        net.IP(spec.Src.AsSlice()),
			DstIP:        net.IP(spec.Dst.AsSlice()),
		}
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      spec.DSCP << 2,
		Id:       spec.IPID,
		TTL:      spec.TTL,
		Protocol: proto,
		SrcIP:    net.IP(spec.Src.AsSlice()),
		DstIP:    net.IP(spec.Dst.AsSlice()),
	}
	if spec.DontFragment {
		ip.Flags = layers.IPv4DontFragment
	}
	return ip
}

// echoRequest returns the layers of an ICMP Echo Request whose checksum
// equals spec.FlowChecksum. The payload layout is:
//
//	[0:2] flow id
//	[2:4] checksum compensation word
//	[4:]  0x00, 0x01, ... pattern
func echoRequest(spec Spec, network gopacket.NetworkLayer) ([]gopacket.SerializableLayer, error) {
	if spec.Identity > 0xffff {
		return nil, fmt.Errorf("%w: identity %d does not fit the echo sequence", ErrInvalidSpec, spec.Identity)
	}
	payloadLen := minEchoPayload
	if spec.Size > 0 {
		payloadLen = spec.Size - spec.HeaderLen() - icmpHeaderLen
		if payloadLen < minEchoPayload {
			return nil, fmt.Errorf("%w: size %d below minimum %d", ErrInvalidSpec, spec.Size, spec.HeaderLen()+icmpHeaderLen+minEchoPayload)
		}
	}
	payload := make([]byte, payloadLen)
	binary.BigEndian.PutUint16(payload[0:2], spec.FlowID)
	for i := 4; i < len(payload); i++ {
		payload[i] = byte(i - 4)
	}

	var (
		echo []gopacket.SerializableLayer
		sum  func() uint16
	)
	if spec.IsIPv6() {
		icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
		if err := icmp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		echo = []gopacket.SerializableLayer{icmp, &layers.ICMPv6Echo{Identifier: spec.ICMPID, SeqNumber: uint16(spec.Identity)}}
		sum = func() uint16 { return icmp.Checksum }
	} else {
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
			Id:       spec.ICMPID,
			Seq:      uint16(spec.Identity),
		}
		echo = []gopacket.SerializableLayer{icmp}
		sum = func() uint16 { return icmp.Checksum }
	}
	echo = append(echo, gopacket.Payload(payload))

	if spec.FlowChecksum != 0 {
		// Serializing fills in the checksum of the uncompensated message.
		if _, err := serialize(echo...); err != nil {
			return nil, fmt.Errorf("failed to serialize echo request: %w", err)
		}
		binary.BigEndian.PutUint16(payload[2:4], compensate(sum(), spec.FlowChecksum))
	}
	return echo, nil
}

// FlowChecksum returns the constant ICMP checksum used for a flow. 0xffff is
// avoided as it is the second representation of zero.
func FlowChecksum(flow uint16) uint16 {
	return 0x8000 | (flow % 0x7fff)
}

// tcpOptions mirrors what a regular SYN looks like so middleboxes do not
// treat the probe specially.
func tcpOptions(mss uint16, ts uint32) []layers.TCPOption {
	if mss == 0 {
		mss = 1460
	}
	mssBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(mssBytes, mss)
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint32(tsBytes[0:4], ts)

	return []layers.TCPOption{
		{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: mssBytes},
		{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
		{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{0x07}},
		{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
		{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
		{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: tsBytes},
		{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2},
		{OptionType: layers.TCPOptionKindEndList, OptionLength: 1},
	}
}

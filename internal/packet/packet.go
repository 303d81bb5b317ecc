// Package packet builds probe packets and decodes the replies they solicit.
package packet

import (
	"errors"
	"fmt"
	"strings"
)

// Codec errors.
var (
	// ErrMalformedPacket indicates a truncated or checksum-inconsistent reply.
	// Such replies are discarded and never retried.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrNotProbeReply indicates a well-formed packet that is not a reply to
	// any of our probes.
	ErrNotProbeReply = errors.New("not a probe reply")

	// ErrInvalidSpec indicates a probe specification that cannot be encoded.
	ErrInvalidSpec = errors.New("invalid probe specification")
)

// Protocol is the transport used for probes.
type Protocol uint8

const (
	ProtocolICMP Protocol = iota
	ProtocolUDP
	ProtocolTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ParseProtocol parses "icmp", "udp" or "tcp" (case-insensitive).
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "icmp":
		return ProtocolICMP, nil
	case "udp":
		return ProtocolUDP, nil
	case "tcp":
		return ProtocolTCP, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q: must be icmp, udp or tcp", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Protocol) MarshalText() ([]byte, error) {
	if p > ProtocolTCP {
		return nil, fmt.Errorf("unknown protocol %d", p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ReplyKind classifies an inbound reply.
type ReplyKind string

const (
	KindTimeExceeded    ReplyKind = "time_exceeded"
	KindEchoReply       ReplyKind = "echo_reply"
	KindPortUnreachable ReplyKind = "port_unreachable"
	KindDestUnreachable ReplyKind = "dest_unreachable"
	KindFragNeeded      ReplyKind = "frag_needed"
	KindTCPSynAck       ReplyKind = "tcp_syn_ack"
	KindTCPReset        ReplyKind = "tcp_reset"
)

// Terminal reports whether the kind can only be produced by the probed
// destination itself.
func (k ReplyKind) Terminal() bool {
	switch k {
	case KindEchoReply, KindPortUnreachable, KindTCPSynAck, KindTCPReset:
		return true
	}
	return false
}

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	icmpHeaderLen = 8
	udpHeaderLen  = 8

	// QuoteLen is the number of transport bytes an ICMP error is guaranteed
	// to quote (RFC 792).
	QuoteLen = 8

	// DefaultTTL is the IP TTL used for replies and PMTUD probes.
	DefaultTTL = 64
)

// ErrMessageTooLong is returned by transports when a DF probe exceeds the
// local interface MTU (EMSGSIZE).
var ErrMessageTooLong = errors.New("message too long")

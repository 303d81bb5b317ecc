// Package flow assigns the probing lanes of a target their ECMP-relevant
// identity and maps replies back to the lane they belong to.
//
// A flow keeps every field routers hash on constant across TTLs and rounds:
// the UDP/TCP source port for those protocols, and the ICMP checksum (held
// constant by payload compensation) for ICMP Echo.
package flow

import (
	"errors"
	"fmt"

	"github.com/tkjaer/hopwatch/internal/packet"
)

// MaxFlows is the highest number of flows per target. The flow id shares
// the IPv4 identification with the TTL (flow<<8 | ttl).
const MaxFlows = 255

// DefaultBasePort is the first source port used for UDP and TCP flows.
const DefaultBasePort = 33000

var ErrInvalidFlows = errors.New("invalid flow configuration")

// Flow is one probing lane towards a target.
type Flow struct {
	ID           uint16 `json:"id"`
	SrcPort      uint16 `json:"src_port"`
	ICMPChecksum uint16 `json:"icmp_checksum"`
}

// Manager holds the flows of a session. Flows are identical across targets;
// the target address keeps their in-flight keys apart.
type Manager struct {
	flows      []Flow
	byPort     map[uint16]uint16
	byChecksum map[uint16]uint16
}

// NewManager allocates n flows with source ports starting at basePort.
func NewManager(n int, basePort uint16) (*Manager, error) {
	if n < 1 || n > MaxFlows {
		return nil, fmt.Errorf("%w: flow count %d must be between 1 and %d", ErrInvalidFlows, n, MaxFlows)
	}
	if basePort == 0 {
		return nil, fmt.Errorf("%w: base source port must be non-zero", ErrInvalidFlows)
	}
	if int(basePort)+n-1 > 0xffff {
		return nil, fmt.Errorf("%w: source ports %d+%d exceed 65535", ErrInvalidFlows, basePort, n)
	}

	m := &Manager{
		flows:      make([]Flow, n),
		byPort:     make(map[uint16]uint16, n),
		byChecksum: make(map[uint16]uint16, n),
	}
	for i := range m.flows {
		id := uint16(i)
		f := Flow{
			ID:           id,
			SrcPort:      basePort + id,
			ICMPChecksum: packet.FlowChecksum(id),
		}
		m.flows[i] = f
		m.byPort[f.SrcPort] = id
		m.byChecksum[f.ICMPChecksum] = id
	}
	return m, nil
}

// Len returns the number of flows.
func (m *Manager) Len() int {
	return len(m.flows)
}

// Flows returns a copy of all flows ordered by id.
func (m *Manager) Flows() []Flow {
	return append([]Flow(nil), m.flows...)
}

// Flow returns the flow with the given id.
func (m *Manager) Flow(id uint16) (Flow, bool) {
	if int(id) >= len(m.flows) {
		return Flow{}, false
	}
	return m.flows[id], true
}

// ByPort returns the flow using the given source port.
func (m *Manager) ByPort(port uint16) (Flow, bool) {
	id, ok := m.byPort[port]
	if !ok {
		return Flow{}, false
	}
	return m.flows[id], true
}

// ByChecksum returns the flow whose ICMP probes carry the given checksum.
func (m *Manager) ByChecksum(sum uint16) (Flow, bool) {
	id, ok := m.byChecksum[sum]
	if !ok {
		return Flow{}, false
	}
	return m.flows[id], true
}

// ByIPID returns the flow encoded in an IPv4 identification produced by
// IPID.
func (m *Manager) ByIPID(id uint16) (Flow, bool) {
	return m.Flow(id >> 8)
}

// IPID returns the IPv4 identification for a probe of flow at ttl.
func IPID(flow uint16, ttl uint8) uint16 {
	return flow<<8 | uint16(ttl)
}

// Decode determines the flow a reply belongs to. The IPv4 identification is
// used when a NAT rewrote the source port, but only if the quoted TTL byte
// of the identification still matches the probe identity.
func (m *Manager) Decode(r *packet.Reply) (Flow, bool) {
	switch {
	case r.Quoted != nil:
		q := r.Quoted
		var (
			f  Flow
			ok bool
		)
		switch q.Protocol {
		case packet.ProtocolICMP:
			f, ok = m.ByChecksum(q.ICMPChecksum)
		default:
			f, ok = m.ByPort(q.SrcPort)
		}
		if ok {
			return f, true
		}
		if q.IsIPv6() {
			return Flow{}, false
		}
		identity, valid := q.Identity()
		if !valid {
			return Flow{}, false
		}
		ttl, _ := packet.DecodeTTLAndSeq(identity)
		if uint8(q.IPID) != ttl {
			return Flow{}, false
		}
		return m.ByIPID(q.IPID)
	case r.Echo != nil:
		if !r.Echo.HasFlow {
			return Flow{}, false
		}
		return m.Flow(r.Echo.Flow)
	case r.Segment != nil:
		return m.ByPort(r.Segment.DstPort)
	}
	return Flow{}, false
}

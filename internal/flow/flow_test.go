package flow

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/tkjaer/hopwatch/internal/packet"
)

var (
	local  = netip.MustParseAddr("192.0.2.10")
	target = netip.MustParseAddr("198.51.100.1")
	router = netip.MustParseAddr("203.0.113.7")
)

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name string
		n    int
		base uint16
		ok   bool
	}{
		{"single", 1, DefaultBasePort, true},
		{"max", MaxFlows, DefaultBasePort, true},
		{"zero", 0, DefaultBasePort, false},
		{"too many", MaxFlows + 1, DefaultBasePort, false},
		{"zero port", 4, 0, false},
		{"port overflow", 4, 65534, false},
		{"port at limit", 2, 65534, true},
	}
	for _, tt := range tests {
		_, err := NewManager(tt.n, tt.base)
		if tt.ok && err != nil {
			t.Errorf("%s: NewManager() error = %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidFlows) {
			t.Errorf("%s: NewManager() error = %v, want ErrInvalidFlows", tt.name, err)
		}
	}
}

func TestFlowsAreInjective(t *testing.T) {
	m, err := NewManager(64, DefaultBasePort)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ports := make(map[uint16]bool)
	sums := make(map[uint16]bool)
	for _, f := range m.Flows() {
		if ports[f.SrcPort] {
			t.Errorf("flow %d: duplicate source port %d", f.ID, f.SrcPort)
		}
		if sums[f.ICMPChecksum] {
			t.Errorf("flow %d: duplicate ICMP checksum %#04x", f.ID, f.ICMPChecksum)
		}
		ports[f.SrcPort] = true
		sums[f.ICMPChecksum] = true

		if got, ok := m.ByPort(f.SrcPort); !ok || got != f {
			t.Errorf("ByPort(%d) = %v, %v; want %v", f.SrcPort, got, ok, f)
		}
		if got, ok := m.ByChecksum(f.ICMPChecksum); !ok || got != f {
			t.Errorf("ByChecksum(%#04x) = %v, %v; want %v", f.ICMPChecksum, got, ok, f)
		}
		if got, ok := m.ByIPID(IPID(f.ID, 17)); !ok || got != f {
			t.Errorf("ByIPID(%#04x) = %v, %v; want %v", IPID(f.ID, 17), got, ok, f)
		}
	}
	if _, ok := m.Flow(64); ok {
		t.Errorf("Flow(64) found, want missing")
	}
}

func TestFlowsAreStable(t *testing.T) {
	a, _ := NewManager(8, DefaultBasePort)
	b, _ := NewManager(8, DefaultBasePort)
	for i, f := range a.Flows() {
		if b.Flows()[i] != f {
			t.Errorf("flow %d: got = %v, want %v", i, b.Flows()[i], f)
		}
	}
}

func probeFor(t *testing.T, f Flow, proto packet.Protocol, ttl uint8) []byte {
	t.Helper()
	spec := packet.Spec{
		Protocol: proto,
		Src:      local,
		Dst:      target,
		TTL:      ttl,
		Identity: packet.EncodeTTLAndSeq(ttl, 1),
		IPID:     IPID(f.ID, ttl),
		SrcPort:  f.SrcPort,
		DstPort:  33434,
		ICMPID:   42,
	}
	if proto == packet.ProtocolICMP {
		spec.FlowID = f.ID
		spec.FlowChecksum = f.ICMPChecksum
	}
	b, err := packet.Build(spec)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return b
}

func TestDecode(t *testing.T) {
	m, err := NewManager(4, DefaultBasePort)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	for _, proto := range []packet.Protocol{packet.ProtocolICMP, packet.ProtocolUDP, packet.ProtocolTCP} {
		for _, f := range m.Flows() {
			probe := probeFor(t, f, proto, 3)
			raw, err := packet.TimeExceeded(router, local, probe)
			if err != nil {
				t.Fatalf("TimeExceeded() error = %v", err)
			}
			r, err := packet.DecodeIP(raw, time.Now())
			if err != nil {
				t.Fatalf("DecodeIP() error = %v", err)
			}
			got, ok := m.Decode(r)
			if !ok || got != f {
				t.Errorf("%s: Decode() = %v, %v; want %v", proto, got, ok, f)
			}
		}
	}

	f, _ := m.Flow(2)
	echo, err := packet.EchoReply(probeFor(t, f, packet.ProtocolICMP, 9))
	if err != nil {
		t.Fatalf("EchoReply() error = %v", err)
	}
	r, err := packet.DecodeIP(echo, time.Now())
	if err != nil {
		t.Fatalf("DecodeIP() error = %v", err)
	}
	if got, ok := m.Decode(r); !ok || got != f {
		t.Errorf("echo: Decode() = %v, %v; want %v", got, ok, f)
	}

	synack, err := packet.TCPReply(probeFor(t, f, packet.ProtocolTCP, 9), false)
	if err != nil {
		t.Fatalf("TCPReply() error = %v", err)
	}
	r, err = packet.DecodeIP(synack, time.Now())
	if err != nil {
		t.Fatalf("DecodeIP() error = %v", err)
	}
	if got, ok := m.Decode(r); !ok || got != f {
		t.Errorf("syn-ack: Decode() = %v, %v; want %v", got, ok, f)
	}
}

func TestDecodeAfterPortRewrite(t *testing.T) {
	m, _ := NewManager(4, DefaultBasePort)
	f, _ := m.Flow(3)
	probe := probeFor(t, f, packet.ProtocolUDP, 6)
	if err := packet.RewriteSource(probe, netip.MustParseAddr("100.64.1.1"), 45000); err != nil {
		t.Fatalf("RewriteSource() error = %v", err)
	}
	raw, err := packet.TimeExceeded(router, local, probe)
	if err != nil {
		t.Fatalf("TimeExceeded() error = %v", err)
	}
	r, err := packet.DecodeIP(raw, time.Now())
	if err != nil {
		t.Fatalf("DecodeIP() error = %v", err)
	}
	if got, ok := m.Decode(r); !ok || got != f {
		t.Errorf("Decode() = %v, %v; want %v via IP ID", got, ok, f)
	}

	// A rewritten IP ID that no longer carries the TTL is not trusted.
	r.Quoted.IPID = 0x0399
	if got, ok := m.Decode(r); ok {
		t.Errorf("Decode() with foreign IP ID = %v, want no match", got)
	}
}

// Package detect holds the advisory NAT and ICMP rate-limit heuristics run
// over aggregated hop statistics. Results only annotate hops; they never
// influence probing.
package detect

import (
	"net/netip"

	"github.com/tkjaer/hopwatch/internal/stats"
)

// NATThresholds tune the NAT detector.
type NATThresholds struct {
	// MinSamples is the number of quoted replies a hop needs before it is
	// judged.
	MinSamples uint64 `yaml:"min_samples"`
	// MinRatio is the share of quoted replies that must show translation.
	MinRatio float64 `yaml:"min_ratio"`
}

// DefaultNATThresholds are the NAT detector defaults.
var DefaultNATThresholds = NATThresholds{MinSamples: 3, MinRatio: 0.5}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// IsCGNAT reports whether addr is in the RFC 6598 shared address space.
func IsCGNAT(addr netip.Addr) bool {
	return sharedAddressSpace.Contains(addr.Unmap())
}

// Translated reports whether the quotations of h show address or port
// rewriting.
func (th NATThresholds) Translated(h *stats.HopRecord) bool {
	n := h.NAT
	if n.Samples == 0 || n.Samples < th.MinSamples {
		return false
	}
	return float64(n.Mismatches())/float64(n.Samples) >= th.MinRatio
}

// DetectNAT sets the NAT flags of every hop of p and returns the boundary
// TTL, 0 if none. The boundary is the first hop whose quotations show
// translation; every later hop is flagged as behind NAT.
func DetectNAT(p *stats.PathState, th NATThresholds) uint8 {
	var boundary uint8
	for _, h := range p.Hops {
		h.Flags.NATBoundary = false
		h.Flags.BehindNAT = boundary != 0
		h.Flags.CGNAT = false
		for _, r := range h.Responders {
			if IsCGNAT(r.Addr) {
				h.Flags.CGNAT = true
			}
		}
		if boundary == 0 && th.Translated(h) {
			boundary = h.TTL
			h.Flags.NATBoundary = true
		}
	}
	return boundary
}

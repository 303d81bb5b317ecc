package probe

import (
	"fmt"
	"net/netip"
	"runtime"
	"strings"

	"github.com/tkjaer/hopwatch/internal/packet"
)

// bpfFilter returns the capture filter for replies to probes sent from
// local. ICMP errors and echo replies are matched by type, TCP replies by
// the flow source ports.
func bpfFilter(local netip.Addr, proto packet.Protocol, srcPort uint16, flows int, dstPort uint16) string {
	var icmp string
	if local.Is4() {
		// Echo Reply, Destination Unreachable (all codes, including
		// Fragmentation Needed) and Time Exceeded.
		icmp = "icmp and (icmp[0] == 0 or icmp[0] == 3 or icmp[0] == 11)"
	} else {
		// Destination Unreachable, Packet Too Big, Time Exceeded and Echo
		// Reply.
		icmp = "icmp6 and (icmp6[0] == 1 or icmp6[0] == 2 or icmp6[0] == 3 or icmp6[0] == 129)"
	}
	filter := fmt.Sprintf("(dst host %v and %v)", local, icmp)
	if proto != packet.ProtocolTCP {
		return filter
	}

	var portRange string
	// libpcap on OpenBSD does not support "portrange" syntax
	if runtime.GOOS == "openbsd" {
		ports := make([]string, 0, flows)
		for i := range flows {
			ports = append(ports, fmt.Sprintf("dst port %d", int(srcPort)+i))
		}
		portRange = "(" + strings.Join(ports, " or ") + ")"
	} else {
		portRange = fmt.Sprintf("dst portrange %d-%d", srcPort, int(srcPort)+flows-1)
	}

	// Match answers from the destination: ports reversed, since we are
	// capturing the returning packets.
	answers := fmt.Sprintf("tcp and dst host %v and src port %v and %v", local, dstPort, portRange)
	return fmt.Sprintf("%v or (%v)", filter, answers)
}

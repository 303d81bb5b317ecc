package probe

import (
	"errors"
	"log/slog"

	"github.com/jellydator/ttlcache/v3"

	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/pmtud"
	"github.com/tkjaer/hopwatch/internal/stats"
)

// recvProbes reads frames from the transport, decodes them and correlates
// the replies with in-flight probes.
func (m *Manager) recvProbes() {
	in := m.opts.Transport.Replies()
	for {
		select {
		case <-m.stop:
			slog.Debug("Stopping receive probes")
			return
		case frame, ok := <-in:
			if !ok {
				slog.Debug("Transport closed, stopping receive probes")
				return
			}
			m.handleFrame(frame)
		}
	}
}

func (m *Manager) handleFrame(frame packet.Frame) {
	r, err := frame.Decode()
	switch {
	case errors.Is(err, packet.ErrNotProbeReply):
		return
	case err != nil:
		slog.Debug("Malformed packet", "error", err)
		m.statsChan <- ProbeEvent{EventType: eventMalformed}
		return
	}
	m.correlate(r)
}

// correlate resolves the in-flight probe r answers. A reply for a probe
// that was already answered is a duplicate; anything else is unmatched.
func (m *Manager) correlate(r *packet.Reply) {
	key, ok := m.match(r)
	if !ok {
		slog.Debug("Unmatched reply", "from", r.Responder, "kind", r.Kind, "error", ErrUnmatchedReply)
		m.statsChan <- ProbeEvent{EventType: eventUnmatched}
		return
	}
	item, found := m.inflight.GetAndDelete(key)
	if !found {
		if m.matched.Has(key) {
			m.statsChan <- ProbeEvent{
				Key:       key,
				EventType: eventDuplicate,
				Data:      &ProbeEventDataDuplicate{From: r.Responder, At: r.ReceivedAt},
			}
			return
		}
		slog.Debug("Reply for unknown or expired probe", "probe", key, "from", r.Responder)
		m.statsChan <- ProbeEvent{EventType: eventUnmatched}
		return
	}
	m.matched.Set(key, r.Responder, ttlcache.DefaultTTL)

	p := item.Value()
	rtt := r.ReceivedAt.Sub(p.Sent)
	if rtt < 0 {
		rtt = 0
	}

	if key.PMTUD {
		if t := m.targets[key.Target]; t != nil {
			t.deliver(key, sizeEvent(r, p.Size))
		}
		return
	}

	m.statsChan <- ProbeEvent{
		Key:       key,
		EventType: eventReceived,
		Data: &ProbeEventDataReceived{
			Probe:    p,
			Reply:    r,
			RTT:      rtt,
			Evidence: evidence(r, p),
			Terminal: terminal(r, key),
		},
	}
}

// match derives the probe key from the identity and flow fields a reply
// carries.
func (m *Manager) match(r *packet.Reply) (ProbeKey, bool) {
	target := r.Target()
	if _, ok := m.targets[target]; !ok {
		return ProbeKey{}, false
	}
	identity, ok := r.Identity()
	if !ok {
		return ProbeKey{}, false
	}
	ttl, seq := packet.DecodeTTLAndSeq(identity)
	isPMTUD := ttl == 0

	proto := r.Protocol()
	switch {
	case isPMTUD && proto != packet.ProtocolICMP:
		return ProbeKey{}, false
	case !isPMTUD && proto != m.opts.Config.Protocol:
		return ProbeKey{}, false
	}
	if r.Echo != nil && r.Echo.ID != m.icmpID {
		return ProbeKey{}, false
	}
	if r.Segment != nil && r.Segment.SrcPort != m.opts.Config.DstPort {
		return ProbeKey{}, false
	}

	f, ok := m.flows.Decode(r)
	if !ok || (isPMTUD && f.ID != 0) {
		return ProbeKey{}, false
	}
	return ProbeKey{
		Target: target,
		Flow:   f.ID,
		TTL:    ttl,
		Seq:    uint16(seq),
		PMTUD:  isPMTUD,
	}, true
}

// terminal reports whether r shows that the probe reached its destination.
func terminal(r *packet.Reply, key ProbeKey) bool {
	if r.Kind.Terminal() {
		return true
	}
	return r.Responder == key.Target && r.Kind == packet.KindDestUnreachable
}

// evidence compares the quoted probe with what was sent.
func evidence(r *packet.Reply, p inflightProbe) stats.Evidence {
	q := r.Quoted
	if q == nil {
		return stats.Evidence{}
	}
	ev := stats.Evidence{
		Quoted:       true,
		AddrMismatch: q.Src != p.Src,
		QuotedTTL:    q.TTL,
		CheckTTL:     r.Kind == packet.KindTimeExceeded,
	}
	if q.Protocol == packet.ProtocolICMP {
		ev.PortMismatch = q.ICMPID != p.SrcPort
	} else {
		ev.PortMismatch = q.SrcPort != p.SrcPort
	}
	if !q.IsIPv6() {
		ev.IPIDMismatch = q.IPID != p.IPID
	}
	return ev
}

// sizeEvent maps the answer to a PMTUD probe onto a search event.
func sizeEvent(r *packet.Reply, size int) pmtud.Event {
	switch r.Kind {
	case packet.KindEchoReply:
		return pmtud.Reply{Size: size}
	case packet.KindFragNeeded:
		return pmtud.TooBig{Size: size, MTU: int(r.NextHopMTU)}
	}
	return pmtud.Timeout{Size: size}
}

package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/tkjaer/hopwatch/internal/flow"
	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/pmtud"
)

// discover runs path MTU discovery towards t once flow 0 reached the
// destination. Probes are ICMP Echo Requests with Don't Fragment set, sent
// one at a time on flow 0's checksum so they follow its path.
func (m *Manager) discover(ctx context.Context, t *targetProbe, roundsDone <-chan struct{}) {
	if !m.opts.PMTUDImmediate {
		select {
		case <-t.reached:
		case <-roundsDone:
			m.publishPMTUD(t, pmtud.Failed{Reason: "destination not reached"})
			return
		case <-ctx.Done():
			return
		}
	}

	floor := pmtud.Floor(!t.addr.Is4())
	state := pmtud.Next(pmtud.Init{}, pmtud.Start{Floor: floor, Ceiling: t.mtu})
	m.publishPMTUD(t, state)

	var seq uint
	for {
		s, ok := state.(pmtud.Searching)
		if !ok {
			break
		}
		ev, err := m.probeSize(ctx, t, s.Size, seq)
		seq++
		if err != nil {
			slog.Debug("Path MTU discovery interrupted", "target", t.addr, "error", err)
			return
		}
		state = pmtud.Next(state, ev)
		m.publishPMTUD(t, state)
	}

	switch st := state.(type) {
	case pmtud.Converged:
		slog.Info("Path MTU discovered", "target", t.addr, "mtu", st.MTU, "probes", st.Probes)
	case pmtud.Failed:
		slog.Warn("Path MTU discovery failed", "target", t.addr, "probes", st.Probes, "error", pmtud.Err(st))
	}
}

func (m *Manager) publishPMTUD(t *targetProbe, st pmtud.State) {
	m.statsChan <- ProbeEvent{Key: ProbeKey{Target: t.addr, PMTUD: true}, EventType: eventPMTUD, Data: st}
}

// probeSize sends one DF probe of size bytes and waits for its outcome.
func (m *Manager) probeSize(ctx context.Context, t *targetProbe, size int, seq uint) (pmtud.Event, error) {
	f, _ := m.flows.Flow(0)
	spec := packet.Spec{
		Protocol:     packet.ProtocolICMP,
		Src:          t.src,
		Dst:          t.addr,
		TTL:          packet.DefaultTTL,
		Identity:     packet.EncodeTTLAndSeq(0, seq),
		DSCP:         m.opts.Config.DSCP,
		DontFragment: true,
		IPID:         flow.IPID(f.ID, 0),
		ICMPID:       m.icmpID,
		FlowID:       f.ID,
		FlowChecksum: f.ICMPChecksum,
		Size:         size,
	}
	b, err := packet.Build(spec)
	if err != nil {
		// Sizes the builder cannot produce count as rejected.
		slog.Debug("Cannot build PMTUD probe", "target", t.addr, "size", size, "error", err)
		return pmtud.TooBig{Size: size}, nil
	}

	// Drop results of earlier probes.
	for len(t.results) > 0 {
		<-t.results
	}

	key := ProbeKey{Target: t.addr, Seq: uint16(seq % packet.SeqWindow), PMTUD: true}
	m.track(key, inflightProbe{
		Sent:     time.Now(),
		Epoch:    m.session.Epoch(),
		Protocol: packet.ProtocolICMP,
		Src:      t.src,
		SrcPort:  m.icmpID,
		IPID:     spec.IPID,
		Size:     size,
	})
	if err := m.transmit(ctx, key, b); err != nil {
		return nil, err
	}

	for {
		select {
		case res := <-t.results:
			if res.key == key {
				return res.event, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/tkjaer/hopwatch/internal/flow"
	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/session"
)

// drainPoll is how often a finished target checks for in-flight probes.
const drainPoll = 10 * time.Millisecond

// schedule runs the probing rounds of one target. A round sweeps TTL 1 up
// to the path limit on every flow; rounds start every interval while the
// session is running. Once the configured count is reached it waits for
// the target's in-flight probes to resolve.
func (m *Manager) schedule(ctx context.Context, t *targetProbe) {
	cfg := m.opts.Config
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var round uint
	for {
		if _, running := m.session.Mode().(session.Running); running {
			if err := m.sendRound(ctx, t, round); err != nil {
				slog.Debug("Stopping probe rounds", "target", t.addr, "error", err)
				return
			}
			round++
			m.statsChan <- ProbeEvent{Key: ProbeKey{Target: t.addr}, EventType: eventRound}
			if cfg.Count > 0 && round >= uint(cfg.Count) {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	slog.Debug("Probe rounds complete, draining", "target", t.addr, "rounds", round)
	m.drain(ctx, t)
}

func (m *Manager) sendRound(ctx context.Context, t *targetProbe, round uint) error {
	seq := round % packet.SeqWindow
	for _, f := range m.flows.Flows() {
		// The limit shrinks once the destination answers mid-round.
		for ttl := uint8(1); ttl <= m.session.Limit(t.addr, f.ID); ttl++ {
			if err := m.sendProbe(ctx, t, f, ttl, seq); err != nil {
				return err
			}
			if err := m.pace(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) pace(ctx context.Context) error {
	if m.opts.InterTTLDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.opts.InterTTLDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sendProbe builds one probe, records it in flight and queues it for the
// transmit routine.
func (m *Manager) sendProbe(ctx context.Context, t *targetProbe, f flow.Flow, ttl uint8, seq uint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := m.opts.Config
	now := time.Now()
	spec := packet.Spec{
		Protocol:     cfg.Protocol,
		Src:          t.src,
		Dst:          t.addr,
		TTL:          ttl,
		Identity:     packet.EncodeTTLAndSeq(ttl, seq),
		DSCP:         cfg.DSCP,
		IPID:         flow.IPID(f.ID, ttl),
		ICMPID:       m.icmpID,
		FlowID:       f.ID,
		FlowChecksum: f.ICMPChecksum,
		SrcPort:      f.SrcPort,
		DstPort:      cfg.DstPort,
		MSS:          t.mss,
		Timestamp:    uint32(now.UnixMilli()),
	}
	b, err := packet.Build(spec)
	if err != nil {
		return err
	}

	port := f.SrcPort
	if cfg.Protocol == packet.ProtocolICMP {
		port = m.icmpID
	}
	key := ProbeKey{Target: t.addr, Flow: f.ID, TTL: ttl, Seq: uint16(seq)}
	m.track(key, inflightProbe{
		Sent:     now,
		Epoch:    m.session.Epoch(),
		Protocol: cfg.Protocol,
		Src:      t.src,
		SrcPort:  port,
		IPID:     spec.IPID,
		Size:     len(b),
	})
	m.statsChan <- ProbeEvent{Key: key, EventType: eventSent}
	return m.transmit(ctx, key, b)
}

func (m *Manager) transmit(ctx context.Context, key ProbeKey, b []byte) error {
	select {
	case m.transmitChan <- TransmitEvent{Key: key, Buffer: b}:
		return nil
	case <-ctx.Done():
		m.retract(key)
		return ctx.Err()
	}
}

// drain waits until no probe to t is in flight.
func (m *Manager) drain(ctx context.Context, t *targetProbe) {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for t.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

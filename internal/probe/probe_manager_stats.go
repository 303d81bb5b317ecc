package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/tkjaer/hopwatch/internal/metrics"
	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/pmtud"
	"github.com/tkjaer/hopwatch/internal/session"
	"github.com/tkjaer/hopwatch/internal/stats"
)

// ProbeKey identifies one in-flight probe. PMTUD probes carry TTL 0.
type ProbeKey struct {
	Target netip.Addr
	Flow   uint16
	TTL    uint8
	Seq    uint16
	PMTUD  bool
}

func (k ProbeKey) hop() session.Key {
	return session.Key{Target: k.Target, Flow: k.Flow, TTL: k.TTL}
}

func (k ProbeKey) String() string {
	if k.PMTUD {
		return fmt.Sprintf("%s/pmtud/seq %d", k.Target, k.Seq)
	}
	return fmt.Sprintf("%s/seq %d", k.hop(), k.Seq)
}

// inflightProbe records what was sent, for RTT and NAT evidence.
type inflightProbe struct {
	Sent     time.Time
	Epoch    uint64
	Protocol packet.Protocol
	Src      netip.Addr
	// SrcPort is the source port, or the Echo identifier of ICMP probes.
	SrcPort uint16
	IPID    uint16
	Size    int
}

// Event types
const (
	eventSent       = "sent"
	eventReceived   = "received"
	eventTimeout    = "timeout"
	eventRetracted  = "retracted"
	eventDuplicate  = "duplicate"
	eventUnmatched  = "unmatched"
	eventMalformed  = "malformed"
	eventRound      = "round"
	eventPMTUD      = "pmtud"
	eventAnnotation = "annotation"
	eventSync       = "sync"
)

// ProbeEvent is a message to the stats processor, the single writer of
// the session.
type ProbeEvent struct {
	Key       ProbeKey
	EventType string
	Data      any
}

type ProbeEventDataReceived struct {
	Probe    inflightProbe
	Reply    *packet.Reply
	RTT      time.Duration
	Evidence stats.Evidence
	Terminal bool
}

type ProbeEventDataTimeout struct {
	Probe inflightProbe
}

type ProbeEventDataDuplicate struct {
	From netip.Addr
	At   time.Time
}

type ProbeEventDataAnnotation struct {
	Addr   netip.Addr
	Values map[string]string
}

func (m *Manager) initCaches() {
	timeout := m.opts.Config.Timeout
	m.inflight = ttlcache.New(
		ttlcache.WithTTL[ProbeKey, inflightProbe](timeout),
		ttlcache.WithDisableTouchOnHit[ProbeKey, inflightProbe](),
	)
	m.inflight.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[ProbeKey, inflightProbe]) {
		defer m.pending.Done()
		key := item.Key()
		if t := m.targets[key.Target]; t != nil {
			defer t.pending.Add(-1)
		}
		if reason == ttlcache.EvictionReasonExpired {
			m.expired(key, item.Value())
		}
	})

	// Replies arriving for an already matched probe are duplicates, as
	// long as they come within the timeout.
	m.matched = ttlcache.New(
		ttlcache.WithTTL[ProbeKey, netip.Addr](timeout),
		ttlcache.WithDisableTouchOnHit[ProbeKey, netip.Addr](),
	)
}

// track inserts a probe into the in-flight table. It must precede the
// send so an early reply always finds it.
func (m *Manager) track(key ProbeKey, p inflightProbe) {
	if m.inflight.Has(key) {
		m.retract(key)
	}
	m.pending.Add(1)
	if t := m.targets[key.Target]; t != nil {
		t.pending.Add(1)
	}
	m.inflight.Set(key, p, ttlcache.DefaultTTL)
}

// expired is called once a probe's timeout elapsed without a reply.
func (m *Manager) expired(key ProbeKey, p inflightProbe) {
	if key.PMTUD {
		if t := m.targets[key.Target]; t != nil {
			t.deliver(key, pmtud.Timeout{Size: p.Size})
		}
		return
	}
	slog.Debug("Probe expired", "probe", key, "error", ErrProbeTimeout)
	m.statsChan <- ProbeEvent{
		Key:       key,
		EventType: eventTimeout,
		Data:      &ProbeEventDataTimeout{Probe: p},
	}
}

// retract removes a probe that will never resolve normally, because it
// could not be sent or probing stopped. It is not counted as sent.
func (m *Manager) retract(key ProbeKey) {
	item, ok := m.inflight.GetAndDelete(key)
	if !ok {
		return
	}
	if key.PMTUD {
		if t := m.targets[key.Target]; t != nil {
			t.deliver(key, pmtud.Timeout{Size: item.Value().Size})
		}
	}
	m.statsChan <- ProbeEvent{Key: key, EventType: eventRetracted}
}

// statsProcessor applies events and commands to the session until the
// stats channel is closed.
func (m *Manager) statsProcessor() {
	for {
		select {
		case event, ok := <-m.statsChan:
			if !ok {
				slog.Debug("Stopping stats processor")
				return
			}
			m.handleEvent(event)
		case req := <-m.commands:
			req.result <- m.apply(req.command)
		}
	}
}

func (m *Manager) handleEvent(event ProbeEvent) {
	key := event.Key
	target := key.Target.String()
	proto := m.opts.Config.Protocol

	switch event.EventType {
	case eventSent:
		m.session.Probed(key.hop())

	case eventReceived:
		data := event.Data.(*ProbeEventDataReceived)
		if data.Probe.Epoch != m.session.Epoch() {
			m.session.Count(session.CounterStale)
			m.opts.Metrics.Diagnostic("stale")
			return
		}
		r := data.Reply
		m.opts.Metrics.Resolved(target, proto, metrics.ResultReply)
		m.opts.Metrics.Reply(target, r.Kind, data.RTT)
		if !m.session.RecordReply(key.hop(), r.Responder, data.RTT, r.ReceivedAt, data.Evidence, data.Terminal) {
			return
		}
		if data.Terminal && key.Flow == 0 {
			m.targets[key.Target].markReached()
		}
		m.requestAnnotation(r.Responder)

	case eventTimeout:
		data := event.Data.(*ProbeEventDataTimeout)
		if data.Probe.Epoch != m.session.Epoch() {
			m.session.Count(session.CounterStale)
			m.opts.Metrics.Diagnostic("stale")
			return
		}
		m.opts.Metrics.Resolved(target, proto, metrics.ResultTimeout)
		m.session.RecordLoss(key.hop())

	case eventRetracted:
		m.session.Count(session.CounterRetracted)
		m.opts.Metrics.Resolved(target, proto, metrics.ResultRetracted)

	case eventDuplicate:
		data := event.Data.(*ProbeEventDataDuplicate)
		m.session.RecordDuplicate(key.hop(), data.From, data.At)
		m.opts.Metrics.Diagnostic("duplicates")

	case eventUnmatched:
		m.session.Count(session.CounterUnmatched)
		m.opts.Metrics.Diagnostic("unmatched")

	case eventMalformed:
		m.session.Count(session.CounterMalformed)
		m.opts.Metrics.Diagnostic("malformed")

	case eventRound:
		m.session.AddRound(key.Target)

	case eventPMTUD:
		m.session.SetPMTUD(key.Target, event.Data.(pmtud.State))

	case eventAnnotation:
		data := event.Data.(*ProbeEventDataAnnotation)
		for k, v := range data.Values {
			m.session.Annotate(data.Addr, k, v)
		}

	case eventSync:
		close(event.Data.(chan struct{}))
	}
}

func (m *Manager) apply(c session.Command) error {
	mode, err := m.session.Apply(c, time.Now())
	if err != nil {
		return err
	}
	slog.Info("Run mode changed", "command", c, "mode", mode)
	switch c {
	case session.Reset:
		m.matched.DeleteAll()
	case session.Stop:
		m.halt()
	}
	return nil
}

// requestAnnotation looks up addr once per session. Lookups run
// asynchronously and report back through the stats channel.
func (m *Manager) requestAnnotation(addr netip.Addr) {
	if m.opts.Annotator == nil || m.seen[addr] {
		return
	}
	m.seen[addr] = true
	ctx := m.runCtx
	m.annotations.Add(1)
	go func() {
		defer m.annotations.Done()
		values, err := m.opts.Annotator.Annotate(ctx, addr)
		if err != nil {
			slog.Debug("Annotation failed", "addr", addr, "error", err)
			return
		}
		if len(values) == 0 {
			return
		}
		m.statsChan <- ProbeEvent{
			EventType: eventAnnotation,
			Data:      &ProbeEventDataAnnotation{Addr: addr, Values: values},
		}
	}()
}

// Package metrics exposes probe results as Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/session"
)

// Probe results.
const (
	ResultReply     = "reply"
	ResultTimeout   = "timeout"
	ResultRetracted = "retracted"
)

// Metrics holds the collectors of a probe session. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	probes      *prometheus.CounterVec
	replies     *prometheus.CounterVec
	diagnostics *prometheus.CounterVec
	rtt         *prometheus.HistogramVec
	hopLoss     *prometheus.GaugeVec
	hopRTT      *prometheus.GaugeVec
	reached     *prometheus.GaugeVec
	pmtu        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg, if not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hopwatch_probes_total",
				Help: "Total number of resolved probes by result",
			},
			[]string{"target", "protocol", "result"},
		),
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hopwatch_replies_total",
				Help: "Total number of matched replies by kind",
			},
			[]string{"target", "kind"},
		),
		diagnostics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hopwatch_diagnostic_total",
				Help: "Packets that did not resolve a probe",
			},
			[]string{"counter"},
		),
		rtt: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hopwatch_reply_rtt_seconds",
				Help:    "Round-trip time of matched replies",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"target"},
		),
		hopLoss: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hopwatch_hop_loss_ratio",
				Help: "Loss ratio of each hop between 0 and 1",
			},
			[]string{"target", "flow", "ttl"},
		),
		hopRTT: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hopwatch_hop_rtt_ms",
				Help: "Average round-trip time of each hop in milliseconds",
			},
			[]string{"target", "flow", "ttl"},
		),
		reached: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hopwatch_destination_reached",
				Help: "Whether the destination answered on the flow (1 = yes, 0 = no)",
			},
			[]string{"target", "flow"},
		),
		pmtu: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hopwatch_path_mtu_bytes",
				Help: "Discovered path MTU, 0 while unknown",
			},
			[]string{"target"},
		),
	}
	if reg != nil {
		for _, c := range m.Collectors() {
			reg.MustRegister(c)
		}
	}
	return m
}

// Collectors returns all metric collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.probes,
		m.replies,
		m.diagnostics,
		m.rtt,
		m.hopLoss,
		m.hopRTT,
		m.reached,
		m.pmtu,
	}
}

// Resolved counts a probe that was answered, timed out or retracted.
func (m *Metrics) Resolved(target string, proto packet.Protocol, result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(target, proto.String(), result).Inc()
}

// Reply records a matched reply.
func (m *Metrics) Reply(target string, kind packet.ReplyKind, rtt time.Duration) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(target, string(kind)).Inc()
	m.rtt.WithLabelValues(target).Observe(rtt.Seconds())
}

// Diagnostic counts an unmatched, malformed, duplicate or stale packet.
func (m *Metrics) Diagnostic(counter string) {
	if m == nil {
		return
	}
	m.diagnostics.WithLabelValues(counter).Inc()
}

// Update sets the per-hop gauges from snap. Hops beyond a terminal TTL are
// removed, as are the hops of a reset path.
func (m *Metrics) Update(snap *session.Snapshot) {
	if m == nil || snap == nil {
		return
	}
	m.hopLoss.Reset()
	m.hopRTT.Reset()
	m.reached.Reset()
	for _, t := range snap.Targets {
		if t.Target.Status != session.StatusOK {
			continue
		}
		target := t.Target.Addr.String()
		m.pmtu.WithLabelValues(target).Set(float64(t.PMTUD.MTU))
		for _, f := range t.Flows {
			flow := strconv.Itoa(int(f.Flow))
			reached := 0.0
			if f.Terminal {
				reached = 1
			}
			m.reached.WithLabelValues(target, flow).Set(reached)
			for _, h := range f.Hops {
				if h.Sent == 0 {
					continue
				}
				ttl := strconv.Itoa(int(h.TTL))
				m.hopLoss.WithLabelValues(target, flow, ttl).Set(h.LossPct / 100)
				if h.Received > 0 {
					m.hopRTT.WithLabelValues(target, flow, ttl).Set(h.AvgMs)
				}
			}
		}
	}
}

// Complete records the final snapshot, so the gauges keep describing the
// session after probing stopped.
func (m *Metrics) Complete(snap *session.Snapshot) {
	m.Update(snap)
}

// Close is a no-op; the collectors stay registered.
func (m *Metrics) Close() error {
	return nil
}

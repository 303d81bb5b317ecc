// Package stats aggregates per-hop probe results: loss, RTT distribution,
// jitter and the responders seen at each TTL.
package stats

import (
	"maps"
	"math"
	"net/netip"
	"time"
)

// ArrivalWindow is the number of reply timestamps kept per responder for
// gap analysis.
const ArrivalWindow = 32

// RecentWindow is the number of RTT samples kept per responder.
const RecentWindow = 16

// ResponderStats is the RTT distribution of the replies from one responder.
type ResponderStats struct {
	Last    time.Duration   `json:"last"`
	Min     time.Duration   `json:"min"`
	Max     time.Duration   `json:"max"`
	Welford Welford         `json:"welford"`
	Jitter  Jitter          `json:"jitter"`
	Recent  []time.Duration `json:"recent,omitempty"`
}

func (s *ResponderStats) add(rtt time.Duration) {
	if s.Welford.N == 0 || rtt < s.Min {
		s.Min = rtt
	}
	s.Max = max(s.Max, rtt)
	s.Last = rtt
	us := float64(rtt) / float64(time.Microsecond)
	s.Welford.Add(us)
	s.Jitter.Add(us)
	if len(s.Recent) == RecentWindow {
		copy(s.Recent, s.Recent[1:])
		s.Recent = s.Recent[:RecentWindow-1]
	}
	s.Recent = append(s.Recent, rtt)
}

// Responder is one address seen answering at a hop.
type Responder struct {
	Addr       netip.Addr     `json:"addr"`
	Received   uint64         `json:"received"`
	Duplicates uint64         `json:"duplicates"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	Arrivals   []time.Time    `json:"arrivals,omitempty"`
	Stats      ResponderStats `json:"stats"`
}

func (r *Responder) hit(at time.Time) {
	if r.FirstSeen.IsZero() {
		r.FirstSeen = at
	}
	r.LastSeen = at
	r.Received++
	if len(r.Arrivals) == ArrivalWindow {
		copy(r.Arrivals, r.Arrivals[1:])
		r.Arrivals = r.Arrivals[:ArrivalWindow-1]
	}
	r.Arrivals = append(r.Arrivals, at)
}

// Evidence is what one reply's quotation says about address translation.
type Evidence struct {
	Quoted       bool  `json:"quoted"`
	AddrMismatch bool  `json:"addr_mismatch"`
	PortMismatch bool  `json:"port_mismatch"`
	IPIDMismatch bool  `json:"ipid_mismatch"`
	QuotedTTL    uint8 `json:"quoted_ttl"`
	// CheckTTL is set for Time Exceeded replies, where the quoted TTL is
	// expected to be at most 1.
	CheckTTL bool `json:"check_ttl"`
}

// NATEvidence counts translation evidence across the replies of a hop.
type NATEvidence struct {
	Samples      uint64 `json:"samples"`
	AddrMismatch uint64 `json:"addr_mismatch"`
	PortMismatch uint64 `json:"port_mismatch"`
	IPIDMismatch uint64 `json:"ipid_mismatch"`
	TTLAboveOne  uint64 `json:"ttl_above_one"`
}

// Add counts e if the reply carried a quotation.
func (n *NATEvidence) Add(e Evidence) {
	if !e.Quoted {
		return
	}
	n.Samples++
	if e.AddrMismatch {
		n.AddrMismatch++
	}
	if e.PortMismatch {
		n.PortMismatch++
	}
	if e.IPIDMismatch {
		n.IPIDMismatch++
	}
	if e.CheckTTL && e.QuotedTTL > 1 {
		n.TTLAboveOne++
	}
}

// Mismatches returns the number of samples with translation evidence. The
// counters overlap, so the largest one is a lower bound.
func (n *NATEvidence) Mismatches() uint64 {
	return max(n.AddrMismatch, n.PortMismatch, n.IPIDMismatch, n.TTLAboveOne)
}

// Flags are the advisory detector results for a hop.
type Flags struct {
	NATBoundary bool `json:"nat_boundary"`
	BehindNAT   bool `json:"behind_nat"`
	CGNAT       bool `json:"cgnat"`
	RateLimited bool `json:"rate_limited"`
}

// HopRecord holds the statistics of one (target, flow, TTL).
//
// Sent counts resolved probes: each probe is counted once, either with its
// first reply or with its timeout, so Received never exceeds Sent.
type HopRecord struct {
	TTL        uint8        `json:"ttl"`
	Sent       uint64       `json:"sent"`
	Received   uint64       `json:"received"`
	Responders []*Responder `json:"responders"`
	RTT        Ring         `json:"rtt"`
	Welford    Welford      `json:"welford"`
	Jitter     Jitter       `json:"jitter"`
	LastSeen   time.Time    `json:"last_seen"`
	NAT        NATEvidence  `json:"nat"`
	Flags      Flags        `json:"flags"`
	// Annotations holds externally provided data keyed by responder address.
	Annotations map[string]map[string]string `json:"annotations,omitempty"`
}

// NewHopRecord returns an empty record for ttl.
func NewHopRecord(ttl uint8) *HopRecord {
	return &HopRecord{TTL: ttl, Responders: []*Responder{}}
}

// RecordReply counts a probe answered by addr after rtt.
func (h *HopRecord) RecordReply(addr netip.Addr, rtt time.Duration, at time.Time, ev Evidence) {
	at = at.UTC()
	h.Sent++
	h.Received++
	h.RTT.Add(rtt)
	us := float64(rtt) / float64(time.Microsecond)
	h.Welford.Add(us)
	h.Jitter.Add(us)
	h.LastSeen = at
	r := h.responder(addr)
	r.hit(at)
	r.Stats.add(rtt)
	h.NAT.Add(ev)
}

// RecordLoss counts a probe that timed out.
func (h *HopRecord) RecordLoss() {
	h.Sent++
}

// RecordDuplicate notes a further reply to an already answered probe. It
// adds addr to the responders without counting an RTT sample.
func (h *HopRecord) RecordDuplicate(addr netip.Addr, at time.Time) {
	r := h.responder(addr)
	r.Duplicates++
	if r.FirstSeen.IsZero() {
		r.FirstSeen = at.UTC()
		r.LastSeen = at.UTC()
	}
}

// Responder returns the responder entry for addr, or nil.
func (h *HopRecord) Responder(addr netip.Addr) *Responder {
	for _, r := range h.Responders {
		if r.Addr == addr {
			return r
		}
	}
	return nil
}

func (h *HopRecord) responder(addr netip.Addr) *Responder {
	if r := h.Responder(addr); r != nil {
		return r
	}
	r := &Responder{Addr: addr}
	h.Responders = append(h.Responders, r)
	return r
}

// Primary returns the responder with the most replies, the earliest seen
// one on a tie.
func (h *HopRecord) Primary() *Responder {
	var best *Responder
	for _, r := range h.Responders {
		if best == nil || r.Received > best.Received {
			best = r
		}
	}
	return best
}

// Loss returns the loss percentage, 0 when nothing was resolved yet.
func (h *HopRecord) Loss() float64 {
	if h.Sent == 0 {
		return 0
	}
	return 100 * (1 - float64(h.Received)/float64(h.Sent))
}

// Annotate attaches key=value to the responder address addr.
func (h *HopRecord) Annotate(addr netip.Addr, key, value string) {
	if h.Annotations == nil {
		h.Annotations = make(map[string]map[string]string)
	}
	a := addr.String()
	if h.Annotations[a] == nil {
		h.Annotations[a] = make(map[string]string)
	}
	h.Annotations[a][key] = value
}

// Reset zeroes the record, keeping its TTL and annotations.
func (h *HopRecord) Reset() {
	*h = HopRecord{TTL: h.TTL, Responders: []*Responder{}, Annotations: h.Annotations}
}

// Clone returns a deep copy.
func (h *HopRecord) Clone() *HopRecord {
	c := *h
	c.Responders = make([]*Responder, len(h.Responders))
	for i, r := range h.Responders {
		rc := *r
		rc.Arrivals = append([]time.Time(nil), r.Arrivals...)
		rc.Stats.Recent = append([]time.Duration(nil), r.Stats.Recent...)
		c.Responders[i] = &rc
	}
	c.RTT = h.RTT.clone()
	if h.Annotations != nil {
		c.Annotations = make(map[string]map[string]string, len(h.Annotations))
		for k, v := range h.Annotations {
			c.Annotations[k] = maps.Clone(v)
		}
	}
	return &c
}

// ResponderSummary is the derived view of one responder at a hop.
type ResponderSummary struct {
	Addr       string  `json:"addr"`
	Received   uint64  `json:"received"`
	Duplicates uint64  `json:"duplicates"`
	LastMs     float64 `json:"last_ms"`
	MinMs      float64 `json:"min_ms"`
	AvgMs      float64 `json:"avg_ms"`
	MaxMs      float64 `json:"max_ms"`
	StdDevMs   float64 `json:"stddev_ms"`
	JitterMs   float64 `json:"jitter_ms"`
}

// Summary derives the responder statistics.
func (r *Responder) Summary() ResponderSummary {
	return ResponderSummary{
		Addr:       r.Addr.String(),
		Received:   r.Received,
		Duplicates: r.Duplicates,
		LastMs:     ms(r.Stats.Last),
		MinMs:      ms(r.Stats.Min),
		AvgMs:      round(r.Stats.Welford.Mean/1000, 3),
		MaxMs:      ms(r.Stats.Max),
		StdDevMs:   round(r.Stats.Welford.StdDev()/1000, 3),
		JitterMs:   round(r.Stats.Jitter.Value()/1000, 3),
	}
}

// Summary is the derived view of a HopRecord.
type Summary struct {
	TTL          uint8              `json:"ttl"`
	Primary      string             `json:"primary,omitempty"`
	Responders   []string           `json:"responders"`
	Sent         uint64             `json:"sent"`
	Received     uint64             `json:"received"`
	LossPct      float64            `json:"loss_pct"`
	LastMs       float64            `json:"last_ms"`
	MinMs        float64            `json:"min_ms"`
	AvgMs        float64            `json:"avg_ms"`
	MaxMs        float64            `json:"max_ms"`
	StdDevMs     float64            `json:"stddev_ms"`
	JitterMs     float64            `json:"jitter_ms"`
	Flags        Flags              `json:"flags"`
	PerResponder []ResponderSummary `json:"per_responder"`
}

// Summary derives the hop statistics from the raw state.
func (h *HopRecord) Summary() Summary {
	s := Summary{
		TTL:          h.TTL,
		Responders:   make([]string, 0, len(h.Responders)),
		Sent:         h.Sent,
		Received:     h.Received,
		LossPct:      round(h.Loss(), 3),
		StdDevMs:     round(h.Welford.StdDev()/1000, 3),
		JitterMs:     round(h.Jitter.Value()/1000, 3),
		Flags:        h.Flags,
		PerResponder: make([]ResponderSummary, 0, len(h.Responders)),
	}
	for _, r := range h.Responders {
		s.Responders = append(s.Responders, r.Addr.String())
		s.PerResponder = append(s.PerResponder, r.Summary())
	}
	if p := h.Primary(); p != nil {
		s.Primary = p.Addr.String()
	}
	if last, ok := h.RTT.Last(); ok {
		s.LastMs = ms(last)
	}
	lo, avg, hi := h.RTT.MinAvgMax()
	s.MinMs, s.AvgMs, s.MaxMs = ms(lo), ms(avg), ms(hi)
	return s
}

func ms(d time.Duration) float64 {
	return round(float64(d)/float64(time.Millisecond), 3)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// Package session holds the top-level probe session: targets, the path
// state of every (target, flow), PMTUD results, the run mode and the
// diagnostic counters. It also defines the persisted session document
// consumed by replay.
package session

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/tkjaer/hopwatch/internal/detect"
	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/pmtud"
	"github.com/tkjaer/hopwatch/internal/stats"
)

// Config is the probing configuration of a session.
type Config struct {
	Protocol packet.Protocol `json:"protocol"`
	// Count is the number of rounds, 0 for unlimited.
	Count    uint32        `json:"count"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
	PMTUD    bool          `json:"pmtud"`
	Flows    int           `json:"flows"`
	DSCP     uint8         `json:"dscp"`
	MaxTTL   uint8         `json:"max_ttl"`
	DstPort  uint16        `json:"dst_port"`
	SrcPort  uint16        `json:"src_port"`
	Targets  []string      `json:"targets"`
}

// Counters are diagnostic only.
type Counters struct {
	Unmatched  uint64 `json:"unmatched"`
	Malformed  uint64 `json:"malformed"`
	Duplicates uint64 `json:"duplicates"`
	Retracted  uint64 `json:"retracted"`
	Stale      uint64 `json:"stale"`
}

// Counter selects one of the Counters.
type Counter int

const (
	CounterUnmatched Counter = iota
	CounterMalformed
	CounterDuplicates
	CounterRetracted
	CounterStale
)

// Key addresses one HopRecord. It carries no reference into the session.
type Key struct {
	Target netip.Addr
	Flow   uint16
	TTL    uint8
}

func (k Key) String() string {
	return fmt.Sprintf("%s/flow %d/ttl %d", k.Target, k.Flow, k.TTL)
}

type targetState struct {
	target Target
	rounds uint64
	paths  []*stats.PathState
	pmtud  pmtud.State
}

// Session is the aggregate of a run. All mutating methods are meant to be
// called by a single writer; Snapshot may be called concurrently.
type Session struct {
	mu         sync.RWMutex
	config     Config
	thresholds detect.Thresholds
	started    time.Time
	mode       Mode
	epoch      uint64
	counters   Counters
	targets    []*targetState
	byAddr     map[netip.Addr]*targetState
	// annotations by responder address, copied to hops it answers later
	annotations map[netip.Addr]map[string]string
}

// New creates a running session over targets. Unresolvable targets are
// kept for reporting but never probed; a second target resolving to an
// already present address is dropped.
func New(cfg Config, targets []Target, thresholds detect.Thresholds, started time.Time) *Session {
	s := &Session{
		config:      cfg,
		thresholds:  thresholds,
		started:     started.UTC(),
		mode:        Running{},
		byAddr:      make(map[netip.Addr]*targetState),
		annotations: make(map[netip.Addr]map[string]string),
	}
	for _, t := range targets {
		if t.Status == StatusOK {
			if _, dup := s.byAddr[t.Addr]; dup {
				continue
			}
		}
		ts := &targetState{target: t, pmtud: pmtud.Init{}}
		if t.Status == StatusOK {
			for f := 0; f < cfg.Flows; f++ {
				ts.paths = append(ts.paths, stats.NewPathState(uint16(f), cfg.MaxTTL))
			}
			s.byAddr[t.Addr] = ts
		}
		s.targets = append(s.targets, ts)
	}
	return s
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	return s.config
}

// Targets returns the resolved, probeable targets.
func (s *Session) Targets() []Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Target, 0, len(s.byAddr))
	for _, ts := range s.targets {
		if ts.target.Status == StatusOK {
			out = append(out, ts.target)
		}
	}
	return out
}

// Mode returns the current run mode.
func (s *Session) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Epoch returns the reset generation. Probes sent in an older epoch are
// stale.
func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Apply runs c through the run mode state machine. Reset zeroes every hop
// record and bumps the epoch.
func (s *Session) Apply(c Command, now time.Time) (Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.mode, c, now.UTC())
	if err != nil {
		return s.mode, err
	}
	s.mode = next
	if c == Reset {
		s.epoch++
		for _, ts := range s.targets {
			for _, p := range ts.paths {
				p.Reset()
			}
		}
	}
	return next, nil
}

// Stop moves the session to Stopped, recording reason.
func (s *Session) Stop(reason string, now time.Time) (Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.mode, Stop, now.UTC())
	if err != nil {
		return s.mode, err
	}
	if st, ok := next.(Stopped); ok && reason != "" {
		st.Reason = reason
		next = st
	}
	s.mode = next
	return next, nil
}

// Limit returns the highest TTL worth probing on (target, flow), or 0 for
// an unknown path.
func (s *Session) Limit(target netip.Addr, flow uint16) uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.path(target, flow)
	if p == nil {
		return 0
	}
	return p.Limit()
}

// Terminal reports whether the destination answered on (target, flow) and
// at which TTL.
func (s *Session) Terminal(target netip.Addr, flow uint16) (bool, uint8) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.path(target, flow)
	if p == nil {
		return false, 0
	}
	return p.Terminal, p.TerminalTTL
}

func (s *Session) path(target netip.Addr, flow uint16) *stats.PathState {
	ts := s.byAddr[target]
	if ts == nil || int(flow) >= len(ts.paths) {
		return nil
	}
	return ts.paths[flow]
}

// Probed advances the cursor of k's path. It reports whether k is within
// the path.
func (s *Session) Probed(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(k.Target, k.Flow)
	if p == nil || !p.InRange(k.TTL) {
		return false
	}
	p.Probed(k.TTL)
	p.Hop(k.TTL)
	return true
}

// RecordReply counts a reply for k. A terminal reply marks the path
// terminal at k.TTL if that is lower than before. Replies beyond the
// terminal TTL are ignored; the return value reports whether the reply was
// recorded.
func (s *Session) RecordReply(k Key, from netip.Addr, rtt time.Duration, at time.Time, ev stats.Evidence, terminal bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(k.Target, k.Flow)
	if p == nil || !p.InRange(k.TTL) {
		return false
	}
	if terminal {
		p.MarkTerminal(k.TTL)
	}
	h := p.Hop(k.TTL)
	s.carryAnnotations(h, from)
	h.RecordReply(from, rtt, at, ev)
	s.thresholds.Run(p, s.config.Interval)
	return true
}

// RecordLoss counts a timeout for k, ignored beyond the terminal TTL.
func (s *Session) RecordLoss(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(k.Target, k.Flow)
	if p == nil || !p.InRange(k.TTL) {
		return false
	}
	p.Hop(k.TTL).RecordLoss()
	s.thresholds.Run(p, s.config.Interval)
	return true
}

// RecordDuplicate notes a late duplicate reply for k as ECMP fan-out.
func (s *Session) RecordDuplicate(k Key, from netip.Addr, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Duplicates++
	p := s.path(k.Target, k.Flow)
	if p == nil || !p.InRange(k.TTL) {
		return false
	}
	h := p.Hop(k.TTL)
	s.carryAnnotations(h, from)
	h.RecordDuplicate(from, at)
	return true
}

// Count increments a diagnostic counter.
func (s *Session) Count(c Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c {
	case CounterUnmatched:
		s.counters.Unmatched++
	case CounterMalformed:
		s.counters.Malformed++
	case CounterDuplicates:
		s.counters.Duplicates++
	case CounterRetracted:
		s.counters.Retracted++
	case CounterStale:
		s.counters.Stale++
	}
}

// Counters returns the diagnostic counters.
func (s *Session) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}

// AddRound counts a completed round for target.
func (s *Session) AddRound(target netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts := s.byAddr[target]; ts != nil {
		ts.rounds++
	}
}

// SetPMTUD stores the PMTUD state of target.
func (s *Session) SetPMTUD(target netip.Addr, st pmtud.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts := s.byAddr[target]; ts != nil {
		ts.pmtud = st
	}
}

// PMTUD returns the PMTUD state of target.
func (s *Session) PMTUD(target netip.Addr) pmtud.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ts := s.byAddr[target]; ts != nil {
		return ts.pmtud
	}
	return pmtud.Init{}
}

// Annotate attaches key=value to every hop where addr responded, and to
// every hop it answers from now on.
func (s *Session) Annotate(addr netip.Addr, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.annotations[addr] == nil {
		s.annotations[addr] = make(map[string]string)
	}
	s.annotations[addr][key] = value
	for _, ts := range s.targets {
		for _, p := range ts.paths {
			for _, h := range p.Hops {
				if h.Responder(addr) != nil {
					h.Annotate(addr, key, value)
				}
			}
		}
	}
}

// carryAnnotations copies the known annotations of from onto h when from
// is new to h.
func (s *Session) carryAnnotations(h *stats.HopRecord, from netip.Addr) {
	a := s.annotations[from]
	if len(a) == 0 || h.Responder(from) != nil {
		return
	}
	for k, v := range a {
		h.Annotate(from, k, v)
	}
}

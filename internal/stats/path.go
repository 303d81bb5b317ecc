package stats

// DefaultMaxTTL is the TTL ceiling of a path.
const DefaultMaxTTL = 30

// PathState holds the hops of one (target, flow), indexed by TTL.
type PathState struct {
	Flow   uint16 `json:"flow"`
	MaxTTL uint8  `json:"max_ttl"`
	// Cursor is the highest TTL probed so far.
	Cursor      uint8        `json:"cursor"`
	Terminal    bool         `json:"terminal"`
	TerminalTTL uint8        `json:"terminal_ttl,omitempty"`
	Hops        []*HopRecord `json:"hops"`
}

// NewPathState returns an empty path for flow.
func NewPathState(flow uint16, maxTTL uint8) *PathState {
	if maxTTL == 0 {
		maxTTL = DefaultMaxTTL
	}
	return &PathState{Flow: flow, MaxTTL: maxTTL, Hops: []*HopRecord{}}
}

// Limit returns the highest TTL worth probing: the terminal TTL once the
// destination answered, the ceiling before that.
func (p *PathState) Limit() uint8 {
	if p.Terminal {
		return p.TerminalTTL
	}
	return p.MaxTTL
}

// InRange reports whether ttl is within the path.
func (p *PathState) InRange(ttl uint8) bool {
	return ttl >= 1 && ttl <= p.Limit()
}

// Probed advances the cursor to ttl.
func (p *PathState) Probed(ttl uint8) {
	if p.InRange(ttl) && ttl > p.Cursor {
		p.Cursor = ttl
	}
}

// Hop returns the record for ttl, creating it and any lower records. It
// returns nil for a TTL outside the path.
func (p *PathState) Hop(ttl uint8) *HopRecord {
	if !p.InRange(ttl) {
		return nil
	}
	for len(p.Hops) < int(ttl) {
		p.Hops = append(p.Hops, NewHopRecord(uint8(len(p.Hops)+1)))
	}
	return p.Hops[ttl-1]
}

// Lookup returns the record for ttl without creating it.
func (p *PathState) Lookup(ttl uint8) *HopRecord {
	if ttl < 1 || int(ttl) > len(p.Hops) {
		return nil
	}
	return p.Hops[ttl-1]
}

// MarkTerminal records that the destination answered at ttl. The lowest
// such TTL wins; records beyond it are dropped. It reports whether the
// terminal TTL changed.
func (p *PathState) MarkTerminal(ttl uint8) bool {
	if ttl < 1 || ttl > p.MaxTTL {
		return false
	}
	if p.Terminal && ttl >= p.TerminalTTL {
		return false
	}
	p.Terminal = true
	p.TerminalTTL = ttl
	if len(p.Hops) > int(ttl) {
		p.Hops = p.Hops[:ttl]
	}
	p.Cursor = min(p.Cursor, ttl)
	return true
}

// Reset zeroes every hop, keeping the discovered path shape.
func (p *PathState) Reset() {
	for _, h := range p.Hops {
		h.Reset()
	}
}

// Clone returns a deep copy.
func (p *PathState) Clone() *PathState {
	c := *p
	c.Hops = make([]*HopRecord, len(p.Hops))
	for i, h := range p.Hops {
		c.Hops[i] = h.Clone()
	}
	return &c
}

// Summaries derives the statistics of every hop.
func (p *PathState) Summaries() []Summary {
	out := make([]Summary, len(p.Hops))
	for i, h := range p.Hops {
		out[i] = h.Summary()
	}
	return out
}

// Package pmtud implements Path MTU Discovery as a binary search over DF
// probe sizes, expressed as a finite state machine.
package pmtud

import (
	"errors"
	"fmt"
	"math/bits"
)

var ErrPMTUDFailed = errors.New("path MTU discovery failed")

const (
	// FloorIPv4 is the minimum IPv4 MTU (RFC 791).
	FloorIPv4 = 68
	// FloorIPv6 is the minimum IPv6 MTU (RFC 8200).
	FloorIPv6 = 1280
	// DefaultCeiling is used when the interface MTU is unknown.
	DefaultCeiling = 1500
	// RetryBudget is the number of retries of a size that timed out before
	// it is treated as too big.
	RetryBudget = 2
)

// Floor returns the protocol minimum MTU, which is assumed deliverable.
func Floor(ipv6 bool) int {
	if ipv6 {
		return FloorIPv6
	}
	return FloorIPv4
}

// State is one of Init, Searching, Converged or Failed.
type State interface {
	fmt.Stringer
	isState()
}

// Init is the state before the search starts.
type Init struct{}

// Searching holds the bounds of a running search. Low is known (or assumed)
// deliverable, High is known (or assumed) too big, Size is the probe in
// flight.
type Searching struct {
	Low       int
	High      int
	Size      int
	Probes    int
	Sizes     int
	Retries   int
	Confirmed bool
}

// Converged holds the discovered path MTU.
type Converged struct {
	MTU    int
	Probes int
}

// Failed holds the reason the search gave up.
type Failed struct {
	Reason string
	Probes int
}

func (Init) isState()      {}
func (Searching) isState() {}
func (Converged) isState() {}
func (Failed) isState()    {}

func (Init) String() string { return "init" }
func (s Searching) String() string {
	return fmt.Sprintf("searching [%d, %d) size %d", s.Low, s.High, s.Size)
}
func (s Converged) String() string { return fmt.Sprintf("converged mtu %d", s.MTU) }
func (s Failed) String() string    { return "failed: " + s.Reason }

// Event is one of Start, Reply, TooBig or Timeout.
type Event interface {
	isEvent()
}

// Start begins a search between floor and ceiling, both inclusive.
type Start struct {
	Floor   int
	Ceiling int
}

// Reply reports that a probe of Size reached the destination.
type Reply struct{ Size int }

// TooBig reports that a probe of Size was rejected for its size, either by
// an ICMP Fragmentation Needed / Packet Too Big carrying MTU, or locally
// (MTU 0).
type TooBig struct {
	Size int
	MTU  int
}

// Timeout reports that a probe of Size went unanswered.
type Timeout struct{ Size int }

func (Start) isEvent()   {}
func (Reply) isEvent()   {}
func (TooBig) isEvent()  {}
func (Timeout) isEvent() {}

// Next returns the state following s on e. Events for a size other than the
// one in flight are stale and leave the state unchanged, as do events in
// terminal states.
func Next(s State, e Event) State {
	switch st := s.(type) {
	case Init:
		if start, ok := e.(Start); ok {
			return begin(start)
		}
		return st
	case Searching:
		return search(st, e)
	case Converged, Failed:
		return st
	default:
		panic(fmt.Sprintf("pmtud: unknown state %T", s))
	}
}

func begin(e Start) State {
	if e.Ceiling < e.Floor {
		return Failed{Reason: fmt.Sprintf("ceiling %d below floor %d", e.Ceiling, e.Floor)}
	}
	return advance(Searching{Low: e.Floor, High: e.Ceiling + 1})
}

func search(s Searching, e Event) State {
	switch ev := e.(type) {
	case Start:
		return s
	case Reply:
		if ev.Size != s.Size {
			return s
		}
		s.Low = s.Size
		s.Confirmed = true
	case TooBig:
		if ev.Size != s.Size {
			return s
		}
		s.High = s.Size
		if ev.MTU > s.Low && ev.MTU+1 < s.High {
			s.High = ev.MTU + 1
		}
	case Timeout:
		if ev.Size != s.Size {
			return s
		}
		if s.Retries < RetryBudget {
			s.Retries++
			s.Probes++
			return s
		}
		s.High = s.Size
	default:
		panic(fmt.Sprintf("pmtud: unknown event %T", e))
	}
	return advance(s)
}

func advance(s Searching) State {
	if s.High-s.Low <= 1 {
		if !s.Confirmed {
			return Failed{Reason: "destination never responded", Probes: s.Probes}
		}
		return Converged{MTU: s.Low, Probes: s.Probes}
	}
	s.Size = (s.Low + s.High) / 2
	s.Retries = 0
	s.Probes++
	s.Sizes++
	return s
}

// MaxSizes returns the number of distinct sizes a search over
// [floor, ceiling] probes at most: ceil(log2(ceiling+1-floor)).
func MaxSizes(floor, ceiling int) int {
	r := ceiling + 1 - floor
	if r <= 1 {
		return 0
	}
	return bits.Len(uint(r - 1))
}

// Result is the flat, serializable form of a State.
type Result struct {
	State     string `json:"state"`
	MTU       int    `json:"mtu,omitempty"`
	Low       int    `json:"low,omitempty"`
	High      int    `json:"high,omitempty"`
	Size      int    `json:"size,omitempty"`
	Probes    int    `json:"probes"`
	Sizes     int    `json:"sizes,omitempty"`
	Retries   int    `json:"retries,omitempty"`
	Confirmed bool   `json:"confirmed,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Describe flattens s.
func Describe(s State) Result {
	switch st := s.(type) {
	case Init:
		return Result{State: "init"}
	case Searching:
		return Result{State: "searching", Low: st.Low, High: st.High, Size: st.Size, Probes: st.Probes, Sizes: st.Sizes, Retries: st.Retries, Confirmed: st.Confirmed}
	case Converged:
		return Result{State: "converged", MTU: st.MTU, Probes: st.Probes}
	case Failed:
		return Result{State: "failed", Reason: st.Reason, Probes: st.Probes}
	default:
		panic(fmt.Sprintf("pmtud: unknown state %T", s))
	}
}

// Restore rebuilds the State described by r.
func (r Result) Restore() (State, error) {
	switch r.State {
	case "", "init":
		return Init{}, nil
	case "searching":
		return Searching{Low: r.Low, High: r.High, Size: r.Size, Probes: r.Probes, Sizes: r.Sizes, Retries: r.Retries, Confirmed: r.Confirmed}, nil
	case "converged":
		return Converged{MTU: r.MTU, Probes: r.Probes}, nil
	case "failed":
		return Failed{Reason: r.Reason, Probes: r.Probes}, nil
	}
	return nil, fmt.Errorf("unknown PMTUD state %q", r.State)
}

// Err returns ErrPMTUDFailed wrapped with the reason for a Failed state.
func Err(s State) error {
	if f, ok := s.(Failed); ok {
		return fmt.Errorf("%w: %s", ErrPMTUDFailed, f.Reason)
	}
	return nil
}

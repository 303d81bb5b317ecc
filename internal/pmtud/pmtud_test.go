package pmtud

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type pathBehaviour int

const (
	reportsMTU pathBehaviour = iota
	silentTooBig
	blackhole
)

// run drives a search against a path whose MTU is mtu.
func run(t *testing.T, floor, ceiling, mtu int, b pathBehaviour) (State, map[int]bool) {
	t.Helper()
	sizes := make(map[int]bool)
	s := Next(Init{}, Start{Floor: floor, Ceiling: ceiling})
	for i := 0; i < 1000; i++ {
		st, ok := s.(Searching)
		if !ok {
			return s, sizes
		}
		sizes[st.Size] = true
		switch {
		case st.Size <= mtu:
			s = Next(s, Reply{Size: st.Size})
		case b == reportsMTU:
			s = Next(s, TooBig{Size: st.Size, MTU: mtu})
		case b == silentTooBig:
			s = Next(s, TooBig{Size: st.Size})
		default:
			s = Next(s, Timeout{Size: st.Size})
		}
	}
	t.Fatalf("search did not terminate")
	return nil, nil
}

func TestConverges(t *testing.T) {
	tests := []struct {
		name           string
		floor, ceiling int
		mtu            int
		behaviour      pathBehaviour
	}{
		{"ipv4 tunnel reports mtu", FloorIPv4, 1500, 1400, reportsMTU},
		{"ipv4 pppoe silent", FloorIPv4, 1500, 1492, silentTooBig},
		{"ipv4 blackhole", FloorIPv4, 1500, 1300, blackhole},
		{"ipv4 full path", FloorIPv4, 1500, 1500, reportsMTU},
		{"ipv4 jumbo", FloorIPv4, 9000, 9000, silentTooBig},
		{"ipv6 tunnel", FloorIPv6, 1500, 1480, reportsMTU},
		{"ipv6 minimum plus one", FloorIPv6, 1500, 1281, silentTooBig},
		{"odd mtu", FloorIPv4, 1500, 577, blackhole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, sizes := run(t, tt.floor, tt.ceiling, tt.mtu, tt.behaviour)
			c, ok := s.(Converged)
			if !ok {
				t.Fatalf("final state = %v, want converged", s)
			}
			if c.MTU != tt.mtu {
				t.Errorf("MTU = %d, want %d", c.MTU, tt.mtu)
			}
			if budget := MaxSizes(tt.floor, tt.ceiling); len(sizes) > budget {
				t.Errorf("probed %d distinct sizes, want at most %d", len(sizes), budget)
			}
			if c.Probes > len(sizes)*(1+RetryBudget) {
				t.Errorf("probes = %d exceeds %d sizes with retries", c.Probes, len(sizes))
			}
		})
	}
}

func TestFailsWhenDestinationSilent(t *testing.T) {
	s, sizes := run(t, FloorIPv4, 1500, 0, blackhole)
	f, ok := s.(Failed)
	if !ok {
		t.Fatalf("final state = %v, want failed", s)
	}
	if f.Reason != "destination never responded" {
		t.Errorf("Reason = %q", f.Reason)
	}
	if len(sizes) > MaxSizes(FloorIPv4, 1500) {
		t.Errorf("probed %d sizes, want at most %d", len(sizes), MaxSizes(FloorIPv4, 1500))
	}
	if want := len(sizes) * (1 + RetryBudget); f.Probes != want {
		t.Errorf("Probes = %d, want %d", f.Probes, want)
	}
	if err := Err(s); !errors.Is(err, ErrPMTUDFailed) {
		t.Errorf("Err() = %v, want ErrPMTUDFailed", err)
	}
	if Err(Converged{MTU: 1500}) != nil {
		t.Errorf("Err(converged) != nil")
	}
}

func TestRetriesBeforeGivingUp(t *testing.T) {
	s := Next(Init{}, Start{Floor: 1000, Ceiling: 1500})
	first := s.(Searching)
	if first.Size != 1250 {
		t.Fatalf("first size = %d, want 1250", first.Size)
	}
	for i := 0; i < RetryBudget; i++ {
		s = Next(s, Timeout{Size: 1250})
		if st := s.(Searching); st.Size != 1250 || st.Retries != i+1 {
			t.Fatalf("retry %d: state = %+v", i, st)
		}
	}
	s = Next(s, Timeout{Size: 1250})
	if st := s.(Searching); st.High != 1250 || st.Size != 1125 || st.Retries != 0 {
		t.Errorf("after budget: state = %+v, want high 1250 size 1125", st)
	}
}

func TestTooBigTightensToReportedMTU(t *testing.T) {
	s := Next(Init{}, Start{Floor: FloorIPv4, Ceiling: 1500})
	size := s.(Searching).Size
	s = Next(s, Reply{Size: size})
	size = s.(Searching).Size
	s = Next(s, TooBig{Size: size, MTU: 1000})
	if st := s.(Searching); st.High != 1001 {
		t.Errorf("High = %d, want 1001", st.High)
	}
	// An MTU outside the window is ignored.
	s = Next(Init{}, Start{Floor: FloorIPv4, Ceiling: 1500})
	size = s.(Searching).Size
	s = Next(s, TooBig{Size: size, MTU: 9000})
	if st := s.(Searching); st.High != size {
		t.Errorf("High = %d, want %d", st.High, size)
	}
}

func TestStaleAndTerminalEventsIgnored(t *testing.T) {
	s := Next(Init{}, Start{Floor: FloorIPv4, Ceiling: 1500})
	before := s.(Searching)
	for _, e := range []Event{Reply{Size: 1}, TooBig{Size: 2}, Timeout{Size: 3}, Start{Floor: 1, Ceiling: 2}} {
		if got := Next(s, e); got != State(before) {
			t.Errorf("Next(%T) changed state to %v", e, got)
		}
	}
	if got := Next(Init{}, Reply{Size: 100}); got != State(Init{}) {
		t.Errorf("Next(Init, Reply) = %v, want init", got)
	}
	conv := Converged{MTU: 1400, Probes: 9}
	if got := Next(conv, Reply{Size: 1400}); got != State(conv) {
		t.Errorf("Next(Converged) = %v", got)
	}
	if _, ok := Next(Init{}, Start{Floor: 1500, Ceiling: 68}).(Failed); !ok {
		t.Errorf("inverted bounds did not fail")
	}
}

func TestDescribeRestore(t *testing.T) {
	for _, s := range []State{
		Init{},
		Searching{Low: 68, High: 1501, Size: 784, Probes: 1, Sizes: 1},
		Converged{MTU: 1492, Probes: 11},
		Failed{Reason: "destination never responded", Probes: 33},
	} {
		got, err := Describe(s).Restore()
		if err != nil {
			t.Errorf("Restore(%v) error = %v", s, err)
			continue
		}
		if diff := cmp.Diff(s, got); diff != "" {
			t.Errorf("Restore() mismatch (-want +got):\n%s", diff)
		}
	}
	if _, err := (Result{State: "bogus"}).Restore(); err == nil {
		t.Errorf("Restore(bogus) error = nil")
	}
}

func TestMaxSizes(t *testing.T) {
	tests := []struct{ floor, ceiling, want int }{
		{68, 1500, 11},
		{1280, 1500, 8},
		{100, 100, 0},
		{100, 101, 1},
		{100, 103, 2},
	}
	for _, tt := range tests {
		if got := MaxSizes(tt.floor, tt.ceiling); got != tt.want {
			t.Errorf("MaxSizes(%d, %d) = %d, want %d", tt.floor, tt.ceiling, got, tt.want)
		}
	}
}

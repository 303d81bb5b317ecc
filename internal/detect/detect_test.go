package detect

import (
	"net/netip"
	"testing"
	"time"

	"github.com/tkjaer/hopwatch/internal/stats"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func addr(i int) netip.Addr {
	return netip.AddrFrom4([4]byte{203, 0, 113, byte(i)})
}

func TestIsCGNAT(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"100.64.0.1", true},
		{"100.127.255.254", true},
		{"100.128.0.1", false},
		{"10.0.0.1", false},
		{"::ffff:100.64.1.1", true},
		{"2001:db8::1", false},
	}
	for _, tt := range tests {
		if got := IsCGNAT(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("IsCGNAT(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestDetectNAT(t *testing.T) {
	p := stats.NewPathState(0, 30)
	for ttl := uint8(1); ttl <= 6; ttl++ {
		h := p.Hop(ttl)
		translated := ttl >= 3
		for i := 0; i < 4; i++ {
			ev := stats.Evidence{Quoted: true, QuotedTTL: 1, CheckTTL: true}
			if translated && i > 0 {
				ev.AddrMismatch = true
				ev.PortMismatch = true
			}
			h.RecordReply(addr(int(ttl)), time.Millisecond, start, ev)
		}
	}
	p.Hop(2).RecordReply(netip.MustParseAddr("100.64.0.1"), time.Millisecond, start, stats.Evidence{})

	if got := DetectNAT(p, DefaultNATThresholds); got != 3 {
		t.Errorf("DetectNAT() = %d, want 3", got)
	}
	for _, h := range p.Hops {
		if h.Flags.NATBoundary != (h.TTL == 3) {
			t.Errorf("hop %d: NATBoundary = %v", h.TTL, h.Flags.NATBoundary)
		}
		if h.Flags.BehindNAT != (h.TTL > 3) {
			t.Errorf("hop %d: BehindNAT = %v", h.TTL, h.Flags.BehindNAT)
		}
		if h.Flags.CGNAT != (h.TTL == 2) {
			t.Errorf("hop %d: CGNAT = %v", h.TTL, h.Flags.CGNAT)
		}
	}
}

func TestDetectNATNeedsSamples(t *testing.T) {
	p := stats.NewPathState(0, 30)
	h := p.Hop(1)
	for i := 0; i < 2; i++ {
		h.RecordReply(addr(1), time.Millisecond, start, stats.Evidence{Quoted: true, AddrMismatch: true})
	}
	if got := DetectNAT(p, DefaultNATThresholds); got != 0 {
		t.Errorf("DetectNAT() with 2 samples = %d, want 0", got)
	}
	h.RecordReply(addr(1), time.Millisecond, start, stats.Evidence{Quoted: true, AddrMismatch: true})
	if got := DetectNAT(p, DefaultNATThresholds); got != 1 {
		t.Errorf("DetectNAT() with 3 samples = %d, want 1", got)
	}
	// A later clean run clears the flag again.
	h.Reset()
	if DetectNAT(p, DefaultNATThresholds); h.Flags.NATBoundary {
		t.Errorf("NATBoundary still set after reset")
	}
}

// fill records n probes at hop h, answering those for which reply returns
// true, one probe per interval.
func fill(h *stats.HopRecord, responder netip.Addr, n int, interval time.Duration, reply func(i int) bool) {
	for i := 0; i < n; i++ {
		if reply(i) {
			h.RecordReply(responder, 5*time.Millisecond, start.Add(time.Duration(i)*interval), stats.Evidence{})
		} else {
			h.RecordLoss()
		}
	}
}

func TestDetectRateLimit(t *testing.T) {
	const interval = time.Second
	tests := []struct {
		name string
		// hop 2 reply pattern, hop 3 reply pattern
		hop2, hop3 func(i int) bool
		want       bool
	}{
		{
			name: "loss does not propagate",
			hop2: func(i int) bool { return i%10 < 6 },
			hop3: func(int) bool { return true },
			want: true,
		},
		{
			name: "capped at half the probe rate",
			hop2: func(i int) bool { return i%2 == 0 },
			hop3: func(i int) bool { return i%2 == 0 },
			want: true,
		},
		{
			name: "real loss propagates irregularly",
			hop2: func(i int) bool { return i%7 != 0 && i%3 != 0 },
			hop3: func(i int) bool { return i%7 != 0 && i%3 != 0 },
			want: false,
		},
		{
			name: "no loss",
			hop2: func(int) bool { return true },
			hop3: func(int) bool { return true },
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := stats.NewPathState(0, 30)
			fill(p.Hop(1), addr(1), 20, interval, func(int) bool { return true })
			fill(p.Hop(2), addr(2), 20, interval, tt.hop2)
			fill(p.Hop(3), addr(3), 20, interval, tt.hop3)
			DetectRateLimit(p, interval, DefaultRateLimitThresholds)
			if got := p.Hop(2).Flags.RateLimited; got != tt.want {
				t.Errorf("hop 2 RateLimited = %v, want %v (loss %.1f%%)", got, tt.want, p.Hop(2).Loss())
			}
			if p.Hop(1).Flags.RateLimited {
				t.Errorf("hop 1 without loss flagged")
			}
		})
	}
}

func TestDetectRateLimitNeedsReplies(t *testing.T) {
	p := stats.NewPathState(0, 30)
	fill(p.Hop(1), addr(1), 8, time.Second, func(i int) bool { return i%2 == 0 })
	DetectRateLimit(p, time.Second, DefaultRateLimitThresholds)
	if p.Hop(1).Flags.RateLimited {
		t.Errorf("hop with 4 replies flagged")
	}
}

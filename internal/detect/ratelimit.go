package detect

import (
	"math"
	"time"

	"github.com/tkjaer/hopwatch/internal/stats"
)

// RateLimitThresholds tune the ICMP rate-limit detector.
type RateLimitThresholds struct {
	// MinReplies is the number of replies a responder needs before its
	// pattern is judged.
	MinReplies uint64 `yaml:"min_replies"`
	// MinLossPct is the hop loss below which nothing is flagged.
	MinLossPct float64 `yaml:"min_loss_pct"`
	// LossDrop is how many percentage points lower the loss of a later hop
	// must be to show the loss did not propagate.
	LossDrop float64 `yaml:"loss_drop"`
	// MaxGapCV is the highest coefficient of variation of reply gaps
	// considered regular.
	MaxGapCV float64 `yaml:"max_gap_cv"`
	// MaxRateRatio is the highest reply rate, relative to the probe rate,
	// considered capped.
	MaxRateRatio float64 `yaml:"max_rate_ratio"`
}

// DefaultRateLimitThresholds are the rate-limit detector defaults.
var DefaultRateLimitThresholds = RateLimitThresholds{
	MinReplies:   5,
	MinLossPct:   20,
	LossDrop:     10,
	MaxGapCV:     0.25,
	MaxRateRatio: 0.8,
}

// DetectRateLimit sets the RateLimited flag of every hop of p. interval is
// the time between rounds, i.e. between two probes of the same hop.
func DetectRateLimit(p *stats.PathState, interval time.Duration, th RateLimitThresholds) {
	for i, h := range p.Hops {
		h.Flags.RateLimited = false
		primary := h.Primary()
		if primary == nil || primary.Received < th.MinReplies || h.Loss() < th.MinLossPct {
			continue
		}
		if lossRecovers(p.Hops[i+1:], h.Loss(), th) || capped(primary.Arrivals, interval, th) {
			h.Flags.RateLimited = true
		}
	}
}

// lossRecovers reports whether a later hop that answered shows markedly
// lower loss, which real forwarding loss at this hop would have prevented.
func lossRecovers(later []*stats.HopRecord, loss float64, th RateLimitThresholds) bool {
	for _, h := range later {
		if h.Received > 0 && h.Loss() <= loss-th.LossDrop {
			return true
		}
	}
	return false
}

// capped reports whether the reply gaps are regular while the reply rate
// stays below the probe rate.
func capped(arrivals []time.Time, interval time.Duration, th RateLimitThresholds) bool {
	if len(arrivals) < 3 || interval <= 0 {
		return false
	}
	gaps := make([]float64, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		gaps = append(gaps, arrivals[i].Sub(arrivals[i-1]).Seconds())
	}
	mean, cv := meanCV(gaps)
	if mean <= 0 {
		return false
	}
	rate := 1 / mean
	probeRate := 1 / interval.Seconds()
	return cv <= th.MaxGapCV && rate <= th.MaxRateRatio*probeRate
}

func meanCV(xs []float64) (mean, cv float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	if mean == 0 {
		return 0, 0
	}
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq/float64(len(xs))) / mean
}

// Thresholds bundles both detectors' settings.
type Thresholds struct {
	NAT       NATThresholds       `yaml:"nat"`
	RateLimit RateLimitThresholds `yaml:"rate_limit"`
}

// Defaults returns the default thresholds of both detectors.
func Defaults() Thresholds {
	return Thresholds{NAT: DefaultNATThresholds, RateLimit: DefaultRateLimitThresholds}
}

// Run applies both detectors to p.
func (t Thresholds) Run(p *stats.PathState, interval time.Duration) {
	DetectNAT(p, t.NAT)
	DetectRateLimit(p, interval, t.RateLimit)
}

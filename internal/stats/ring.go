package stats

import "time"

// RingSize is the number of RTT samples kept per hop.
const RingSize = 100

// Ring is a bounded buffer of the most recent RTT samples.
type Ring struct {
	Samples []time.Duration `json:"samples"`
	// Head is the slot overwritten next once the ring is full.
	Head int `json:"head"`
}

// Add appends d, overwriting the oldest sample when full.
func (r *Ring) Add(d time.Duration) {
	if len(r.Samples) < RingSize {
		r.Samples = append(r.Samples, d)
		return
	}
	r.Samples[r.Head] = d
	r.Head = (r.Head + 1) % RingSize
}

// Len returns the number of samples held.
func (r *Ring) Len() int {
	return len(r.Samples)
}

// Last returns the most recent sample.
func (r *Ring) Last() (time.Duration, bool) {
	n := len(r.Samples)
	switch {
	case n == 0:
		return 0, false
	case n < RingSize:
		return r.Samples[n-1], true
	}
	return r.Samples[(r.Head+RingSize-1)%RingSize], true
}

// Ordered returns the samples from oldest to newest.
func (r *Ring) Ordered() []time.Duration {
	out := make([]time.Duration, 0, len(r.Samples))
	if len(r.Samples) < RingSize {
		return append(out, r.Samples...)
	}
	out = append(out, r.Samples[r.Head:]...)
	return append(out, r.Samples[:r.Head]...)
}

// MinAvgMax scans the ring.
func (r *Ring) MinAvgMax() (lo, avg, hi time.Duration) {
	if len(r.Samples) == 0 {
		return 0, 0, 0
	}
	lo, hi = r.Samples[0], r.Samples[0]
	var sum time.Duration
	for _, d := range r.Samples {
		sum += d
		lo = min(lo, d)
		hi = max(hi, d)
	}
	return lo, sum / time.Duration(len(r.Samples)), hi
}

// Reset drops all samples.
func (r *Ring) Reset() {
	r.Samples = nil
	r.Head = 0
}

func (r Ring) clone() Ring {
	r.Samples = append([]time.Duration(nil), r.Samples...)
	return r
}

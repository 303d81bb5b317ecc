package stats

import "math"

// Welford keeps a running mean and variance over all samples since the last
// reset (Welford, 1962). Samples are in microseconds.
type Welford struct {
	N    uint64  `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

// Add folds x into the running state.
func (w *Welford) Add(x float64) {
	w.N++
	d := x - w.Mean
	w.Mean += d / float64(w.N)
	w.M2 += d * (x - w.Mean)
}

// StdDev returns the population standard deviation, or 0 with fewer than
// two samples.
func (w *Welford) StdDev() float64 {
	if w.N < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.N))
}

// Jitter is the mean absolute difference between consecutive samples
// (RFC 3550 section 6.4.1, without the 1/16 smoothing). Samples are in
// microseconds.
type Jitter struct {
	Sum     float64 `json:"sum"`
	Count   uint64  `json:"count"`
	Last    float64 `json:"last"`
	HasLast bool    `json:"has_last"`
}

// Add folds x into the accumulator.
func (j *Jitter) Add(x float64) {
	if j.HasLast {
		j.Sum += math.Abs(x - j.Last)
		j.Count++
	}
	j.Last = x
	j.HasLast = true
}

// Value returns the mean absolute difference, or 0 before two samples.
func (j *Jitter) Value() float64 {
	if j.Count == 0 {
		return 0
	}
	return j.Sum / float64(j.Count)
}

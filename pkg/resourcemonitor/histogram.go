package resourcemonitor

import "math"

// LogHistogram buckets observations on powers of two starting at a
// caller-chosen minimum, mirroring the explicit-bucket-boundary idiom
// used for the Prometheus histograms elsewhere in this module, just
// computed over sampled peaks instead of request latencies.
type LogHistogram struct {
	min     float64
	buckets map[int]uint64
	count   uint64
}

// NewLogHistogram returns a histogram whose first bucket boundary is
// min (values below min fall into bucket 0 too).
func NewLogHistogram(min float64) *LogHistogram {
	if min <= 0 {
		min = 1
	}
	return &LogHistogram{min: min, buckets: make(map[int]uint64)}
}

func (h *LogHistogram) bucketFor(v float64) int {
	if v <= h.min {
		return 0
	}
	return int(math.Log2(v / h.min))
}

// Observe records one sample.
func (h *LogHistogram) Observe(v float64) {
	h.buckets[h.bucketFor(v)]++
	h.count++
}

// Count returns the total number of observations.
func (h *LogHistogram) Count() uint64 { return h.count }

// Buckets returns the lower bound of each non-empty bucket and its
// count, sorted ascending by bucket index.
func (h *LogHistogram) Buckets() []struct {
	LowerBound float64
	Count      uint64
} {
	idxs := make([]int, 0, len(h.buckets))
	for idx := range h.buckets {
		idxs = append(idxs, idx)
	}
	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0 && idxs[j-1] > idxs[j]; j-- {
			idxs[j-1], idxs[j] = idxs[j], idxs[j-1]
		}
	}
	out := make([]struct {
		LowerBound float64
		Count      uint64
	}, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, struct {
			LowerBound float64
			Count      uint64
		}{LowerBound: h.min * math.Pow(2, float64(idx)), Count: h.buckets[idx]})
	}
	return out
}

// Quantile returns an approximate value below which the given
// fraction (0..1) of observations fall, by walking buckets in
// ascending order and returning the upper edge of the bucket that
// crosses the target count.
func (h *LogHistogram) Quantile(q float64) float64 {
	if h.count == 0 {
		return 0
	}
	target := q * float64(h.count)
	var cumulative float64
	for _, b := range h.Buckets() {
		cumulative += float64(b.Count)
		if cumulative >= target {
			return b.LowerBound * 2 // upper edge of this bucket
		}
	}
	return h.min
}

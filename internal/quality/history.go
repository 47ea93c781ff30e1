package quality

// DefaultHistorySize is the number of samples kept per session.
const DefaultHistorySize = 10

// History is a fixed-capacity ring of bandwidth samples in kbps.
// The oldest sample is overwritten once the ring is full.
// History is not safe for concurrent use; Engine serializes access.
type History struct {
	samples []int
	next    int
	count   int
}

// NewHistory returns an empty history holding at most size samples.
// A non-positive size falls back to DefaultHistorySize.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{samples: make([]int, size)}
}

// Add appends a sample, overwriting the oldest one on overflow.
func (h *History) Add(kbps int) {
	h.samples[h.next] = kbps
	h.next = (h.next + 1) % len(h.samples)
	if h.count < len(h.samples) {
		h.count++
	}
}

// Len returns the number of stored samples.
func (h *History) Len() int {
	return h.count
}

// Mean returns the arithmetic mean of the stored samples, or 0 when empty.
func (h *History) Mean() float64 {
	if h.count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < h.count; i++ {
		sum += int64(h.samples[i])
	}
	return float64(sum) / float64(h.count)
}

// Variance returns the population variance of the stored samples.
// Fewer than two samples have no spread, so the result is 0.
func (h *History) Variance() float64 {
	if h.count < 2 {
		return 0
	}
	mean := h.Mean()
	var sq float64
	for i := 0; i < h.count; i++ {
		d := float64(h.samples[i]) - mean
		sq += d * d
	}
	return sq / float64(h.count)
}

// StabilityFactor discounts unstable links: 1 - variance/mean/10 clamped to [0.5, 1].
func (h *History) StabilityFactor() float64 {
	mean := h.Mean()
	if mean == 0 {
		return 1
	}
	f := 1 - h.Variance()/mean/10
	if f < 0.5 {
		return 0.5
	}
	if f > 1 {
		return 1
	}
	return f
}

// Effective returns mean bandwidth scaled by the stability factor.
func (h *History) Effective() float64 {
	mean := h.Mean()
	if mean == 0 {
		return 0
	}
	return mean * h.StabilityFactor()
}

package dsp

// RunningHistory is a bounded circular buffer of measurement values. Once
// full, each push overwrites the oldest value. It is written once per buffer
// by the pipeline callback and is not safe for concurrent use.
type RunningHistory struct {
	values []float32
	next   int
	filled bool
}

// NewRunningHistory creates a history holding up to capacity values.
func NewRunningHistory(capacity int) *RunningHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &RunningHistory{
		values: make([]float32, 0, capacity),
	}
}

// Push appends a value, evicting the oldest when the history is full.
func (h *RunningHistory) Push(v float32) {
	if !h.filled && len(h.values) < cap(h.values) {
		h.values = append(h.values, v)
		if len(h.values) == cap(h.values) {
			h.filled = true
		}
		return
	}

	h.values[h.next] = v
	h.next = (h.next + 1) % cap(h.values)
}

// Len returns the number of values currently held.
func (h *RunningHistory) Len() int {
	return len(h.values)
}

// Min returns the smallest value held, or 0 when the history is empty.
func (h *RunningHistory) Min() float32 {
	if len(h.values) == 0 {
		return 0
	}

	min := h.values[0]
	for _, v := range h.values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest value held, or 0 when the history is empty.
func (h *RunningHistory) Max() float32 {
	if len(h.values) == 0 {
		return 0
	}

	max := h.values[0]
	for _, v := range h.values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Reset discards all held values.
func (h *RunningHistory) Reset() {
	h.values = h.values[:0]
	h.next = 0
	h.filled = false
}

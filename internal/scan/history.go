package scan

// History is a FIFO of results bounded to max entries; the oldest entry is
// evicted first.
type History struct {
	max     int
	entries []Result
}

// NewHistory returns an empty history holding at most max entries. A
// non-positive max keeps nothing.
func NewHistory(max int) *History {
	if max < 0 {
		max = 0
	}
	return &History{max: max}
}

// Append adds r and drops the oldest entries beyond the cap.
func (h *History) Append(r Result) {
	h.entries = append(h.entries, r)
	h.trim()
}

// SetMax changes the cap, trimming immediately if needed.
func (h *History) SetMax(max int) {
	if max < 0 {
		max = 0
	}
	h.max = max
	h.trim()
}

func (h *History) Max() int { return h.max }

func (h *History) Len() int { return len(h.entries) }

func (h *History) Clear() { h.entries = nil }

// Entries returns a copy in arrival order.
func (h *History) Entries() []Result {
	out := make([]Result, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) trim() {
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append([]Result(nil), h.entries[over:]...)
	}
}

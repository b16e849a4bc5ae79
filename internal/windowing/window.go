// Package windowing tracks the visible and pre-rendered index ranges over a growing sequence.
package windowing

// Range is a half-open [Start, End) span of indexes.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of indexes covered.
func (r Range) Len() int {
	return r.End - r.Start
}

// Window maps a scroll position onto a bounded slice of an ordered sequence.
// Invariant: 0 <= start <= end <= total, where total is the last length observed.
type Window struct {
	start int
	end   int
	size  int
	total int
}

// New returns an empty window spanning at most size items. Sizes below 1 are raised to 1.
func New(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size}
}

// Start returns the first visible index.
func (w *Window) Start() int { return w.start }

// End returns one past the last visible index.
func (w *Window) End() int { return w.end }

// Size returns the target span.
func (w *Window) Size() int { return w.size }

// Range returns the visible [start, end) range.
func (w *Window) Range() Range {
	return Range{Start: w.start, End: w.end}
}

// Resize changes the target span and re-anchors on the current end.
func (w *Window) Resize(size int) {
	if size < 1 {
		size = 1
	}
	w.size = size
	w.start = max(0, w.end-size)
}

// ScrollUp moves the window one span towards index 0. At the top it is a no-op.
func (w *Window) ScrollUp() {
	if w.start == 0 {
		return
	}
	w.start = max(0, w.start-w.size)
	w.end = min(w.start+w.size, w.total)
}

// ScrollDown moves the window one span towards total. At the bottom it is a no-op.
func (w *Window) ScrollDown(total int) {
	w.Observe(total)
	if w.end >= w.total {
		return
	}
	w.end = min(w.end+w.size, w.total)
	w.start = max(0, w.end-w.size)
}

// Shift moves the window by delta after delta items were inserted ahead of it, so the same
// items stay in view.
func (w *Window) Shift(delta, total int) {
	w.Observe(total)
	w.start = min(max(0, w.start+delta), w.total)
	w.end = min(max(w.start, w.end+delta), w.total)
}

// ScrollToTop anchors start at 0.
func (w *Window) ScrollToTop() {
	w.start = 0
	w.end = min(w.size, w.total)
}

// ScrollToBottom anchors end at total, clamping start to 0 when total < size.
func (w *Window) ScrollToBottom(total int) {
	w.Observe(total)
	w.end = w.total
	w.start = max(0, w.end-w.size)
}

// AtBottom reports whether the window ends at the last observed length.
func (w *Window) AtBottom() bool {
	return w.end == w.total
}

// VisibleIndexes returns the window extended by one span on each side, clamped to [0, total].
func (w *Window) VisibleIndexes(total int) Range {
	w.Observe(total)
	return Range{
		Start: max(0, w.start-w.size),
		End:   min(w.total, w.end+w.size),
	}
}

// Observe records a new sequence length and clamps the window into it.
func (w *Window) Observe(total int) {
	if total < 0 {
		total = 0
	}
	w.total = total
	if w.end > total {
		w.end = total
	}
	if w.start > w.end {
		w.start = max(0, w.end-w.size)
	}
}

// Slice returns the items covered by r, clamped to the slice bounds.
func Slice[T any](items []T, r Range) []T {
	start := min(max(0, r.Start), len(items))
	end := min(max(start, r.End), len(items))
	return items[start:end]
}

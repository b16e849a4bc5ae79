package windowing

import "testing"

func TestWindowScrollBoundaries(t *testing.T) {
	window := New(5)

	window.ScrollToBottom(10)
	if window.Start() != 5 || window.End() != 10 {
		t.Fatalf("expected [5,10), got [%d,%d)", window.Start(), window.End())
	}

	window.ScrollUp()
	if window.Start() != 0 || window.End() != 5 {
		t.Fatalf("expected [0,5), got [%d,%d)", window.Start(), window.End())
	}

	window.ScrollUp()
	if window.Start() != 0 || window.End() != 5 {
		t.Fatalf("scroll up at the top must be a no-op, got [%d,%d)", window.Start(), window.End())
	}
}

func TestWindowScrollToBottomShorterThanSize(t *testing.T) {
	window := New(50)
	window.ScrollToBottom(7)
	if window.Start() != 0 || window.End() != 7 {
		t.Fatalf("expected [0,7), got [%d,%d)", window.Start(), window.End())
	}
}

func TestWindowScrollDown(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		steps     int
		wantStart int
		wantEnd   int
	}{
		{name: "one-step", total: 12, steps: 1, wantStart: 5, wantEnd: 10},
		{name: "clamps-at-total", total: 12, steps: 2, wantStart: 7, wantEnd: 12},
		{name: "no-op-at-bottom", total: 12, steps: 5, wantStart: 7, wantEnd: 12},
		{name: "empty", total: 0, steps: 1, wantStart: 0, wantEnd: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			window := New(5)
			window.ScrollToBottom(tt.total)
			window.ScrollToTop()
			for step := 0; step < tt.steps; step++ {
				window.ScrollDown(tt.total)
			}
			if window.Start() != tt.wantStart || window.End() != tt.wantEnd {
				t.Fatalf("expected [%d,%d), got [%d,%d)", tt.wantStart, tt.wantEnd, window.Start(), window.End())
			}
		})
	}
}

func TestWindowVisibleIndexesIncludesBuffer(t *testing.T) {
	window := New(5)
	window.ScrollToBottom(20)
	window.ScrollUp()

	visible := window.VisibleIndexes(20)
	if visible.Start != 5 || visible.End != 20 {
		t.Fatalf("expected buffered range [5,20), got [%d,%d)", visible.Start, visible.End)
	}

	window.ScrollToTop()
	visible = window.VisibleIndexes(20)
	if visible.Start != 0 || visible.End != 10 {
		t.Fatalf("expected buffered range [0,10), got [%d,%d)", visible.Start, visible.End)
	}
}

func TestWindowClampsWhenSequenceShrinks(t *testing.T) {
	window := New(5)
	window.ScrollToBottom(30)

	visible := window.VisibleIndexes(8)
	if window.End() != 8 || window.Start() > window.End() {
		t.Fatalf("window must clamp to the shorter sequence, got [%d,%d)", window.Start(), window.End())
	}
	if visible.End != 8 {
		t.Fatalf("expected visible end to clamp at 8, got %d", visible.End)
	}
}

func TestSliceClampsRange(t *testing.T) {
	items := []int{0, 1, 2, 3}
	got := Slice(items, Range{Start: 2, End: 10})
	if len(got) != 2 || got[0] != 2 {
		t.Fatalf("unexpected slice %v", got)
	}
	if empty := Slice(items, Range{Start: 7, End: 9}); len(empty) != 0 {
		t.Fatalf("expected empty slice, got %v", empty)
	}
}

func TestWindowShiftKeepsItemsInView(t *testing.T) {
	window := New(5)
	window.ScrollToBottom(20)
	window.ScrollUp()

	window.Shift(15, 35)
	if window.Start() != 25 || window.End() != 30 {
		t.Fatalf("expected [25,30) after prepending 15 items, got [%d,%d)", window.Start(), window.End())
	}
}

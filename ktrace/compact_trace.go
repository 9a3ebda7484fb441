package ktrace

import "time"

// noNext marks a compactMark whose span is still open: its end (or its
// next sibling's start) hasn't happened yet.
const noNext = time.Duration(-1 << 63)

// compactMark is one entry in a CompactTrace's flat, append-only log.
// Instead of storing a start and end time per span, it stores only the
// delta (from the trace's zero time) at which the *next* mark at the
// same or shallower depth began — which doubles as this span's end time.
// Reconstructing a span's actual Start/End requires walking the log, but
// recording one only ever appends a single struct.
type compactMark struct {
	event    string
	depth    int
	nextStart time.Duration
}

// CompactTrace implements Trace with one allocation per Enter rather than
// two: it records only entry events and a running depth, deferring the
// work of reconstructing the span tree (and each span's end time) to
// Root/String.
type CompactTrace struct {
	marks []compactMark
	depth int
	zero  time.Time
}

// NewCompactTrace returns a CompactTrace whose root span is named event
// and opened at the current time.
func NewCompactTrace(event string) *CompactTrace {
	return &CompactTrace{
		marks: []compactMark{{event: event, depth: 0, nextStart: noNext}},
		zero:  nowFunc(),
	}
}

func (t *CompactTrace) Enter(event string) {
	t.depth++
	t.marks[len(t.marks)-1].nextStart = nowFunc().Sub(t.zero)
	t.marks = append(t.marks, compactMark{event: event, depth: t.depth, nextStart: noNext})
}

func (t *CompactTrace) Leave() {
	if t.depth > 0 {
		t.depth--
	}
}

func (t *CompactTrace) Finish() {
	t.depth = 0
	t.marks[len(t.marks)-1].nextStart = nowFunc().Sub(t.zero)
}

func (t *CompactTrace) Root() Span {
	return compactSpan{
		marks:    t.marks,
		children: compactChildren(t.marks),
		zero:     t.zero,
		start:    t.zero,
	}
}

func (t *CompactTrace) String() string { return renderTree(t.Root()) }

// compactSpan implements Span over a slice of a CompactTrace's marks,
// recomputing its children's boundaries on demand.
type compactSpan struct {
	marks       []compactMark
	children    []int
	zero, start time.Time
}

// compactChildren returns the indices within marks that are immediate
// children of marks[0]. marks must be a subtree rooted at marks[0]: every
// later entry must be deeper than it.
func compactChildren(marks []compactMark) (children []int) {
	if len(marks) < 2 {
		return nil
	}
	target := marks[0].depth + 1
	for i := 1; i < len(marks); i++ {
		if marks[i].depth == target {
			children = append(children, i)
		}
	}
	return children
}

func (s compactSpan) Event() string    { return s.marks[0].event }
func (s compactSpan) Start() time.Time { return s.start }

func (s compactSpan) End() time.Time {
	if next := s.marks[len(s.marks)-1].nextStart; next != noNext {
		return s.zero.Add(next)
	}
	return time.Time{}
}

func (s compactSpan) NumChildren() int { return len(s.children) }

func (s compactSpan) Child(index int) Span {
	beg := s.children[index]
	end := len(s.marks)
	if index+1 < len(s.children) {
		end = s.children[index+1]
	}
	marks := s.marks[beg:end]
	return compactSpan{
		marks:    marks,
		children: compactChildren(marks),
		zero:     s.zero,
		start:    s.zero.Add(s.marks[beg-1].nextStart),
	}
}

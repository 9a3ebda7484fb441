package ktrace

import "time"

// FullSpan is a directly-populated Span: every field is a real timestamp,
// recorded at the moment Enter or Leave was called for it.
type FullSpan struct {
	event              string
	startTime, endTime time.Time
	children           []FullSpan
}

func (s FullSpan) Event() string        { return s.event }
func (s FullSpan) Start() time.Time     { return s.startTime }
func (s FullSpan) End() time.Time       { return s.endTime }
func (s FullSpan) NumChildren() int     { return len(s.children) }
func (s FullSpan) Child(index int) Span { return s.children[index] }

// FullTrace implements Trace by recording a real timestamp on every Enter,
// Leave and Finish call, building the span tree directly rather than
// reconstructing it from deltas.
type FullTrace struct {
	root  FullSpan
	stack []*FullSpan
}

// NewFullTrace returns a FullTrace whose root span is named event and
// opened at the current time.
func NewFullTrace(event string) *FullTrace {
	return &FullTrace{root: FullSpan{event: event, startTime: nowFunc()}}
}

func (t *FullTrace) Enter(event string) {
	var current *FullSpan
	if len(t.stack) == 0 {
		t.root.endTime = time.Time{}
		current = &t.root
	} else {
		current = t.stack[len(t.stack)-1]
	}
	current.children = append(current.children, FullSpan{event: event, startTime: nowFunc()})
	t.stack = append(t.stack, &current.children[len(current.children)-1])
}

func (t *FullTrace) Leave() {
	if len(t.stack) == 0 {
		return
	}
	last := len(t.stack) - 1
	t.stack[last].endTime = nowFunc()
	t.stack = t.stack[:last]
}

func (t *FullTrace) Finish() {
	end := nowFunc()
	t.root.endTime = end
	for _, s := range t.stack {
		s.endTime = end
	}
	t.stack = t.stack[:0]
}

func (t *FullTrace) Root() Span { return t.root }

func (t *FullTrace) String() string { return renderTree(t.root) }

// Package ktrace records a tree of nested scheduling spans for a single
// trace run — one root span covering the whole run, with Enter/Leave
// calls pushing and popping named children as the scheduler works through
// a workload. It exists so cmd/ksim can show *when* each phase of a run
// happened and how long it took, not just its final outcome.
//
// Two implementations trade memory for fidelity. FullTrace timestamps
// every Enter and Leave directly, at the cost of more allocation per span.
// CompactTrace instead stores only each span's start delta from its
// parent's next sibling (or Finish), reconstructing end times lazily when
// printed; it allocates once per span rather than twice, which matters
// when a run produces thousands of spans.
package ktrace

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// nowFunc stands in for time.Now so tests can supply a deterministic clock.
var nowFunc = time.Now

// Span is one named, timed node in a Trace's span tree. Children are
// ordered earliest to latest and never overlap; a span's own interval
// always covers all of its children.
type Span interface {
	// Event names this span.
	Event() string

	// Start returns the time this span was entered.
	Start() time.Time

	// End returns the time this span ended, or the zero Time if it is
	// still open. FullTrace records the time of Leave; CompactTrace uses
	// the start of the next span at the same or a shallower depth, or
	// Finish.
	End() time.Time

	// NumChildren returns the number of child spans.
	NumChildren() int

	// Child returns the child span at index, which must be in
	// [0, NumChildren()).
	Child(index int) Span
}

// Trace tracks the current span as a run progresses, building up a tree
// via Enter/Leave, and can render that tree once the run finishes.
type Trace interface {
	// Enter opens a new child span under the current span and makes it
	// the current span.
	Enter(event string)

	// Leave closes the current span and makes its parent current. Leave
	// on the root span does nothing.
	Leave()

	// Finish closes the root span and every span still open on the
	// current path to it.
	Finish()

	// Root returns the root span.
	Root() Span

	// String renders the span tree rooted at Root().
	String() string
}

// fprintSpan writes a recursively indented rendering of the tree rooted
// at s to w: one line per span, each child indented two spaces further
// than its parent, showing the span's elapsed duration.
func fprintSpan(w io.Writer, s Span, now time.Time, depth int) error {
	dur := elapsed(s, now)
	indent := strings.Repeat("  ", depth)
	if _, err := fmt.Fprintf(w, "%s%s %s\n", indent, s.Event(), dur); err != nil {
		return err
	}
	for i := 0; i < s.NumChildren(); i++ {
		if err := fprintSpan(w, s.Child(i), now, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func elapsed(s Span, now time.Time) time.Duration {
	end := s.End()
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.Start())
}

func renderTree(root Span) string {
	var b strings.Builder
	fprintSpan(&b, root, nowFunc(), 0)
	return b.String()
}

package ktrace

import (
	"testing"
	"time"
)

func sec(d int) time.Time { return time.Time{}.Add(time.Second * time.Duration(d)) }

// fakeClock is a manually-advanced clock for deterministic tests.
type fakeClock struct{ now int }

func (f *fakeClock) Now() time.Time { return sec(f.now) }

type op func(f *fakeClock, tr Trace)

func enter(at int, event string) op {
	return func(f *fakeClock, tr Trace) {
		f.now = at
		tr.Enter(event)
	}
}

func leave(at int) op {
	return func(f *fakeClock, tr Trace) {
		f.now = at
		tr.Leave()
	}
}

func finish(at int) op {
	return func(f *fakeClock, tr Trace) {
		f.now = at
		tr.Finish()
	}
}

func runOps(tr Trace, f *fakeClock, ops []op) {
	for _, o := range ops {
		o(f, tr)
	}
}

// checkSpan asserts that a and b describe the same event tree, ignoring
// End() where one of the two hasn't recorded it (CompactTrace only
// resolves End() for a span once its next sibling, or Finish, happens).
func checkSpan(t *testing.T, name string, a, b Span) {
	t.Helper()
	if a.Event() != b.Event() {
		t.Fatalf("%s: event = %q, want %q", name, a.Event(), b.Event())
	}
	if !a.Start().Equal(b.Start()) {
		t.Fatalf("%s: start = %v, want %v", name, a.Start(), b.Start())
	}
	if a.NumChildren() != b.NumChildren() {
		t.Fatalf("%s: num children = %d, want %d", name, a.NumChildren(), b.NumChildren())
	}
	for i := 0; i < a.NumChildren(); i++ {
		checkSpan(t, name, a.Child(i), b.Child(i))
	}
}

func TestFullAndCompactTraceAgree(t *testing.T) {
	tests := []struct {
		name string
		ops  []op
	}{
		{"empty", nil},
		{"leave on root is a no-op", []op{leave(5)}},
		{"single child", []op{enter(10, "a"), leave(20), finish(30)}},
		{"nested children", []op{
			enter(10, "a"),
			enter(15, "a1"),
			leave(20),
			enter(25, "a2"),
			leave(30),
			leave(30),
			finish(40),
		}},
		{"two top-level spans", []op{
			enter(10, "a"),
			leave(20),
			enter(30, "b"),
			leave(40),
			finish(50),
		}},
	}

	for _, test := range tests {
		fc := &fakeClock{1}
		nowFunc = fc.Now
		full := NewFullTrace("root")
		runOps(full, fc, test.ops)

		fc2 := &fakeClock{1}
		nowFunc = fc2.Now
		compact := NewCompactTrace("root")
		runOps(compact, fc2, test.ops)

		checkSpan(t, test.name, full.Root(), compact.Root())
	}
	nowFunc = time.Now
}

func TestCompactTraceStringRendersNestedDurations(t *testing.T) {
	fc := &fakeClock{1}
	nowFunc = fc.Now
	tr := NewCompactTrace("root")
	tr.Enter("phase-a")
	fc.now = 4
	tr.Enter("phase-a-1")
	fc.now = 9
	tr.Leave()
	fc.now = 9
	tr.Leave()
	fc.now = 12
	tr.Finish()
	nowFunc = time.Now

	got := tr.String()
	if got == "" {
		t.Fatal("String() returned empty output")
	}
	root := tr.Root()
	if root.NumChildren() != 1 {
		t.Fatalf("root has %d children, want 1", root.NumChildren())
	}
	child := root.Child(0)
	if child.NumChildren() != 1 {
		t.Fatalf("phase-a has %d children, want 1", child.NumChildren())
	}
	if d := child.End().Sub(child.Start()); d != 8*time.Second {
		t.Fatalf("phase-a duration = %v, want 8s", d)
	}
}

func TestFullTraceOpenSpanHasZeroEnd(t *testing.T) {
	fc := &fakeClock{1}
	nowFunc = fc.Now
	tr := NewFullTrace("root")
	tr.Enter("still-running")
	fc.now = 50
	nowFunc = time.Now

	root := tr.Root()
	if !root.End().IsZero() {
		t.Fatal("root should still be open before Finish")
	}
	child := root.Child(0)
	if !child.End().IsZero() {
		t.Fatal("child span should still be open before Leave or Finish")
	}
}

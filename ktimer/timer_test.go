package ktimer

import "testing"

type countingWaker struct{ n int }

func (w *countingWaker) Wake() bool { w.n++; return true }

func TestTickFiresExpiredTimers(t *testing.T) {
	w := NewWheel()
	waker := &countingWaker{}
	w.RegisterWaker(3, waker)
	for i := 0; i < 2; i++ {
		w.Tick()
	}
	if waker.n != 0 {
		t.Fatalf("timer fired early: n=%d", waker.n)
	}
	w.Tick()
	if waker.n != 1 {
		t.Fatalf("timer should have fired at jiffy 3, n=%d", waker.n)
	}
	if w.Jiffies() != 3 {
		t.Fatalf("Jiffies() = %d, want 3", w.Jiffies())
	}
}

func TestCancelPendingTimer(t *testing.T) {
	w := NewWheel()
	waker := &countingWaker{}
	h := w.RegisterWaker(5, waker)
	if !w.Cancel(h) {
		t.Fatal("Cancel should report the timer was pending")
	}
	w.AdvanceTo(10)
	if waker.n != 0 {
		t.Fatalf("cancelled timer should not fire, n=%d", waker.n)
	}
	if w.Cancel(h) {
		t.Fatal("second Cancel of the same handle should report false")
	}
}

func TestCancelAfterFireReturnsFalse(t *testing.T) {
	w := NewWheel()
	waker := &countingWaker{}
	h := w.RegisterWaker(1, waker)
	w.Tick()
	if waker.n != 1 {
		t.Fatal("timer should have fired")
	}
	if w.Cancel(h) {
		t.Fatal("Cancel after fire should return false")
	}
}

func TestOrderedFiring(t *testing.T) {
	w := NewWheel()
	var order []int
	mk := func(id int) func() { return func() { order = append(order, id) } }
	w.Register(5, mk(5))
	w.Register(1, mk(1))
	w.Register(3, mk(3))
	w.AdvanceTo(5)
	want := []int{1, 3, 5}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestNsJiffiesConversion(t *testing.T) {
	if got, want := NsToJiffies(JiffiesToNs(42)), uint64(42); got != want {
		t.Fatalf("round trip = %d, want %d", got, want)
	}
}

// Package ktimer implements the jiffies clock and timer wheel backing
// schedule_timeout-style bounded sleeps. jiffies is a plain incrementing
// counter driven by Tick, not wall-clock time: this package deliberately
// models only the jiffy-based tick source, leaving a TSC-based
// high-resolution clock to a separate, unimplemented concern.
//
// The wheel is an ordered min-heap of pending timers built on
// container/heap rather than a dedicated timer-wheel library, since the
// scale here (a handful of simulated CPUs) never needs the O(1)
// bucketed-wheel structure a real kernel uses for millions of timers.
package ktimer

import (
	"container/heap"
	"sync"
)

// Waker is the capability a timer needs to wake a sleeping task on expiry.
// Satisfied structurally by waitq.Waker.
type Waker interface {
	Wake() bool
}

// Handle identifies a registered timer for Cancel.
type Handle uint64

// Timer is one entry in the wheel.
type Timer struct {
	handle    Handle
	expiresAt uint64
	fire      func()
	cancelled bool
	index     int // heap index, maintained by container/heap
}

// ExpiresAt returns the jiffy at which the timer is scheduled to fire.
func (t *Timer) ExpiresAt() uint64 { return t.expiresAt }

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool   { return h[i].expiresAt < h[j].expiresAt }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Wheel is the kernel's global (or per-shard) timer wheel: a monotonic
// jiffy counter plus an ordered min-heap of pending timers.
type Wheel struct {
	mu      sync.Mutex
	jiffies uint64
	pending timerHeap
	byHandle map[Handle]*Timer
	nextHandle uint64
}

// NewWheel returns an empty timer wheel with jiffies starting at 0.
func NewWheel() *Wheel {
	return &Wheel{byHandle: make(map[Handle]*Timer)}
}

// Jiffies returns the current tick count (ktimer surface "jiffies()").
func (w *Wheel) Jiffies() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jiffies
}

// Register schedules fire to run when the wheel's jiffy counter reaches
// expiresAt (or has already passed it). It returns a Handle usable with
// Cancel. This is the "timer_register(expires_at, action)" surface;
// RegisterWaker below adapts it to the common case of waking a task.
func (w *Wheel) Register(expiresAt uint64, fire func()) Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextHandle++
	h := Handle(w.nextHandle)
	t := &Timer{handle: h, expiresAt: expiresAt, fire: fire}
	heap.Push(&w.pending, t)
	w.byHandle[h] = t
	return h
}

// RegisterWaker schedules waker.Wake() to run at expiresAt — the common
// case of arming a wakeup for a task sleeping with a deadline.
func (w *Wheel) RegisterWaker(expiresAt uint64, waker Waker) Handle {
	return w.Register(expiresAt, func() { waker.Wake() })
}

// Cancel cancels the timer identified by h. It returns true if the timer
// was still pending (and has now been removed); false if it had already
// fired or does not exist.
func (w *Wheel) Cancel(h Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.byHandle[h]
	if !ok || t.cancelled {
		return false
	}
	t.cancelled = true
	delete(w.byHandle, h)
	if t.index >= 0 {
		heap.Remove(&w.pending, t.index)
	}
	return true
}

// Tick advances the jiffy counter by one and fires (outside the wheel's
// lock) every timer whose expiresAt has now been reached.
func (w *Wheel) Tick() {
	w.mu.Lock()
	w.jiffies++
	now := w.jiffies
	var fired []*Timer
	for len(w.pending) > 0 && w.pending[0].expiresAt <= now {
		t := heap.Pop(&w.pending).(*Timer)
		delete(w.byHandle, t.handle)
		fired = append(fired, t)
	}
	w.mu.Unlock()

	for _, t := range fired {
		t.fire()
	}
}

// AdvanceTo ticks the wheel forward until it reaches target, for use in
// deterministic tests that don't want to drive a real hardware-timer
// goroutine.
func (w *Wheel) AdvanceTo(target uint64) {
	for w.Jiffies() < target {
		w.Tick()
	}
}

// NsToJiffies and JiffiesToNs convert between nanoseconds and jiffies at a
// fixed rate of one jiffy per millisecond — a conventional, if arbitrary,
// kernel HZ choice (Linux's CONFIG_HZ=1000 is the same rate).
const nsPerJiffy = 1_000_000

func NsToJiffies(ns uint64) uint64 { return ns / nsPerJiffy }
func JiffiesToNs(j uint64) uint64  { return j * nsPerJiffy }

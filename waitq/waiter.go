// Package waitq implements the waiter/waker wait-wake protocol and the
// WaitQueue/EventWaitQueue built on top of it.
//
// The protocol is an atomic has-woken-flag paired with a spinlock-
// protected queue, generalized so that waking a task hands it back to a
// real ksched.Scheduler (via the Scheduler interface below) instead of
// just releasing a local semaphore.
package waitq

import (
	"sync/atomic"

	"github.com/opkern/kconc/errno"
	"github.com/opkern/kconc/kpreempt"
	"github.com/opkern/kconc/ktask"
)

// Scheduler is the capability a Waker needs to make a woken task runnable
// again. ksched.Scheduler implements this without importing waitq, keeping
// the task layer from depending on the wait-queue layer.
type Scheduler interface {
	Wakeup(t *ktask.Task) error
}

// Waker is the shared, cross-CPU, per-wait wake handle a blocked task
// and whoever eventually wakes it communicate through. Its zero value is
// not valid; obtain one from NewPair.
type Waker struct {
	link     node
	hasWoken atomic.Bool
	closed   atomic.Bool
	target   *ktask.Task
	sem      chan struct{} // buffered 1; the goroutine-level park/unpark
}

// Waiter is the thread-local half of the pair: it holds the one shared
// reference to its Waker and is not meant to outlive or be transferred to
// another task.
type Waiter struct {
	waker *Waker
}

// NewPair allocates a fresh Waiter/Waker pair bound to target. Each
// WaitUntil-family call (and each ScheduleTimeout) creates its own pair
// and re-enqueues that same Waker across its retry loop; a pair is never
// shared between two calls.
func NewPair(target *ktask.Task) (*Waiter, *Waker) {
	wk := &Waker{target: target, sem: make(chan struct{}, 1)}
	wk.link.reset()
	wk.link.owner = wk
	return &Waiter{waker: wk}, wk
}

// Waker returns the Waiter's shared Waker, for callers (WaitQueue) that
// need to enqueue it.
func (w *Waiter) Waker() *Waker { return w.waker }

// consumeWake atomically takes and clears the has-woken flag, reporting
// whether it was set. This Acquire-swap pairs with the Release-swap in
// Wake: any memory writes the waker performed before calling Wake are
// visible to the waiter after consumeWake observes them.
func (wk *Waker) consumeWake() bool { return wk.hasWoken.Swap(false) }

// Wake sets the has-woken flag and unparks the waiting goroutine. It
// returns false if the Waker had already been woken (or closed) — Wake is
// idempotent, a second call is a no-op — and true otherwise, including the
// case where the target task has already exited, in which case Wake
// returns true without taking any further action.
func (wk *Waker) Wake() bool { return wk.wake(nil) }

// WakeVia is Wake, additionally notifying sched so the target task is
// re-queued onto a run queue. WaitQueue.WakeOne and WakeAll call this; a
// bare Wake (used by, e.g., ktask.Task.Interrupt) is sufficient when only
// the blocked goroutine itself needs to resume.
func (wk *Waker) WakeVia(sched Scheduler) bool { return wk.wake(sched) }

func (wk *Waker) wake(sched Scheduler) bool {
	if wk.closed.Load() {
		return false
	}
	if wk.hasWoken.Swap(true) { // Release store, pairs with consumeWake's Acquire
		return false
	}
	if wk.target != nil && wk.target.IsDead() {
		return true
	}
	if sched != nil && wk.target != nil {
		sched.Wakeup(wk.target) //nolint:errcheck // wakeup of a dead/invalid task is not actionable here
	}
	select {
	case wk.sem <- struct{}{}:
	default: // already has a pending wake; V() is idempotent like a binary semaphore
	}
	return true
}

// Close makes every subsequent Wake a no-op. Used by WaitQueue.MarkDead to
// shut a queue down without risking a late Wake resurrecting a waiter that
// has already been told ECANCELED.
func (wk *Waker) Close() { wk.closed.Store(true) }

// Wait blocks the calling goroutine (standing in for "the current task")
// until woken, interrupted, or — via the caller holding a deadline-driven
// timer registered against this Waker — timed out.
func (w *Waiter) Wait(cpu *kpreempt.CPU, task *ktask.Task, interruptible bool) error {
	for {
		if w.waker.consumeWake() {
			return nil
		}

		g := cpu.IRQSave()
		if w.waker.consumeWake() {
			g.Restore()
			return nil
		}
		if interruptible {
			task.SetState(ktask.InterruptibleSleep)
		} else {
			task.SetState(ktask.UninterruptibleSleep)
		}
		task.SetCurrentWaker(w.waker)
		g.Restore()

		<-w.waker.sem // park: the Go-level stand-in for schedule(SM_NONE)

		task.SetCurrentWaker(nil)
		task.SetState(ktask.Runnable)

		if interruptible && task.SignalPending() {
			return errno.ERESTARTSYS
		}
		if w.waker.consumeWake() {
			return nil
		}
		// Spurious wakeup (e.g. a competing signal with no real wake):
		// loop and re-check the has-woken flag from the top.
	}
}

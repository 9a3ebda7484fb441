package waitq

import (
	"sync/atomic"

	"github.com/opkern/kconc/errno"
	"github.com/opkern/kconc/kpreempt"
	"github.com/opkern/kconc/kspin"
	"github.com/opkern/kconc/ktask"
	"github.com/opkern/kconc/ktimer"
)

// WaitQueue is a FIFO of wakers guarded by a spinlock, plus a fast-path
// atomic counter — the building block every sleeping primitive in ksync
// is composed from.
type WaitQueue struct {
	mu         kspin.Spinlock
	head       node
	numWaiters atomic.Uint32
	dead       atomic.Bool
}

// New returns an empty, live WaitQueue.
func New() *WaitQueue {
	q := &WaitQueue{}
	q.head.reset()
	return q
}

// Len returns a best-effort waiter count, readable lock-free without
// taking the queue's spinlock.
func (q *WaitQueue) Len() int { return int(q.numWaiters.Load()) }

// IsEmpty reports whether Len() == 0.
func (q *WaitQueue) IsEmpty() bool { return q.Len() == 0 }

// IsDead reports whether MarkDead has been called.
func (q *WaitQueue) IsDead() bool { return q.dead.Load() }

func (q *WaitQueue) pushLocked(wk *Waker) {
	wk.link.insertAfter(q.head.prev)
	q.numWaiters.Add(1)
}

// removeWaker detaches wk from the queue if it is still linked, returning
// whether it did. Safe to call even if wk was already removed by a
// concurrent WakeOne/WakeAll/MarkDead.
func (q *WaitQueue) removeWaker(cpu *kpreempt.CPU, wk *Waker) bool {
	q.mu.Lock(cpu)
	removed := wk.link.linked()
	if removed {
		wk.link.unlink()
		q.numWaiters.Add(^uint32(0)) // -1
	}
	q.mu.Unlock(cpu)
	return removed
}

// WakeOne wakes the longest-waiting waker (FIFO order), skipping over any
// waker that turns out to already be woken or dead so that a live waiter
// is given the wake whenever one exists. It returns whether any waiter
// was actually woken.
func (q *WaitQueue) WakeOne(sched Scheduler, cpu *kpreempt.CPU) bool {
	for {
		q.mu.Lock(cpu)
		if q.head.empty() {
			q.mu.Unlock(cpu)
			return false
		}
		n := q.head.next
		n.unlink()
		q.numWaiters.Add(^uint32(0))
		q.mu.Unlock(cpu)

		if t := n.owner.target; t != nil && t.IsDead() {
			continue // the target task has exited; give the wake to the next waiter
		}
		if n.owner.WakeVia(sched) {
			return true
		}
		// n.owner had already been woken by someone else (e.g. a signal)
		// between being queued and being popped here; try the next one.
	}
}

// WakeAll drains every waker from the queue and wakes each of them, with
// the queue's spinlock released before any individual wake runs. It
// returns the number of wakers woken.
func (q *WaitQueue) WakeAll(sched Scheduler, cpu *kpreempt.CPU) int {
	q.mu.Lock(cpu)
	var wakers []*Waker
	for n := q.head.next; n != &q.head; {
		next := n.next
		n.unlink()
		wakers = append(wakers, n.owner)
		n = next
	}
	q.numWaiters.Store(0)
	q.mu.Unlock(cpu)

	woken := 0
	for _, wk := range wakers {
		if wk.WakeVia(sched) {
			woken++
		}
	}
	return woken
}

// MarkDead tears the queue down: idempotent (a second call is a no-op,
// returning 0 and reporting no waiters), admits no new waiter thereafter,
// and wakes every currently-enqueued waiter, whose blocked
// WaitUntilInterruptible/WaitUntilTimeout call then observes IsDead() and
// returns ECANCELED.
func (q *WaitQueue) MarkDead(sched Scheduler, cpu *kpreempt.CPU) int {
	q.mu.Lock(cpu)
	if q.dead.Swap(true) {
		q.mu.Unlock(cpu)
		return 0
	}
	var wakers []*Waker
	for n := q.head.next; n != &q.head; {
		next := n.next
		n.unlink()
		wakers = append(wakers, n.owner)
		n = next
	}
	q.numWaiters.Store(0)
	q.mu.Unlock(cpu)

	for _, wk := range wakers {
		wk.WakeVia(sched)
		wk.Close()
	}
	return len(wakers)
}

// Debug returns the wakers currently enqueued, oldest first, for tests and
// introspection. It takes the queue's spinlock only for the duration of
// the snapshot.
func (q *WaitQueue) Debug(cpu *kpreempt.CPU) []*Waker {
	q.mu.Lock(cpu)
	defer q.mu.Unlock(cpu)
	var out []*Waker
	for n := q.head.next; n != &q.head; n = n.next {
		out = append(out, n.owner)
	}
	return out
}

// WaitUntil blocks uninterruptibly until cond returns (r, true),
// re-checking cond after every real or spurious wakeup. If the queue is
// marked dead while waiting and cond never succeeds, it gives up and
// returns R's zero value — there being no error channel on this variant's
// signature (use WaitUntilInterruptible on any queue that might be torn
// down while tasks still block on it).
func WaitUntil[R any](q *WaitQueue, sched Scheduler, cpu *kpreempt.CPU, task *ktask.Task, cond func() (R, bool)) R {
	if r, ok := cond(); ok {
		return r
	}
	waiter, wk := NewPair(task)
	for {
		q.mu.Lock(cpu)
		if q.dead.Load() {
			q.mu.Unlock(cpu)
			var zero R
			return zero
		}
		if !wk.link.linked() {
			q.pushLocked(wk)
		}
		q.mu.Unlock(cpu)

		if r, ok := cond(); ok {
			q.removeWaker(cpu, wk)
			return r
		}

		waiter.Wait(cpu, task, false) // uninterruptible: error is always nil
	}
}

// WaitUntilInterruptible is WaitUntil, but a pending signal aborts the
// wait with ERESTARTSYS, and a dead queue aborts with ECANCELED.
func WaitUntilInterruptible[R any](q *WaitQueue, sched Scheduler, cpu *kpreempt.CPU, task *ktask.Task, cond func() (R, bool)) (R, error) {
	var zero R
	if r, ok := cond(); ok {
		return r, nil
	}
	waiter, wk := NewPair(task)
	for {
		q.mu.Lock(cpu)
		if q.dead.Load() {
			q.mu.Unlock(cpu)
			return zero, errno.ECANCELED
		}
		if !wk.link.linked() {
			q.pushLocked(wk)
		}
		q.mu.Unlock(cpu)

		if r, ok := cond(); ok {
			q.removeWaker(cpu, wk)
			return r, nil
		}

		if err := waiter.Wait(cpu, task, true); err != nil {
			q.removeWaker(cpu, wk)
			return zero, err
		}
	}
}

// WaitUntilTimeout is WaitUntilInterruptible, but a timer is armed for
// timeoutJiffies jiffies from now against wheel, and its expiry (observed
// with cond still false) aborts the wait with EAGAIN.
func WaitUntilTimeout[R any](q *WaitQueue, sched Scheduler, cpu *kpreempt.CPU, task *ktask.Task, wheel *ktimer.Wheel, timeoutJiffies uint64, cond func() (R, bool)) (R, error) {
	var zero R
	if r, ok := cond(); ok {
		return r, nil
	}
	waiter, wk := NewPair(task)
	deadline := wheel.Jiffies() + timeoutJiffies
	handle := wheel.RegisterWaker(deadline, wk)
	defer wheel.Cancel(handle)

	for {
		q.mu.Lock(cpu)
		if q.dead.Load() {
			q.mu.Unlock(cpu)
			return zero, errno.ECANCELED
		}
		if !wk.link.linked() {
			q.pushLocked(wk)
		}
		q.mu.Unlock(cpu)

		if r, ok := cond(); ok {
			q.removeWaker(cpu, wk)
			return r, nil
		}

		if err := waiter.Wait(cpu, task, true); err != nil {
			q.removeWaker(cpu, wk)
			return zero, err
		}

		if wheel.Jiffies() >= deadline {
			if r, ok := cond(); ok {
				q.removeWaker(cpu, wk)
				return r, nil
			}
			q.removeWaker(cpu, wk)
			return zero, errno.EAGAIN
		}
	}
}

// ScheduleTimeout parks task for n jiffies — arming a timer, yielding,
// and cancelling the timer on return — and reports the slack: the number
// of jiffies remaining when it woke, 0 if the timer ran out on its own. A
// real Wake delivered before the timer fires (an external wakeup, or —
// when interruptible — a signal) returns early with the remaining slack;
// a signal additionally reports ERESTARTSYS.
func ScheduleTimeout(cpu *kpreempt.CPU, task *ktask.Task, wheel *ktimer.Wheel, n uint64, interruptible bool) (remaining uint64, err error) {
	waiter, wk := NewPair(task)
	deadline := wheel.Jiffies() + n
	handle := wheel.RegisterWaker(deadline, wk)

	err = waiter.Wait(cpu, task, interruptible)
	wheel.Cancel(handle)

	if now := wheel.Jiffies(); now < deadline {
		remaining = deadline - now
	}
	if err == errno.ERESTARTSYS {
		return remaining, err
	}
	return remaining, nil
}

package waitq

import (
	"github.com/opkern/kconc/errno"
	"github.com/opkern/kconc/kpreempt"
	"github.com/opkern/kconc/kspin"
	"github.com/opkern/kconc/ktask"
)

// EventWaitQueue is the event-mask-keyed variant of WaitQueue for
// poll/select-style waiting: a waiter registers the set of event bits it
// cares about, and Notify only wakes waiters whose mask intersects the
// events that actually occurred.
//
// It does not reuse WaitQueue's intrusive node list (a Waker only carries
// one list-node, and here every registration needs an attached mask), so
// it keeps its own slice of entries under a dedicated spinlock instead,
// keyed by mask rather than FIFO order.
type EventWaitQueue struct {
	mu      kspin.Spinlock
	waiters []*eventEntry
	dead    bool
}

type eventEntry struct {
	waker *Waker
	mask  uint64
}

// NewEventWaitQueue returns an empty, live EventWaitQueue.
func NewEventWaitQueue() *EventWaitQueue { return &EventWaitQueue{} }

// Notify wakes every waiter registered with a mask that intersects events,
// removing them from the queue. It returns the number woken.
func (q *EventWaitQueue) Notify(sched Scheduler, cpu *kpreempt.CPU, events uint64) int {
	q.mu.Lock(cpu)
	var matched []*Waker
	kept := q.waiters[:0]
	for _, e := range q.waiters {
		if e.mask&events != 0 {
			matched = append(matched, e.waker)
		} else {
			kept = append(kept, e)
		}
	}
	q.waiters = kept
	q.mu.Unlock(cpu)

	woken := 0
	for _, wk := range matched {
		if wk.WakeVia(sched) {
			woken++
		}
	}
	return woken
}

// MarkDead tears the queue down like WaitQueue.MarkDead: idempotent, wakes
// every registered waiter, and admits no further registration.
func (q *EventWaitQueue) MarkDead(sched Scheduler, cpu *kpreempt.CPU) int {
	q.mu.Lock(cpu)
	if q.dead {
		q.mu.Unlock(cpu)
		return 0
	}
	q.dead = true
	matched := make([]*Waker, len(q.waiters))
	for i, e := range q.waiters {
		matched[i] = e.waker
	}
	q.waiters = nil
	q.mu.Unlock(cpu)

	for _, wk := range matched {
		wk.WakeVia(sched)
		wk.Close()
	}
	return len(matched)
}

// WaitUntilEvent blocks until cond returns (r, true), registering (and, on
// every spurious wakeup, re-registering) interest in mask so that a Notify
// call matching any bit of it will wake this waiter. A dead queue aborts
// with the zero value and errno.ECANCELED via the same contract as
// WaitUntilInterruptible.
func WaitUntilEvent[R any](q *EventWaitQueue, sched Scheduler, cpu *kpreempt.CPU, task *ktask.Task, mask uint64, cond func() (R, bool)) (R, error) {
	var zero R
	if r, ok := cond(); ok {
		return r, nil
	}
	waiter, wk := NewPair(task)
	for {
		q.mu.Lock(cpu)
		if q.dead {
			q.mu.Unlock(cpu)
			return zero, errno.ECANCELED
		}
		q.waiters = append(q.waiters, &eventEntry{waker: wk, mask: mask})
		q.mu.Unlock(cpu)

		if r, ok := cond(); ok {
			q.removeWaiter(cpu, wk)
			return r, nil
		}

		if err := waiter.Wait(cpu, task, true); err != nil {
			q.removeWaiter(cpu, wk)
			return zero, err
		}

		q.removeWaiter(cpu, wk) // defensive: Notify already removed it on a real match
	}
}

func (q *EventWaitQueue) removeWaiter(cpu *kpreempt.CPU, wk *Waker) {
	q.mu.Lock(cpu)
	for i, e := range q.waiters {
		if e.waker == wk {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock(cpu)
}

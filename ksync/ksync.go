// Package ksync implements the kernel's sleeping synchronization
// primitives: Mutex, Semaphore, RWMutex and Completion, each an atomic
// state word plus a waitq.WaitQueue, composed entirely out of
// waitq.WaitUntil/WaitUntilInterruptible/WaitUntilTimeout rather than any
// primitive's own ad hoc park/unpark logic.
//
// Every primitive follows the same state-word-plus-CAS shape: TryLock (or
// TryAcquire/TryWait) is a "CAS to the acquired state, retry on
// contention" loop, and the corresponding Unlock/Release/Complete is "CAS
// back to the released state, wake one waiter". The waiting goroutine
// parks on a waitq.WaitQueue, which also knows how to hand the woken task
// back to a real ksched.Scheduler instead of just releasing a semaphore.
package ksync

import (
	"math"
	"sync/atomic"

	"github.com/opkern/kconc/kpreempt"
	"github.com/opkern/kconc/ktask"
	"github.com/opkern/kconc/ktimer"
	"github.com/opkern/kconc/waitq"
)

// Semaphore is a counting semaphore.
type Semaphore struct {
	counter atomic.Uint32
	q       *waitq.WaitQueue
}

// NewSemaphore returns a Semaphore initialized to initial.
func NewSemaphore(initial uint32) *Semaphore {
	s := &Semaphore{q: waitq.New()}
	s.counter.Store(initial)
	return s
}

func (s *Semaphore) tryAcquire() bool {
	for {
		c := s.counter.Load()
		if c == 0 {
			return false
		}
		if s.counter.CompareAndSwap(c, c-1) {
			return true
		}
	}
}

// TryAcquire is a single non-blocking acquire attempt.
func (s *Semaphore) TryAcquire() bool { return s.tryAcquire() }

// Acquire blocks uninterruptibly until a permit is available.
func (s *Semaphore) Acquire(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) {
	cond := func() (struct{}, bool) { return struct{}{}, s.tryAcquire() }
	waitq.WaitUntil(s.q, sched, cpu, task, cond)
}

// AcquireInterruptible is Acquire, but a pending signal aborts it with
// ERESTARTSYS.
func (s *Semaphore) AcquireInterruptible(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) error {
	cond := func() (struct{}, bool) { return struct{}{}, s.tryAcquire() }
	_, err := waitq.WaitUntilInterruptible(s.q, sched, cpu, task, cond)
	return err
}

// AcquireTimeout is Acquire, aborting with EAGAIN if no permit becomes
// available within timeoutJiffies.
func (s *Semaphore) AcquireTimeout(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task, wheel *ktimer.Wheel, timeoutJiffies uint64) error {
	cond := func() (struct{}, bool) { return struct{}{}, s.tryAcquire() }
	_, err := waitq.WaitUntilTimeout(s.q, sched, cpu, task, wheel, timeoutJiffies, cond)
	return err
}

// Release returns one permit and wakes a single waiter, if any.
func (s *Semaphore) Release(sched waitq.Scheduler, cpu *kpreempt.CPU) {
	s.counter.Add(1)
	s.q.WakeOne(sched, cpu)
}

// Mutex is a non-recursive mutual-exclusion lock. Acquiring a Mutex
// already held by the calling task is undefined behavior (it deadlocks).
type Mutex struct {
	locked atomic.Bool
	owner  atomic.Uint64 // debug-only: ID of the holding task, 0 if free
	q      *waitq.WaitQueue
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex { return &Mutex{q: waitq.New()} }

// MutexGuard is the scoped guard TryLock/Lock/LockInterruptible return;
// its Unlock releases the Mutex.
type MutexGuard struct {
	m *Mutex
}

// Unlock releases the lock and wakes one waiter, if any.
func (g *MutexGuard) Unlock(sched waitq.Scheduler, cpu *kpreempt.CPU) {
	g.m.owner.Store(0)
	g.m.locked.Store(false)
	g.m.q.WakeOne(sched, cpu)
}

// TryLock is a single non-blocking acquire attempt.
func (m *Mutex) TryLock(task *ktask.Task) (*MutexGuard, bool) {
	if m.locked.CompareAndSwap(false, true) {
		m.owner.Store(task.ID)
		return &MutexGuard{m: m}, true
	}
	return nil, false
}

func (m *Mutex) tryLock(task *ktask.Task) bool {
	if m.locked.CompareAndSwap(false, true) {
		m.owner.Store(task.ID)
		return true
	}
	return false
}

// Lock blocks uninterruptibly until the Mutex is acquired.
func (m *Mutex) Lock(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) *MutexGuard {
	cond := func() (struct{}, bool) { return struct{}{}, m.tryLock(task) }
	waitq.WaitUntil(m.q, sched, cpu, task, cond)
	return &MutexGuard{m: m}
}

// LockInterruptible is Lock, but a pending signal aborts it with
// ERESTARTSYS before the lock is acquired.
func (m *Mutex) LockInterruptible(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) (*MutexGuard, error) {
	cond := func() (struct{}, bool) { return struct{}{}, m.tryLock(task) }
	_, err := waitq.WaitUntilInterruptible(m.q, sched, cpu, task, cond)
	if err != nil {
		return nil, err
	}
	return &MutexGuard{m: m}, nil
}

// AssertHeld panics if the Mutex is not currently locked — a debug
// assertion, not a substitute for the owner check a recursive-acquire
// detector would need.
func (m *Mutex) AssertHeld() {
	if !m.locked.Load() {
		panic("ksync: Mutex not held")
	}
}

// RWMutex is a reader/writer lock keyed by a single signed counter:
// -1 means a writer holds it, a positive count is the number of current
// readers, 0 is free.
type RWMutex struct {
	counter atomic.Int32
	q       *waitq.WaitQueue
}

// NewRWMutex returns a free RWMutex.
func NewRWMutex() *RWMutex { return &RWMutex{q: waitq.New()} }

// RLockGuard releases a read hold.
type RLockGuard struct{ rw *RWMutex }

// WLockGuard releases a write hold.
type WLockGuard struct{ rw *RWMutex }

func (rw *RWMutex) tryRLock() bool {
	for {
		c := rw.counter.Load()
		if c < 0 {
			return false
		}
		if rw.counter.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

func (rw *RWMutex) tryLock() bool { return rw.counter.CompareAndSwap(0, -1) }

// TryRLock is a single non-blocking read-acquire attempt.
func (rw *RWMutex) TryRLock() (*RLockGuard, bool) {
	if rw.tryRLock() {
		return &RLockGuard{rw: rw}, true
	}
	return nil, false
}

// TryLock is a single non-blocking write-acquire attempt.
func (rw *RWMutex) TryLock() (*WLockGuard, bool) {
	if rw.tryLock() {
		return &WLockGuard{rw: rw}, true
	}
	return nil, false
}

// RLock blocks uninterruptibly until a read hold is acquired.
func (rw *RWMutex) RLock(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) *RLockGuard {
	cond := func() (struct{}, bool) { return struct{}{}, rw.tryRLock() }
	waitq.WaitUntil(rw.q, sched, cpu, task, cond)
	return &RLockGuard{rw: rw}
}

// Lock blocks uninterruptibly until a write hold is acquired.
func (rw *RWMutex) Lock(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) *WLockGuard {
	cond := func() (struct{}, bool) { return struct{}{}, rw.tryLock() }
	waitq.WaitUntil(rw.q, sched, cpu, task, cond)
	return &WLockGuard{rw: rw}
}

// RLockInterruptible is RLock, but a pending signal aborts it with
// ERESTARTSYS.
func (rw *RWMutex) RLockInterruptible(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) (*RLockGuard, error) {
	cond := func() (struct{}, bool) { return struct{}{}, rw.tryRLock() }
	_, err := waitq.WaitUntilInterruptible(rw.q, sched, cpu, task, cond)
	if err != nil {
		return nil, err
	}
	return &RLockGuard{rw: rw}, nil
}

// LockInterruptible is Lock, but a pending signal aborts it with
// ERESTARTSYS.
func (rw *RWMutex) LockInterruptible(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) (*WLockGuard, error) {
	cond := func() (struct{}, bool) { return struct{}{}, rw.tryLock() }
	_, err := waitq.WaitUntilInterruptible(rw.q, sched, cpu, task, cond)
	if err != nil {
		return nil, err
	}
	return &WLockGuard{rw: rw}, nil
}

// Unlock releases a read hold: decrements the reader count and, if that
// was the last reader, wakes one waiter.
func (g *RLockGuard) Unlock(sched waitq.Scheduler, cpu *kpreempt.CPU) {
	if g.rw.counter.Add(-1) == 0 {
		g.rw.q.WakeOne(sched, cpu)
	}
}

// Unlock releases a write hold and wakes every waiter, since any number of
// readers (or a single writer) may now be able to proceed.
func (g *WLockGuard) Unlock(sched waitq.Scheduler, cpu *kpreempt.CPU) {
	g.rw.counter.Store(0)
	g.rw.q.WakeAll(sched, cpu)
}

// completionMax marks a Completion as permanently done.
const completionMax = math.MaxUint32

// Completion is a one-shot-or-repeated event: Wait returns exactly as
// many times as Complete is called, unless CompleteAll has been called,
// in which case every current and future waiter is released.
type Completion struct {
	done atomic.Uint32
	q    *waitq.WaitQueue
}

// NewCompletion returns a Completion with no outstanding completions.
func NewCompletion() *Completion { return &Completion{q: waitq.New()} }

func (c *Completion) tryWait() bool {
	for {
		d := c.done.Load()
		if d == completionMax {
			return true
		}
		if d == 0 {
			return false
		}
		if c.done.CompareAndSwap(d, d-1) {
			return true
		}
	}
}

// TryWait is a single non-blocking attempt to consume a completion.
func (c *Completion) TryWait() bool { return c.tryWait() }

// Wait blocks uninterruptibly for one completion.
func (c *Completion) Wait(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) {
	cond := func() (struct{}, bool) { return struct{}{}, c.tryWait() }
	waitq.WaitUntil(c.q, sched, cpu, task, cond)
}

// WaitInterruptible is Wait, but a pending signal aborts it with
// ERESTARTSYS.
func (c *Completion) WaitInterruptible(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task) error {
	cond := func() (struct{}, bool) { return struct{}{}, c.tryWait() }
	_, err := waitq.WaitUntilInterruptible(c.q, sched, cpu, task, cond)
	return err
}

// WaitTimeout is Wait, aborting with EAGAIN if no completion arrives
// within timeoutJiffies.
func (c *Completion) WaitTimeout(sched waitq.Scheduler, cpu *kpreempt.CPU, task *ktask.Task, wheel *ktimer.Wheel, timeoutJiffies uint64) error {
	cond := func() (struct{}, bool) { return struct{}{}, c.tryWait() }
	_, err := waitq.WaitUntilTimeout(c.q, sched, cpu, task, wheel, timeoutJiffies, cond)
	return err
}

// Complete records one completion and wakes a single waiter.
func (c *Completion) Complete(sched waitq.Scheduler, cpu *kpreempt.CPU) {
	for {
		d := c.done.Load()
		if d == completionMax {
			return // already permanently complete
		}
		if c.done.CompareAndSwap(d, d+1) {
			break
		}
	}
	c.q.WakeOne(sched, cpu)
}

// CompleteAll marks the Completion permanently done and wakes every
// current waiter; every future Wait/TryWait call also succeeds
// immediately from then on.
func (c *Completion) CompleteAll(sched waitq.Scheduler, cpu *kpreempt.CPU) {
	c.done.Store(completionMax)
	c.q.WakeAll(sched, cpu)
}


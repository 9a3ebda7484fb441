// Package ktask implements the task (process control block) abstraction and
// its state machine. A Task is deliberately a plain data-and-locking
// struct: the policy of *when* a task moves between states belongs to
// ksched and waitq, which hold a *Task and call its accessors under their
// own locking discipline — some fields are owner-only, others are
// externally writable under the run-queue lock.
package ktask

import (
	"sync"
	"sync/atomic"

	"github.com/opkern/kconc/kcpuset"
)

// State is one of a task's seven lifecycle states. "Running" is not a
// separate State value: a task is running exactly when its State is
// Runnable and OnCPU() != NoCPU — Runnable covers both "on a run queue"
// and "currently executing".
type State int

const (
	New State = iota
	Runnable
	InterruptibleSleep
	UninterruptibleSleep
	Stopped
	Zombie
	Exited
)

func (s State) String() string {
	switch s {
	case New:
		return "New"
	case Runnable:
		return "Runnable"
	case InterruptibleSleep:
		return "InterruptibleSleep"
	case UninterruptibleSleep:
		return "UninterruptibleSleep"
	case Stopped:
		return "Stopped"
	case Zombie:
		return "Zombie"
	case Exited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Policy is the scheduling class a task runs under.
type Policy int

const (
	CFS Policy = iota
	FIFO
	RR
)

func (p Policy) String() string {
	switch p {
	case CFS:
		return "CFS"
	case FIFO:
		return "FIFO"
	case RR:
		return "RR"
	default:
		return "Unknown"
	}
}

// NoCPU is the sentinel OnCPU value meaning "not currently executing".
const NoCPU = -1

// Waker is the minimal capability a task needs from whatever it is
// currently blocked on, to support signal delivery interrupting an
// interruptible sleep (a pending signal aborts the sleep with
// ERESTARTSYS). It is satisfied structurally by waitq.Waker without
// ktask importing the waitq package, keeping this package from depending
// back on concrete wait-queue types.
type Waker interface {
	Wake() bool
}

// Stats accumulates the bookkeeping a real kernel exposes per task in
// /proc/<pid>/stat: voluntary vs forced context switches and CPU
// migrations.
type Stats struct {
	VoluntarySwitches uint64
	ForcedSwitches     uint64
	Migrations         uint64
}

// Task is the process control block.
type Task struct {
	ID       uint64
	ParentID uint64
	Name     string

	mu sync.Mutex // guards the fields below except where noted atomic

	state    State
	policy   Policy
	priority int // 0-99 for RT; nice value for CFS
	onCPU    int

	vruntime  uint64 // monotic while running under CFS
	timeSlice int    // RR ticks remaining

	affinity kcpuset.Set

	kernelThread bool
	currentWaker Waker // weak backref to whatever this task is blocked on

	stats Stats

	// Flags, read far more than written; kept atomic so a hot path
	// (ksched.Tick, waitq fast-path) can check them lock-free.
	needResched   atomic.Bool
	signalPending atomic.Bool
	migrating     atomic.Bool
}

// New creates a task in state New, not yet on any run queue.
func New(id, parentID uint64, name string, policy Policy, priority int) *Task {
	return &Task{
		ID:       id,
		ParentID: parentID,
		Name:     name,
		state:    New,
		policy:   policy,
		priority: priority,
		onCPU:    NoCPU,
		affinity: kcpuset.All(kcpuset.MaxCPUs),
	}
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the task's state. Callers are responsible for the
// invariant that a Running→Sleep transition happens with interrupts
// disabled; ktask itself does not have an interrupt concept, that
// discipline lives in the caller (waitq.Waiter.Wait).
func (t *Task) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// CompareAndSetState performs the transition only if the task is currently
// in `from`, returning whether it did. Used by kthread_stop-style code that
// must not clobber a state change that raced in.
func (t *Task) CompareAndSetState(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	return true
}

func (t *Task) Policy() Policy { t.mu.Lock(); defer t.mu.Unlock(); return t.policy }

func (t *Task) SetPolicy(p Policy, priority int) {
	t.mu.Lock()
	t.policy = p
	t.priority = priority
	t.mu.Unlock()
}

func (t *Task) Priority() int { t.mu.Lock(); defer t.mu.Unlock(); return t.priority }

func (t *Task) SetPriority(p int) { t.mu.Lock(); t.priority = p; t.mu.Unlock() }

func (t *Task) VRuntime() uint64 { return atomic.LoadUint64(&t.vruntime) }

func (t *Task) SetVRuntime(v uint64) { atomic.StoreUint64(&t.vruntime, v) }

func (t *Task) AddVRuntime(delta uint64) uint64 { return atomic.AddUint64(&t.vruntime, delta) }

func (t *Task) TimeSlice() int { t.mu.Lock(); defer t.mu.Unlock(); return t.timeSlice }

func (t *Task) SetTimeSlice(n int) { t.mu.Lock(); t.timeSlice = n; t.mu.Unlock() }

// DecTimeSlice decrements the RR time slice by one tick and returns the new
// value.
func (t *Task) DecTimeSlice() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timeSlice > 0 {
		t.timeSlice--
	}
	return t.timeSlice
}

func (t *Task) OnCPU() int { t.mu.Lock(); defer t.mu.Unlock(); return t.onCPU }

func (t *Task) SetOnCPU(cpu int) { t.mu.Lock(); t.onCPU = cpu; t.mu.Unlock() }

func (t *Task) Affinity() kcpuset.Set { t.mu.Lock(); defer t.mu.Unlock(); return t.affinity }

func (t *Task) SetAffinity(s kcpuset.Set) { t.mu.Lock(); t.affinity = s; t.mu.Unlock() }

func (t *Task) IsKernelThread() bool { t.mu.Lock(); defer t.mu.Unlock(); return t.kernelThread }

func (t *Task) SetKernelThread(v bool) { t.mu.Lock(); t.kernelThread = v; t.mu.Unlock() }

// CurrentWaker returns the Waker this task is presently blocked on, or nil.
func (t *Task) CurrentWaker() Waker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentWaker
}

// SetCurrentWaker records (or clears, with nil) the Waker this task is about
// to block on. waitq.Waiter.Wait calls this around its sleep so that signal
// delivery (Interrupt) can find and wake the right Waker.
func (t *Task) SetCurrentWaker(w Waker) {
	t.mu.Lock()
	t.currentWaker = w
	t.mu.Unlock()
}

func (t *Task) SignalPending() bool { return t.signalPending.Load() }

func (t *Task) SetSignalPending(v bool) { t.signalPending.Store(v) }

// Interrupt marks a signal pending on t and, if t is currently blocked on a
// Waker, wakes it so an interruptible sleep observes the signal promptly.
func (t *Task) Interrupt() {
	t.SetSignalPending(true)
	if w := t.CurrentWaker(); w != nil {
		w.Wake()
	}
}

func (t *Task) Migrating() bool { return t.migrating.Load() }

func (t *Task) SetMigrating(v bool) { t.migrating.Store(v) }

func (t *Task) NeedResched() bool { return t.needResched.Load() }

func (t *Task) SetNeedResched(v bool) { t.needResched.Store(v) }

// IsDead reports whether the task can no longer be scheduled — the
// condition a Waker's "weak reference to target" checks before calling
// Scheduler.Wakeup.
func (t *Task) IsDead() bool {
	switch t.State() {
	case Zombie, Exited:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of this task's scheduling statistics.
func (t *Task) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Task) RecordVoluntarySwitch() { t.mu.Lock(); t.stats.VoluntarySwitches++; t.mu.Unlock() }

func (t *Task) RecordForcedSwitch() { t.mu.Lock(); t.stats.ForcedSwitches++; t.mu.Unlock() }

func (t *Task) RecordMigration() { t.mu.Lock(); t.stats.Migrations++; t.mu.Unlock() }

package ksched

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opkern/kconc/errno"
	"github.com/opkern/kconc/kcpuset"
	"github.com/opkern/kconc/kpreempt"
	"github.com/opkern/kconc/kspin"
	"github.com/opkern/kconc/ktask"
)

// vruntimeWakeupGrant bounds how far back a woken CFS task's clamped
// vruntime can reach relative to rq.minVRuntime.
const vruntimeWakeupGrant = 1_000_000

// minGranularity is the vruntime lead a CFS task must build up over the
// leftmost waiter before Tick requests a preemption.
const minGranularity = 750_000

// defaultRRSlice is the number of ticks an RR task runs before being
// requeued at the back of its priority deque.
const defaultRRSlice = 4

// weightFactor approximates CFS's nice-to-weight table: lower priority
// numbers (higher nice-ness is inverted for CFS — here "priority" doubles
// as the nice value) accrue vruntime more slowly. The exact curve is not
// load-bearing for correctness, only for relative fairness between
// priorities.
func weightFactor(priority int) uint64 {
	if priority <= 0 {
		return 1
	}
	return uint64(priority) + 1
}

// cpuState bundles one simulated CPU's preemption state with its run
// queue and a spinlock guarding the run queue's internal structures: all
// run-queue mutation for a CPU is serialized by that CPU's own spinlock.
type cpuState struct {
	cpu *kpreempt.CPU
	rq  *RunQueue
	mu  kspin.Spinlock
}

// Scheduler is the top-level scheduling authority: one RunQueue per CPU,
// reachable by id, satisfying waitq.Scheduler structurally via Wakeup.
// Like the rest of this module, it is a small struct guarded by a mutex
// rather than a more elaborate concurrent structure.
type Scheduler struct {
	mu       sync.RWMutex
	cpus     map[int]*cpuState
	tasks    map[uint64]*Task
	location map[uint64]int // task id -> cpu id it is enqueued or running on
	nextID   uint64
	limiter  *rate.Limiter // paces load-balancing attempts
}

// Task bundles a *ktask.Task with the bookkeeping the scheduler itself
// needs (its entry function and exit channel): SpawnKernelThread returns
// one of these so callers like KthreadStop can retrieve its exit value.
type Task struct {
	*ktask.Task

	shouldStop  chan struct{}
	stopOnce    sync.Once
	exited      chan struct{}
	exitOnce    sync.Once
	exitValue   error
}

func newWrappedTask(base *ktask.Task) *Task {
	return &Task{
		Task:       base,
		shouldStop: make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

// ShouldStop reports whether KthreadStop has been requested — a
// cooperative flag a running kernel thread is expected to observe and
// exit on, not a forced preemption.
func (t *Task) ShouldStop() bool {
	select {
	case <-t.shouldStop:
		return true
	default:
		return false
	}
}

func (t *Task) requestStop() {
	t.stopOnce.Do(func() { close(t.shouldStop) })
}

func (t *Task) markExited(err error) {
	t.exitOnce.Do(func() {
		t.exitValue = err
		t.SetState(ktask.Exited)
		close(t.exited)
	})
}

// NewScheduler returns a Scheduler with one RunQueue per cpu id in
// [0, numCPUs), each with its own idle task, and a load-balance rate
// limiter (golang.org/x/time/rate) allowing at most one rebalance attempt
// per interval.
func NewScheduler(numCPUs int, balanceInterval time.Duration) *Scheduler {
	s := &Scheduler{
		cpus:     make(map[int]*cpuState, numCPUs),
		tasks:    make(map[uint64]*Task),
		location: make(map[uint64]int),
		limiter:  rate.NewLimiter(rate.Every(balanceInterval), 1),
	}
	for id := 0; id < numCPUs; id++ {
		idle := ktask.New(s.allocID(), 0, "idle", ktask.CFS, 0)
		idle.SetKernelThread(true)
		idle.SetState(ktask.Runnable)
		cs := &cpuState{cpu: kpreempt.NewCPU(id), rq: NewRunQueue(id, idle)}
		cs.rq.SetCurrent(idle)
		s.cpus[id] = cs
	}
	return s
}

func (s *Scheduler) allocID() uint64 {
	s.nextID++
	return s.nextID
}

func (s *Scheduler) cpuState(id int) *cpuState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cpus[id]
}

// CPU returns the kpreempt.CPU backing cpu id, for callers that need to
// hold it across a blocking wait (ksync, waitq).
func (s *Scheduler) CPU(id int) *kpreempt.CPU {
	if cs := s.cpuState(id); cs != nil {
		return cs.cpu
	}
	return nil
}

// chooseCPU picks the least-loaded CPU in aff that can run a new or
// woken task; the same "lightest load" metric load balancing uses also
// applies at placement time.
func (s *Scheduler) chooseCPU(aff kcpuset.Set) *cpuState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *cpuState
	bestLoad := -1
	for id, cs := range s.cpus {
		if !aff.IsSet(id) {
			continue
		}
		cs.mu.Lock(cs.cpu)
		load := cs.rq.NrRunning()
		cs.mu.Unlock(cs.cpu)
		if best == nil || load < bestLoad {
			best, bestLoad = cs, load
		}
	}
	return best
}

// SpawnKernelThread creates a new kernel thread running entry(ctx, task)
// and places it on the least-loaded CPU within its affinity. entry is
// expected to return when it observes task.ShouldStop(); its return
// value becomes KthreadStop's exit value.
func (s *Scheduler) SpawnKernelThread(name string, policy ktask.Policy, priority int, entry func(ctx context.Context, task *Task) error) (*Task, error) {
	if entry == nil {
		return nil, errno.EINVAL
	}
	base := ktask.New(s.allocID(), 0, name, policy, priority)
	base.SetKernelThread(true)
	t := newWrappedTask(base)

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	cs := s.chooseCPU(t.Affinity())
	if cs == nil {
		return nil, errno.ENOMEM
	}

	t.SetState(ktask.Runnable)
	cs.mu.Lock(cs.cpu)
	cs.rq.Enqueue(t.Task, vruntimeWakeupGrant)
	cs.mu.Unlock(cs.cpu)
	s.setLocation(t.ID, cs.rq.CPUID())

	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-t.shouldStop
			cancel()
		}()
		err := entry(ctx, t)
		cancel()
		t.markExited(err)
		s.dequeueIfPresent(t.Task)
	}()

	return t, nil
}

// setLocation records which CPU's run queue holds (or is about to hold) a
// task, so an exiting task can be found and removed even if it was never
// actually scheduled onto the CPU (OnCPU only reflects "currently
// executing", not "enqueued").
func (s *Scheduler) setLocation(taskID uint64, cpuID int) {
	s.mu.Lock()
	s.location[taskID] = cpuID
	s.mu.Unlock()
}

func (s *Scheduler) clearLocation(taskID uint64) {
	s.mu.Lock()
	delete(s.location, taskID)
	s.mu.Unlock()
}

func (s *Scheduler) dequeueIfPresent(base *ktask.Task) {
	s.mu.RLock()
	cpuID, ok := s.location[base.ID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	cs := s.cpuState(cpuID)
	if cs == nil {
		return
	}
	cs.mu.Lock(cs.cpu)
	cs.rq.Dequeue(base)
	if cs.rq.Current() == base {
		cs.rq.SetCurrent(nil)
	}
	cs.mu.Unlock(cs.cpu)
	s.clearLocation(base.ID)
}

// Wakeup transitions task to Runnable and places it on its
// affinity-chosen CPU's run queue. It implements waitq.Scheduler and
// ktimer.Waker's sibling contract structurally — no import of waitq is
// needed here.
func (s *Scheduler) Wakeup(task *ktask.Task) error {
	if task == nil || task.IsDead() {
		return nil
	}
	if !task.CompareAndSetState(ktask.InterruptibleSleep, ktask.Runnable) &&
		!task.CompareAndSetState(ktask.UninterruptibleSleep, ktask.Runnable) {
		if task.State() == ktask.Runnable {
			return nil // already runnable: a concurrent wake raced us, not an error
		}
	}
	cs := s.chooseCPU(task.Affinity())
	if cs == nil {
		return errno.EINVAL
	}
	cs.mu.Lock(cs.cpu)
	cs.rq.Enqueue(task, vruntimeWakeupGrant)
	cs.mu.Unlock(cs.cpu)
	s.setLocation(task.ID, cs.rq.CPUID())
	s.checkPreemptCurrent(cs, task)
	return nil
}

// checkPreemptCurrent decides whether the newly-runnable task should
// preempt whatever cs is currently running, setting need_resched if so.
func (s *Scheduler) checkPreemptCurrent(cs *cpuState, newlyWoken *ktask.Task) {
	current := cs.rq.Current()
	if current == nil || current == cs.rq.idle {
		cs.cpu.SetNeedResched()
		return
	}
	switch {
	case isRT(newlyWoken) && !isRT(current):
		cs.cpu.SetNeedResched()
	case isRT(newlyWoken) && isRT(current):
		if newlyWoken.Priority() < current.Priority() {
			cs.cpu.SetNeedResched()
		}
	case !isRT(newlyWoken) && !isRT(current):
		if current.VRuntime() > newlyWoken.VRuntime()+minGranularity {
			cs.cpu.SetNeedResched()
		}
	}
}

func isRT(t *ktask.Task) bool {
	p := t.Policy()
	return p == ktask.FIFO || p == ktask.RR
}

// Schedule performs one context switch on the given CPU id: it
// re-enqueues the outgoing task if still runnable, and picks and installs
// the next task. Runtime accounting is done by Tick, not here. It returns the task now current on
// that CPU.
func (s *Scheduler) Schedule(cpuID int) *ktask.Task {
	cs := s.cpuState(cpuID)
	if cs == nil {
		return nil
	}
	cs.mu.Lock(cs.cpu)
	defer cs.mu.Unlock(cs.cpu)

	prev := cs.rq.Current()
	if prev != nil && prev != cs.rq.idle && prev.State() == ktask.Runnable {
		cs.rq.Enqueue(prev, 0)
		prev.RecordVoluntarySwitch()
	}

	next := cs.rq.PopNext()
	cs.rq.SetCurrent(next)
	cs.cpu.ClearNeedResched()
	return next
}

// Tick advances per-task accounting on cpuID by one tick: CFS vruntime
// accrual and RT time-slice decrement. It may set need_resched but never
// switches tasks itself — the caller is expected to call Schedule when
// NeedResched() is observed at a safe point.
func (s *Scheduler) Tick(cpuID int, deltaExec uint64) {
	cs := s.cpuState(cpuID)
	if cs == nil {
		return
	}
	cs.mu.Lock(cs.cpu)
	current := cs.rq.Current()
	if current == nil || current == cs.rq.idle {
		cs.mu.Unlock(cs.cpu)
		return
	}

	switch current.Policy() {
	case ktask.RR:
		if current.DecTimeSlice() <= 0 {
			// current is not linked into its deque while running; Schedule
			// re-enqueues it at the back when it acts on need_resched.
			current.SetTimeSlice(defaultRRSlice)
			cs.cpu.SetNeedResched()
		}
	case ktask.FIFO:
		// FIFO tasks run until they block, exit, or a higher-priority RT
		// task becomes runnable (handled by checkPreemptCurrent, not here).
	default: // CFS
		current.AddVRuntime(deltaExec * weightFactor(current.Priority()))
		if leftmost := len(cs.rq.cfs); leftmost > 0 {
			if current.VRuntime() > cs.rq.cfs[0].VRuntime()+minGranularity {
				cs.cpu.SetNeedResched()
			}
		}
		// minVRuntime only moves forward, tracking the smaller of the
		// current task's and the leftmost waiter's vruntime.
		minVR := current.VRuntime()
		if len(cs.rq.cfs) > 0 && cs.rq.cfs[0].VRuntime() < minVR {
			minVR = cs.rq.cfs[0].VRuntime()
		}
		if minVR > cs.rq.minVRuntime {
			cs.rq.minVRuntime = minVR
		}
	}
	cs.mu.Unlock(cs.cpu)

	s.maybeLoadBalance()
}

// Yield sets need_resched and immediately invokes Schedule on cpuID.
func (s *Scheduler) Yield(cpuID int) *ktask.Task {
	cs := s.cpuState(cpuID)
	if cs == nil {
		return nil
	}
	cs.cpu.SetNeedResched()
	if t := cs.rq.Current(); t != nil && t != cs.rq.idle {
		t.RecordVoluntarySwitch()
	}
	return s.Schedule(cpuID)
}

// SetPolicy changes a task's scheduling policy and priority, re-queuing
// it under the new policy if it was already queued. Priority must be in
// [0, NumPriorities) for RT policies; CFS priority is taken as a nice
// value and is unrestricted here.
func (s *Scheduler) SetPolicy(t *ktask.Task, policy ktask.Policy, priority int) error {
	if (policy == ktask.FIFO || policy == ktask.RR) && (priority < 0 || priority >= NumPriorities) {
		return errno.EINVAL
	}
	s.mu.RLock()
	cpuID, ok := s.location[t.ID]
	s.mu.RUnlock()
	if !ok {
		t.SetPolicy(policy, priority)
		return nil
	}
	cs := s.cpuState(cpuID)
	if cs == nil {
		return errno.EINVAL
	}
	cs.mu.Lock(cs.cpu)
	wasQueued := cs.rq.Dequeue(t)
	t.SetPolicy(policy, priority)
	if policy == ktask.RR {
		t.SetTimeSlice(defaultRRSlice)
	}
	if wasQueued {
		cs.rq.Enqueue(t, 0)
	}
	cs.mu.Unlock(cs.cpu)
	return nil
}

// KthreadStop requests cooperative stop, wakes the task so a blocked
// sleep observes the request, and waits for it to actually exit.
// exitValue is whatever error entry (passed to SpawnKernelThread)
// returned on exit.
func (s *Scheduler) KthreadStop(t *Task) (exitValue error, err error) {
	if t == nil {
		return nil, errno.EINVAL
	}
	t.requestStop()
	_ = s.Wakeup(t.Task)
	<-t.exited
	return t.exitValue, nil
}

// KickCPU forces cpu id to reschedule at its next safe point: the
// simulated analogue of an inter-processor interrupt is simply setting
// need_resched, which the target CPU's run loop observes and acts on.
func (s *Scheduler) KickCPU(id int) {
	if cs := s.cpuState(id); cs != nil {
		cs.cpu.SetNeedResched()
	}
}

// maybeLoadBalance periodically (rate-limited, rather than literally "on
// every tick", to keep the rebalance itself cheap) lets the lightest CPU
// pull one migratable task from the heaviest.
func (s *Scheduler) maybeLoadBalance() {
	if !s.limiter.Allow() {
		return
	}

	s.mu.RLock()
	var lightest, heaviest *cpuState
	lightLoad, heavyLoad := -1, -1
	for _, cs := range s.cpus {
		cs.mu.Lock(cs.cpu)
		load := cs.rq.NrRunning()
		cs.mu.Unlock(cs.cpu)
		if lightest == nil || load < lightLoad {
			lightest, lightLoad = cs, load
		}
		if heaviest == nil || load > heavyLoad {
			heaviest, heavyLoad = cs, load
		}
	}
	s.mu.RUnlock()

	if lightest == nil || heaviest == nil || lightest == heaviest || heavyLoad-lightLoad < 2 {
		return
	}

	first, second := heaviest, lightest
	if first.cpu.ID > second.cpu.ID {
		first, second = second, first
	}
	first.mu.Lock(first.cpu)
	second.mu.Lock(second.cpu)

	victim := pickMigratable(heaviest.rq)
	if victim != nil {
		heaviest.rq.Dequeue(victim)
		victim.SetMigrating(true)
		lightest.rq.Enqueue(victim, 0)
		victim.SetMigrating(false)
		victim.RecordMigration()
	}

	second.mu.Unlock(second.cpu)
	first.mu.Unlock(first.cpu)

	if victim != nil {
		s.setLocation(victim.ID, lightest.rq.CPUID())
		s.KickCPU(lightest.rq.CPUID())
	}
}

// pickMigratable finds a task on rq eligible to migrate: not pinned to a
// single CPU, not currently running, RT tasks considered before CFS.
func pickMigratable(rq *RunQueue) *ktask.Task {
	for p := 0; p < NumPriorities; p++ {
		for _, t := range rq.rt[p] {
			if t.Affinity().Count() > 1 {
				return t
			}
		}
	}
	for _, t := range rq.cfs {
		if t.Affinity().Count() > 1 {
			return t
		}
	}
	return nil
}

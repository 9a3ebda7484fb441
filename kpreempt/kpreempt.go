// Package kpreempt models two independent preemption-inhibiting
// mechanisms: a per-CPU interrupt-enable flag and a per-CPU preempt
// counter. IRQ-off blocks interrupt-context preemption only; preempt-off
// additionally blocks voluntary resched.
//
// A real kernel reads these out of a CPU register (EFLAGS.IF) and a field
// of the current task; here each simulated CPU is represented explicitly by
// a *CPU value threaded through the scheduler, rather than recovered from
// thread-local state, since Go has no portable notion of "the current CPU".
package kpreempt

import "sync/atomic"

// CPU holds the preemption-related state for one simulated CPU.
type CPU struct {
	ID int

	irqEnabled    atomic.Bool // mirrors EFLAGS.IF; true = interrupts enabled
	preemptCount  atomic.Int32
	reschedNeeded atomic.Bool
}

// NewCPU returns a CPU with interrupts enabled and preemption allowed.
func NewCPU(id int) *CPU {
	c := &CPU{ID: id}
	c.irqEnabled.Store(true)
	return c
}

// DisablePreempt increments the preempt counter. While positive, the
// scheduler must not involuntarily switch this CPU away from its current
// task.
func (c *CPU) DisablePreempt() { c.preemptCount.Add(1) }

// EnablePreempt decrements the preempt counter. Panics if it would go
// negative — a mismatched enable/disable pair is a programming error.
func (c *CPU) EnablePreempt() {
	if c.preemptCount.Add(-1) < 0 {
		panic("kpreempt: unbalanced EnablePreempt")
	}
}

// Preemptible reports whether this CPU may currently be involuntarily
// rescheduled.
func (c *CPU) Preemptible() bool { return c.preemptCount.Load() == 0 }

// PreemptCount returns the current preempt-count value, for assertions
// and tests that check preempt-count balance.
func (c *CPU) PreemptCount() int32 { return c.preemptCount.Load() }

// SetNeedResched records that this CPU should reschedule at its next safe
// point (IRQ return, preempt-enable, explicit schedule call). It does not
// itself switch tasks.
func (c *CPU) SetNeedResched() { c.reschedNeeded.Store(true) }

// NeedResched reports whether the resched flag is set. It does not clear
// the flag; ClearNeedResched does.
func (c *CPU) NeedResched() bool { return c.reschedNeeded.Load() }

// ClearNeedResched clears the resched flag once the scheduler has acted on
// it.
func (c *CPU) ClearNeedResched() { c.reschedNeeded.Store(false) }

// IRQGuard is a scoped interrupt-disable guard. Its zero value is not
// valid; obtain one from CPU.IRQSave. Restore must run on every exit path
// — normal return, early return, or panic unwind — which in Go means
// calling it via defer immediately after construction.
type IRQGuard struct {
	cpu        *CPU
	wasEnabled bool
	restored   bool
}

// IRQSave reads and saves the current interrupt-enable flag, then disables
// interrupts on this CPU. Nesting is correct: an inner IRQSave/Restore pair
// leaves the outer disable in effect, because each guard remembers only the
// flag value it personally observed.
func (c *CPU) IRQSave() *IRQGuard {
	g := &IRQGuard{cpu: c, wasEnabled: c.irqEnabled.Swap(false)}
	return g
}

// Restore restores the interrupt-enable flag saved at IRQSave time. It is
// idempotent: calling it twice is a no-op after the first call, matching a
// drop-glue guard that cannot run its destructor twice.
func (g *IRQGuard) Restore() {
	if g.restored {
		return
	}
	g.restored = true
	g.cpu.irqEnabled.Store(g.wasEnabled)
}

// IRQEnabled reports whether interrupts are currently enabled on this CPU.
func (c *CPU) IRQEnabled() bool { return c.irqEnabled.Load() }

// Package kspin implements the kernel's spinlock: the lowest-level mutual
// exclusion primitive. A Spinlock is a single-word test-and-set lock with
// a spin-delay backoff loop; it never blocks the caller on a wait queue
// (spinlocks must never be held across a suspension point) and never
// reports failure from Lock/Unlock.
//
// The backoff technique — a short busy-spin that escalates to
// runtime.Gosched — is the same one internal-queue-protecting spinlocks in
// wait-queue libraries use, exposed here as its own first-class type
// rather than a private helper, since higher layers need it directly.
package kspin

import (
	"runtime"
	"sync/atomic"

	"github.com/opkern/kconc/kpreempt"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1
)

// Spinlock is a mutual-exclusion lock that busy-waits rather than
// sleeping. Its zero value is unlocked and ready to use.
type Spinlock struct {
	state uint32
}

// spinDelay backs off a spin loop: a handful of tight iterations, then a
// runtime.Gosched. attempts is both the input and output backoff counter.
func spinDelay(attempts uint) uint {
	if attempts < 7 {
		for i := 0; i != 1<<attempts; i++ {
		}
		attempts++
	} else {
		runtime.Gosched()
	}
	return attempts
}

// TryLock attempts to acquire the lock without blocking. On success it
// increments cpu's preempt counter, matching Lock.
func (l *Spinlock) TryLock(cpu *kpreempt.CPU) bool {
	if atomic.CompareAndSwapUint32(&l.state, unlocked, locked) {
		cpu.DisablePreempt()
		return true
	}
	return false
}

// Lock spins until the lock is free, then acquires it and disables
// preemption on cpu for as long as the lock is held.
func (l *Spinlock) Lock(cpu *kpreempt.CPU) {
	var attempts uint
	for !atomic.CompareAndSwapUint32(&l.state, unlocked, locked) {
		attempts = spinDelay(attempts)
	}
	cpu.DisablePreempt()
}

// Unlock releases the lock and re-enables preemption on cpu. Unlocking a
// lock that is not held is a programming error and panics. The lock does
// not record which CPU holds it, so an Unlock from a CPU other than the
// holder is not detected.
func (l *Spinlock) Unlock(cpu *kpreempt.CPU) {
	cpu.EnablePreempt()
	if !atomic.CompareAndSwapUint32(&l.state, locked, unlocked) {
		panic("kspin: Unlock of a lock that was not held")
	}
}

// LockIRQSave disables interrupts on cpu and then acquires the lock,
// returning the guard that must later be passed to UnlockIRQRestore. This
// is the "_irqsave" flavor used whenever the lock may also be taken from
// interrupt context.
func (l *Spinlock) LockIRQSave(cpu *kpreempt.CPU) *kpreempt.IRQGuard {
	g := cpu.IRQSave()
	l.Lock(cpu)
	return g
}

// UnlockIRQRestore releases the lock and then restores the interrupt flag
// saved by the matching LockIRQSave, in reverse acquisition order.
func (l *Spinlock) UnlockIRQRestore(cpu *kpreempt.CPU, g *kpreempt.IRQGuard) {
	l.Unlock(cpu)
	g.Restore()
}

// IsLocked reports whether the lock is currently held, for debugging and
// tests. It is inherently racy outside the holder's own CPU and must not
// be used for synchronization.
func (l *Spinlock) IsLocked() bool { return atomic.LoadUint32(&l.state) == locked }

// AssertLocked panics if the lock is not held. Intended for debug builds
// that want to verify a precondition ("caller must already hold the
// spinlock", as lockref.MarkDead requires).
func (l *Spinlock) AssertLocked() {
	if !l.IsLocked() {
		panic("kspin: AssertLocked failed, lock not held")
	}
}

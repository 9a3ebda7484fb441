package kspin

import (
	"sync"
	"testing"

	"github.com/opkern/kconc/kpreempt"
)

// TestSpinlockNThread runs several goroutines incrementing a shared counter
// under the lock, each pretending to be its own CPU, and checks the final
// count is exact.
func TestSpinlockNThread(t *testing.T) {
	const nThreads = 8
	const loopCount = 20000

	var l Spinlock
	var i int
	var wg sync.WaitGroup
	wg.Add(nThreads)
	for n := 0; n != nThreads; n++ {
		go func(id int) {
			defer wg.Done()
			cpu := kpreempt.NewCPU(id)
			for j := 0; j != loopCount; j++ {
				l.Lock(cpu)
				i++
				l.Unlock(cpu)
			}
		}(n)
	}
	wg.Wait()
	if i != nThreads*loopCount {
		t.Fatalf("got %d, want %d", i, nThreads*loopCount)
	}
}

func TestSpinlockTryLock(t *testing.T) {
	var l Spinlock
	cpu := kpreempt.NewCPU(0)
	if !l.TryLock(cpu) {
		t.Fatal("TryLock on a free lock should succeed")
	}
	if l.TryLock(cpu) {
		t.Fatal("TryLock on a held lock should fail")
	}
	l.Unlock(cpu)
	if !l.TryLock(cpu) {
		t.Fatal("TryLock should succeed once released")
	}
	l.Unlock(cpu)
}

func TestSpinlockPreemptCountBalance(t *testing.T) {
	var l Spinlock
	cpu := kpreempt.NewCPU(0)
	l.Lock(cpu)
	if cpu.PreemptCount() != 1 {
		t.Fatalf("preempt count = %d, want 1 while held", cpu.PreemptCount())
	}
	l.Unlock(cpu)
	if cpu.PreemptCount() != 0 {
		t.Fatalf("preempt count = %d, want 0 after unlock", cpu.PreemptCount())
	}
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic from Unlock of a free lock")
		}
	}()
	var l Spinlock
	cpu := kpreempt.NewCPU(0)
	l.Unlock(cpu)
}

func TestLockIRQSaveRestoresFlag(t *testing.T) {
	var l Spinlock
	cpu := kpreempt.NewCPU(0)
	outer := cpu.IRQSave()
	g := l.LockIRQSave(cpu)
	if cpu.IRQEnabled() {
		t.Fatal("interrupts should be disabled while holding an irqsave lock")
	}
	l.UnlockIRQRestore(cpu, g)
	if cpu.IRQEnabled() {
		t.Fatal("UnlockIRQRestore should restore to the outer disabled state, not enable")
	}
	outer.Restore()
	if !cpu.IRQEnabled() {
		t.Fatal("outermost Restore should re-enable interrupts")
	}
}

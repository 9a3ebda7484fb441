package ksync

import (
	"sync"
	"testing"

	"github.com/opkern/kconc/errno"
	"github.com/opkern/kconc/kpreempt"
	"github.com/opkern/kconc/ktask"
	"github.com/opkern/kconc/ktimer"
)

// testData holds a shared counter that several goroutines (standing in
// for tasks on distinct CPUs) contend over one Mutex to increment a
// fixed number of times each.
type testData struct {
	nThreads, loopCount int
	mu                  *Mutex
	i, id               int
	finishedThreads     int
	doneMu              sync.Mutex
	doneCond            *sync.Cond
}

func newTestData(nThreads, loopCount int) *testData {
	td := &testData{nThreads: nThreads, loopCount: loopCount, mu: NewMutex()}
	td.doneCond = sync.NewCond(&td.doneMu)
	return td
}

func (td *testData) threadFinished() {
	td.doneMu.Lock()
	td.finishedThreads++
	if td.finishedThreads == td.nThreads {
		td.doneCond.Broadcast()
	}
	td.doneMu.Unlock()
}

func (td *testData) waitForAllThreads() {
	td.doneMu.Lock()
	for td.finishedThreads != td.nThreads {
		td.doneCond.Wait()
	}
	td.doneMu.Unlock()
}

func countingLoopMutex(td *testData, id int) {
	cpu := kpreempt.NewCPU(id)
	task := ktask.New(uint64(id+1), 0, "counter", ktask.CFS, 0)
	for i := 0; i != td.loopCount; i++ {
		g := td.mu.Lock(nil, cpu, task)
		td.id = id
		td.i++
		if td.id != id {
			panic("td.id != id")
		}
		g.Unlock(nil, cpu)
	}
	td.threadFinished()
}

func TestMutexNThread(t *testing.T) {
	td := newTestData(5, 20000)
	for i := 0; i != td.nThreads; i++ {
		go countingLoopMutex(td, i)
	}
	td.waitForAllThreads()
	if td.i != td.nThreads*td.loopCount {
		t.Fatalf("final count inconsistent: want %d, got %d", td.nThreads*td.loopCount, td.i)
	}
}

func TestMutexTryLockExcludes(t *testing.T) {
	m := NewMutex()
	task1 := ktask.New(1, 0, "t1", ktask.CFS, 0)
	task2 := ktask.New(2, 0, "t2", ktask.CFS, 0)

	g, ok := m.TryLock(task1)
	if !ok {
		t.Fatal("TryLock on a free mutex should succeed")
	}
	if _, ok := m.TryLock(task2); ok {
		t.Fatal("TryLock on a held mutex should fail")
	}
	cpu := kpreempt.NewCPU(0)
	g.Unlock(nil, cpu)
	if _, ok := m.TryLock(task2); !ok {
		t.Fatal("TryLock on a freed mutex should succeed")
	}
}

func TestSemaphoreAcquireRelease(t *testing.T) {
	cpu := kpreempt.NewCPU(0)
	task := ktask.New(1, 0, "t", ktask.CFS, 0)
	s := NewSemaphore(1)

	s.Acquire(nil, cpu, task)
	if s.TryAcquire() {
		t.Fatal("second acquire on a 1-permit semaphore should block")
	}
	s.Release(nil, cpu)
	if !s.TryAcquire() {
		t.Fatal("acquire after release should succeed")
	}
}

func TestSemaphoreAcquireTimeout(t *testing.T) {
	cpu := kpreempt.NewCPU(0)
	task := ktask.New(1, 0, "t", ktask.CFS, 0)
	wheel := ktimer.NewWheel()
	s := NewSemaphore(0)

	errc := make(chan error, 1)
	go func() { errc <- s.AcquireTimeout(nil, cpu, task, wheel, 3) }()

	for {
		// Busy-poll until the waiter has registered; avoids racing the wheel.
		if !s.q.IsEmpty() {
			break
		}
	}
	wheel.AdvanceTo(3)

	if err := <-errc; err != errno.EAGAIN {
		t.Fatalf("err = %v, want EAGAIN", err)
	}
}

func TestRWMutexReadersConcurrentWriterExcluded(t *testing.T) {
	rw := NewRWMutex()

	rg1, ok := rw.TryRLock()
	if !ok {
		t.Fatal("first TryRLock should succeed")
	}
	if _, ok := rw.TryRLock(); !ok {
		t.Fatal("second concurrent TryRLock should succeed")
	}
	if _, ok := rw.TryLock(); ok {
		t.Fatal("TryLock should fail while readers hold the lock")
	}
	cpu := kpreempt.NewCPU(0)
	rg1.Unlock(nil, cpu)
	if _, ok := rw.TryLock(); ok {
		t.Fatal("TryLock should still fail with one reader remaining")
	}
}

func TestCompletionWaitsExactlyOncePerComplete(t *testing.T) {
	cpu := kpreempt.NewCPU(0)
	c := NewCompletion()
	const n = 3
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		task := ktask.New(uint64(i+1), 0, "waiter", ktask.CFS, 0)
		go func() {
			c.Wait(nil, cpu, task)
			done <- struct{}{}
		}()
	}

	for c.q.Len() != n {
	}
	for i := 0; i < n; i++ {
		c.Complete(nil, cpu)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func TestCompletionCompleteAllReleasesEveryWaiter(t *testing.T) {
	cpu := kpreempt.NewCPU(0)
	c := NewCompletion()
	const n = 4
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		task := ktask.New(uint64(i+1), 0, "waiter", ktask.CFS, 0)
		go func() {
			c.Wait(nil, cpu, task)
			done <- struct{}{}
		}()
	}
	for c.q.Len() != n {
	}
	c.CompleteAll(nil, cpu)
	for i := 0; i < n; i++ {
		<-done
	}
	task := ktask.New(99, 0, "late", ktask.CFS, 0)
	if !c.TryWait() {
		t.Fatal("TryWait after CompleteAll should always succeed")
	}
	c.Wait(nil, cpu, task) // must return immediately, not block
}

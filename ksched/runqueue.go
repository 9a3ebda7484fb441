// Package ksched implements the per-CPU scheduler core: a RunQueue per CPU
// combining an RT class (128-bit priority bitmap plus 100 FIFO deques)
// and a CFS class (a vruntime-ordered min-heap), the class-selection
// policy (RT before CFS before idle), tick/preempt accounting, and
// cross-CPU load balancing.
//
// Each structure follows the same general code shape throughout this
// package: a small struct, exported methods, a per-structure mutex, and
// container/heap in place of a hand-rolled red-black tree — the smallest
// stdlib structure that still gives the ordering guarantee CFS needs.
package ksched

import (
	"container/heap"
	"math/bits"

	"github.com/opkern/kconc/ktask"
)

// NumPriorities is the number of real-time priority levels (0 = highest).
const NumPriorities = 100

// rtBitmap is a 128-bit "which priority deques are non-empty" bitmap,
// represented as two uint64 words.
type rtBitmap [2]uint64

func (b *rtBitmap) set(priority int)   { b[priority/64] |= 1 << uint(priority%64) }
func (b *rtBitmap) clear(priority int) { b[priority/64] &^= 1 << uint(priority%64) }

// lowest returns the lowest set bit's index (the highest RT priority with
// a non-empty deque), or -1 if the bitmap is empty.
func (b *rtBitmap) lowest() int {
	if b[0] != 0 {
		return bits.TrailingZeros64(b[0])
	}
	if b[1] != 0 {
		return 64 + bits.TrailingZeros64(b[1])
	}
	return -1
}

// cfsHeap is a min-heap of tasks ordered by virtual runtime, with task ID
// as a deterministic tiebreaker.
type cfsHeap []*ktask.Task

func (h cfsHeap) Len() int { return len(h) }
func (h cfsHeap) Less(i, j int) bool {
	vi, vj := h[i].VRuntime(), h[j].VRuntime()
	if vi != vj {
		return vi < vj
	}
	return h[i].ID < h[j].ID
}
func (h cfsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cfsHeap) Push(x any)        { *h = append(*h, x.(*ktask.Task)) }
func (h *cfsHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// RunQueue is one CPU's scheduling state. All mutation happens under mu
// or with the owning CPU's preemption disabled.
type RunQueue struct {
	cpuID int

	rt       [NumPriorities][]*ktask.Task // FIFO deques, index 0 = highest priority
	rtActive rtBitmap

	cfs         cfsHeap
	minVRuntime uint64

	current *ktask.Task
	idle    *ktask.Task
	nr      int
}

// NewRunQueue returns an empty RunQueue for the given CPU, with idle as
// the task to run when nothing else is runnable.
func NewRunQueue(cpuID int, idle *ktask.Task) *RunQueue {
	return &RunQueue{cpuID: cpuID, idle: idle}
}

// CPUID returns the owning CPU's id.
func (rq *RunQueue) CPUID() int { return rq.cpuID }

// NrRunning returns the total number of runnable tasks: the CFS heap's
// length plus the sum of every RT deque's length.
func (rq *RunQueue) NrRunning() int { return rq.nr }

// Current returns the task currently executing on this CPU, or nil.
func (rq *RunQueue) Current() *ktask.Task { return rq.current }

// SetCurrent records the task now executing on this CPU (or nil) and
// updates its OnCPU field to match.
func (rq *RunQueue) SetCurrent(t *ktask.Task) {
	if rq.current != nil {
		rq.current.SetOnCPU(ktask.NoCPU)
	}
	rq.current = t
	if t != nil {
		t.SetOnCPU(rq.cpuID)
	}
}

// Enqueue adds t to the appropriate class's structure. For CFS, a task
// that was asleep has its vruntime clamped forward to
// max(vruntime, rq.minVRuntime - wakeupGrant) so it cannot starve tasks
// that kept running while it slept.
func (rq *RunQueue) Enqueue(t *ktask.Task, wakeupGrant uint64) {
	switch t.Policy() {
	case ktask.FIFO, ktask.RR:
		p := clampPriority(t.Priority())
		rq.rt[p] = append(rq.rt[p], t)
		rq.rtActive.set(p)
	default: // CFS
		floor := uint64(0)
		if rq.minVRuntime > wakeupGrant {
			floor = rq.minVRuntime - wakeupGrant
		}
		if t.VRuntime() < floor {
			t.SetVRuntime(floor)
		}
		heap.Push(&rq.cfs, t)
	}
	rq.nr++
}

// Dequeue removes t from whichever class structure holds it. It returns
// false if t was not found (e.g. it is rq.current, which is not linked
// into either structure while running).
func (rq *RunQueue) Dequeue(t *ktask.Task) bool {
	switch t.Policy() {
	case ktask.FIFO, ktask.RR:
		p := clampPriority(t.Priority())
		deque := rq.rt[p]
		for i, candidate := range deque {
			if candidate == t {
				rq.rt[p] = append(deque[:i], deque[i+1:]...)
				if len(rq.rt[p]) == 0 {
					rq.rtActive.clear(p)
				}
				rq.nr--
				return true
			}
		}
		return false
	default:
		for i, candidate := range rq.cfs {
			if candidate == t {
				heap.Remove(&rq.cfs, i)
				rq.nr--
				return true
			}
		}
		return false
	}
}

// PickNext selects the next task to run: non-empty RT at the lowest
// numeric priority first, else CFS leftmost, else idle.
func (rq *RunQueue) PickNext() *ktask.Task {
	if p := rq.rtActive.lowest(); p >= 0 {
		return rq.rt[p][0]
	}
	if len(rq.cfs) > 0 {
		return rq.cfs[0]
	}
	return rq.idle
}

// PopNext is PickNext followed by removing the chosen task from its run
// queue structure (idle is never removed — it is not linked into either
// structure, it is simply returned when both are empty).
func (rq *RunQueue) PopNext() *ktask.Task {
	t := rq.PickNext()
	if t != nil && t != rq.idle {
		rq.Dequeue(t)
	}
	return t
}

// clampPriority keeps an RT priority within the valid [0, NumPriorities)
// range.
func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p >= NumPriorities {
		return NumPriorities - 1
	}
	return p
}

// Package lockref implements a fused (spinlock, i32 count) word: a single
// 64-bit atomic value whose low bit is a spinlock and whose next 32 bits
// are a signed reference count, giving every common inc/dec a lock-free
// CAS fast path that only falls back to the locked slow path under
// contention or when the operation's guard fails.
//
// The bit-packing technique — a lock bit fused into the low bits of a
// word otherwise used for payload state — is the same one a spinlock-plus
// waiter-state word uses; here the payload is a plain refcount instead of
// waiter-list bits.
package lockref

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

const (
	lockBit uint64 = 1

	// deadCount is the sentinel count mark_dead stores. It is paired with
	// the lock bit staying set forever, which is what lets every fast path
	// tell "permanently dead" apart from "transiently locked by another
	// holder" without itself having to acquire the lock: the count field is
	// only ever mutated by whichever goroutine currently holds the lock,
	// so it is safe to read even while the lock bit is set.
	deadCount int32 = -128
)

func pack(locked bool, count int32) uint64 {
	word := uint64(uint32(count)) << 1
	if locked {
		word |= lockBit
	}
	return word
}

func unpack(word uint64) (locked bool, count int32) {
	return word&lockBit != 0, int32(uint32(word >> 1))
}

func isDead(word uint64) bool {
	locked, count := unpack(word)
	return locked && count == deadCount
}

// Lockref is the fused word. Its zero value has count 0 and is unlocked.
type Lockref struct {
	word atomic.Uint64
}

// New returns a Lockref initialized to count initial, unlocked.
func New(initial int32) *Lockref {
	l := &Lockref{}
	l.word.Store(pack(false, initial))
	return l
}

// Count returns the current count without acquiring the lock — a racy,
// best-effort read, as any such peek of a concurrently-modified counter is.
func (l *Lockref) Count() int32 {
	_, count := unpack(l.word.Load())
	return count
}

// IsDead reports whether MarkDead has been called.
func (l *Lockref) IsDead() bool { return isDead(l.word.Load()) }

func spin(attempts uint) uint {
	if attempts < 7 {
		for i := 0; i != 1<<attempts; i++ {
		}
		attempts++
	} else {
		runtime.Gosched()
	}
	return attempts
}

// lock acquires the word's internal spinlock and returns the word as it
// was immediately before the lock bit was set (so the caller can read the
// count that was current at acquisition). It never returns while the word
// is permanently dead — a dead Lockref's lock bit is set forever, so a
// caller must check IsDead before calling lock.
func (l *Lockref) lock() uint64 {
	var attempts uint
	for {
		old := l.word.Load()
		if old&lockBit == 0 {
			if l.word.CompareAndSwap(old, old|lockBit) {
				return old
			}
			continue
		}
		attempts = spin(attempts)
	}
}

// unlockWith releases the lock, storing count as the new value. Safe as a
// plain store (not a CAS) because holding the lock is this goroutine's
// exclusive permission to write the word; every other operation's fast
// path only ever targets the unlocked state.
func (l *Lockref) unlockWith(count int32) {
	l.word.Store(pack(false, count))
}

// Lock acquires the spinlock directly, for a caller (MarkDead) that needs
// to hold it across more than one field update. It returns the count
// observed at acquisition.
func (l *Lockref) Lock() int32 {
	_, count := unpack(l.lock())
	return count
}

// Unlock releases a lock taken with Lock, storing count as the new value.
// Must not be called after MarkDead, which leaves the word permanently
// locked.
func (l *Lockref) Unlock(count int32) { l.unlockWith(count) }

// MarkDead stores the dead sentinel and leaves the Lockref permanently
// locked. The caller must have acquired the lock with Lock() first, and
// must not call Unlock afterward — there is no path back from dead.
func (l *Lockref) MarkDead() {
	l.word.Store(pack(true, deadCount))
}

// Inc increments the count and returns the new value. It has no guard: it
// always succeeds unless the Lockref is dead, in which case it is a no-op
// returning the dead sentinel.
func (l *Lockref) Inc() int32 {
	for {
		old := l.word.Load()
		if old&lockBit == 0 {
			_, count := unpack(old)
			if l.word.CompareAndSwap(old, pack(false, count+1)) {
				return count + 1
			}
			continue
		}
		if isDead(old) {
			return deadCount
		}
		break
	}
	old := l.lock()
	_, count := unpack(old)
	count++
	l.unlockWith(count)
	return count
}

// IncNotZero increments only if the count is currently greater than zero,
// reporting whether it did.
func (l *Lockref) IncNotZero() (int32, bool) {
	for {
		old := l.word.Load()
		if old&lockBit == 0 {
			_, count := unpack(old)
			if count <= 0 {
				break
			}
			if l.word.CompareAndSwap(old, pack(false, count+1)) {
				return count + 1, true
			}
			continue
		}
		if isDead(old) {
			return 0, false
		}
		break
	}
	old := l.lock()
	_, count := unpack(old)
	if count <= 0 {
		l.unlockWith(count)
		return count, false
	}
	count++
	l.unlockWith(count)
	return count, true
}

// IncNotDead increments unless the count is negative (the only negative
// count a live Lockref can hold is transient, mid-slow-path; a dead one is
// rejected by the isDead check before this guard is even reached).
func (l *Lockref) IncNotDead() (int32, bool) {
	for {
		old := l.word.Load()
		if old&lockBit == 0 {
			_, count := unpack(old)
			if count < 0 {
				break
			}
			if l.word.CompareAndSwap(old, pack(false, count+1)) {
				return count + 1, true
			}
			continue
		}
		if isDead(old) {
			return 0, false
		}
		break
	}
	old := l.lock()
	_, count := unpack(old)
	if count < 0 {
		l.unlockWith(count)
		return count, false
	}
	count++
	l.unlockWith(count)
	return count, true
}

// Dec decrements the count if it is currently positive, returning the new
// count. If the count is already non-positive, decrementing would make it
// go further non-positive, so it instead returns -1 without changing
// anything.
func (l *Lockref) Dec() int32 {
	for {
		old := l.word.Load()
		if old&lockBit == 0 {
			_, count := unpack(old)
			if count <= 0 {
				break
			}
			if l.word.CompareAndSwap(old, pack(false, count-1)) {
				return count - 1
			}
			continue
		}
		if isDead(old) {
			return -1
		}
		break
	}
	old := l.lock()
	_, count := unpack(old)
	if count <= 0 {
		l.unlockWith(count)
		return -1
	}
	count--
	l.unlockWith(count)
	return count
}

// DecReturn is the unprotected counterpart to Dec: it always decrements
// and returns the resulting count, with no guard against going to zero or
// negative. Used by callers that have already established by other means
// that the decrement is safe.
func (l *Lockref) DecReturn() int32 {
	for {
		old := l.word.Load()
		if old&lockBit == 0 {
			_, count := unpack(old)
			if l.word.CompareAndSwap(old, pack(false, count-1)) {
				return count - 1
			}
			continue
		}
		if isDead(old) {
			return deadCount
		}
		break
	}
	old := l.lock()
	_, count := unpack(old)
	count--
	l.unlockWith(count)
	return count
}

// DecNotZero decrements only if the count is currently greater than one —
// guaranteeing the count never reaches zero through this call — reporting
// whether it did.
func (l *Lockref) DecNotZero() (int32, bool) {
	for {
		old := l.word.Load()
		if old&lockBit == 0 {
			_, count := unpack(old)
			if count <= 1 {
				break
			}
			if l.word.CompareAndSwap(old, pack(false, count-1)) {
				return count - 1, true
			}
			continue
		}
		if isDead(old) {
			return 0, false
		}
		break
	}
	old := l.lock()
	_, count := unpack(old)
	if count <= 1 {
		l.unlockWith(count)
		return count, false
	}
	count--
	l.unlockWith(count)
	return count, true
}

// DecOrLockNotZero decrements if the count is greater than one, exactly
// like DecNotZero, except that on failure (count <= 1) it leaves the
// spinlock held and returns with ok=false: the caller, having observed
// the last reference dropping away, can now safely decide under the lock
// whether to MarkDead or simply Unlock, without another goroutine racing
// an Inc in between — the classic "put_or_lock" idiom a refcounted
// object's lifetime needs.
func (l *Lockref) DecOrLockNotZero() (int32, bool) {
	for {
		old := l.word.Load()
		if old&lockBit == 0 {
			_, count := unpack(old)
			if count <= 1 {
				break
			}
			if l.word.CompareAndSwap(old, pack(false, count-1)) {
				return count - 1, true
			}
			continue
		}
		if isDead(old) {
			return 0, false
		}
		break
	}
	old := l.lock()
	_, count := unpack(old)
	if count > 1 {
		count--
		l.unlockWith(count)
		return count, true
	}
	return count, false // lock left held; caller must Unlock or MarkDead
}

func (l *Lockref) String() string {
	locked, count := unpack(l.word.Load())
	if locked && count == deadCount {
		return "Lockref{dead}"
	}
	return fmt.Sprintf("Lockref{locked=%v count=%d}", locked, count)
}

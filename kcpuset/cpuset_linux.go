//go:build linux

package kcpuset

import "golang.org/x/sys/unix"

// ToUnix converts s into a golang.org/x/sys/unix.CPUSet suitable for
// unix.SchedSetaffinity, the real syscall a task's CPU affinity bitmap
// ultimately models, performing the same conversion an internal cpuset
// package would for a daemon's core reservations.
func (s Set) ToUnix() unix.CPUSet {
	var out unix.CPUSet
	Range(s, func(cpu int) { out.Set(cpu) })
	return out
}

// FromUnix converts a unix.CPUSet (as read back from
// unix.SchedGetaffinity) into a Set, clamped to MaxCPUs.
func FromUnix(u unix.CPUSet) Set {
	var s Set
	for cpu := 0; cpu < MaxCPUs; cpu++ {
		if u.IsSet(cpu) {
			s = s.With(cpu)
		}
	}
	return s
}

// ApplyToSelf pins the calling OS thread to the CPUs in s via
// sched_setaffinity(2). Nothing in this module calls it: cmd/ksim's
// per-CPU goroutines are not locked to OS threads, and ksched's affinity
// decisions stay bookkeeping only.
func (s Set) ApplyToSelf() error {
	u := s.ToUnix()
	return unix.SchedSetaffinity(0, &u)
}

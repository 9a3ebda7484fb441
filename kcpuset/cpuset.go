// Package kcpuset implements the CPU affinity bitmap a Task carries to
// restrict which CPUs it may run on. The portable representation here is a
// 64-bit word — plenty for a simulated kernel — with Union/Intersect/
// Difference/Range/Parse/String helpers in the same shape as an internal
// cpuset package wrapping the real golang.org/x/sys/unix.CPUSet for pinning
// an actual OS process to actual cores. cpuset_linux.go bridges the two:
// Set.ToUnix/FromUnix convert to/from unix.CPUSet so the simulator can
// optionally apply its affinity decisions to the host scheduler via
// sched_setaffinity(2).
package kcpuset

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// MaxCPUs bounds the simulator to 64 logical CPUs, one bit per CPU.
const MaxCPUs = 64

// Set is a CPU affinity bitmap; bit i set means the owning task may run on
// CPU i.
type Set uint64

// All returns the set containing every CPU in [0, n).
func All(n int) Set {
	if n <= 0 {
		return 0
	}
	if n >= MaxCPUs {
		return ^Set(0)
	}
	return Set(1<<uint(n)) - 1
}

// None is the empty set.
func None() Set { return 0 }

// Single returns the set containing only cpu.
func Single(cpu int) Set { return Set(1) << uint(cpu) }

// IsSet reports whether cpu is a member of s.
func (s Set) IsSet(cpu int) bool {
	if cpu < 0 || cpu >= MaxCPUs {
		return false
	}
	return s&(1<<uint(cpu)) != 0
}

// With returns a new set with cpu added.
func (s Set) With(cpu int) Set { return s | Single(cpu) }

// Without returns a new set with cpu removed.
func (s Set) Without(cpu int) Set { return s &^ Single(cpu) }

// Count returns the number of CPUs in the set.
func (s Set) Count() int { return bits.OnesCount64(uint64(s)) }

// IsEmpty reports whether the set has no members.
func (s Set) IsEmpty() bool { return s == 0 }

// Union returns the set of CPUs in either a or b.
func Union(a, b Set) Set { return a | b }

// Intersect returns the set of CPUs in both a and b.
func Intersect(a, b Set) Set { return a & b }

// Difference returns the set of CPUs in a but not b.
func Difference(a, b Set) Set { return a &^ b }

// Range calls fn once for every CPU in s, in increasing order.
func Range(s Set, fn func(cpu int)) {
	for i := 0; i < MaxCPUs; i++ {
		if s.IsSet(i) {
			fn(i)
		}
	}
}

// Parse constructs a Set from a Linux CPU-list string such as "0-5,34" —
// the same format aktau-perflock's cpuset.Parse accepts for
// golang.org/x/sys/unix.CPUSet.
func Parse(str string) (Set, error) {
	var s Set
	if str == "" {
		return s, fmt.Errorf("kcpuset: cannot parse empty string")
	}
	for _, r := range strings.Split(str, ",") {
		bounds := strings.SplitN(r, "-", 2)
		switch len(bounds) {
		case 1:
			cpu, err := strconv.Atoi(bounds[0])
			if err != nil {
				return s, err
			}
			s = s.With(cpu)
		case 2:
			start, err := strconv.Atoi(bounds[0])
			if err != nil {
				return s, err
			}
			end, err := strconv.Atoi(bounds[1])
			if err != nil {
				return s, err
			}
			if start > end {
				return s, fmt.Errorf("kcpuset: invalid range %q (%d > %d)", r, start, end)
			}
			for cpu := start; cpu <= end; cpu++ {
				s = s.With(cpu)
			}
		}
	}
	return s, nil
}

// String renders s as a CPU-list, the inverse of Parse.
func (s Set) String() string {
	if s.IsEmpty() {
		return ""
	}
	var parts []string
	start := -1
	for i := 0; i <= MaxCPUs; i++ {
		if i < MaxCPUs && s.IsSet(i) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if start == i-1 {
				parts = append(parts, strconv.Itoa(start))
			} else {
				parts = append(parts, fmt.Sprintf("%d-%d", start, i-1))
			}
			start = -1
		}
	}
	return strings.Join(parts, ",")
}

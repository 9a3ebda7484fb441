package kcpuset

import "testing"

func TestParseString(t *testing.T) {
	s, err := Parse("0-2,5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, cpu := range []int{0, 1, 2, 5} {
		if !s.IsSet(cpu) {
			t.Errorf("expected cpu %d set", cpu)
		}
	}
	if s.IsSet(3) || s.IsSet(4) {
		t.Errorf("cpu 3,4 should not be set")
	}
	if got, want := s.Count(), 4; got != want {
		t.Errorf("Count() = %d, want %d", got, want)
	}
	if got, want := s.String(), "0-2,5"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseEmptyString(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error parsing empty string")
	}
}

func TestUnionIntersectDifference(t *testing.T) {
	a, _ := Parse("0-3")
	b, _ := Parse("2-5")
	if got, want := Union(a, b).String(), "0-5"; got != want {
		t.Errorf("Union = %q, want %q", got, want)
	}
	if got, want := Intersect(a, b).String(), "2-3"; got != want {
		t.Errorf("Intersect = %q, want %q", got, want)
	}
	if got, want := Difference(a, b).String(), "0-1"; got != want {
		t.Errorf("Difference = %q, want %q", got, want)
	}
}

func TestAllAndRange(t *testing.T) {
	s := All(4)
	var seen []int
	Range(s, func(cpu int) { seen = append(seen, cpu) })
	if len(seen) != 4 {
		t.Fatalf("Range visited %d cpus, want 4", len(seen))
	}
	for i, cpu := range seen {
		if cpu != i {
			t.Fatalf("Range order = %v, want ascending", seen)
		}
	}
}

func TestWithWithout(t *testing.T) {
	s := None().With(3).With(7)
	if !s.IsSet(3) || !s.IsSet(7) {
		t.Fatal("expected 3 and 7 set")
	}
	s = s.Without(3)
	if s.IsSet(3) {
		t.Fatal("3 should have been removed")
	}
	if !s.IsSet(7) {
		t.Fatal("7 should remain")
	}
}

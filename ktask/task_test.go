package ktask

import "testing"

func TestNewTaskStartsInStateNew(t *testing.T) {
	tk := New(1, 0, "init", CFS, 0)
	if got := tk.State(); got != New {
		t.Fatalf("State() = %v, want New", got)
	}
	if got := tk.OnCPU(); got != NoCPU {
		t.Fatalf("OnCPU() = %d, want NoCPU", got)
	}
	if tk.IsDead() {
		t.Fatal("a freshly created task must not be dead")
	}
}

func TestSetStateUnconditionalTransition(t *testing.T) {
	tk := New(1, 0, "t", CFS, 0)
	tk.SetState(Runnable)
	if got := tk.State(); got != Runnable {
		t.Fatalf("State() = %v, want Runnable", got)
	}
	tk.SetState(UninterruptibleSleep)
	if got := tk.State(); got != UninterruptibleSleep {
		t.Fatalf("State() = %v, want UninterruptibleSleep", got)
	}
}

func TestCompareAndSetStateOnlyAppliesFromExpected(t *testing.T) {
	tk := New(1, 0, "t", CFS, 0)
	tk.SetState(Runnable)

	if ok := tk.CompareAndSetState(InterruptibleSleep, Zombie); ok {
		t.Fatal("CompareAndSetState from the wrong state should fail")
	}
	if got := tk.State(); got != Runnable {
		t.Fatalf("State() after a failed CAS = %v, want unchanged Runnable", got)
	}

	if ok := tk.CompareAndSetState(Runnable, Zombie); !ok {
		t.Fatal("CompareAndSetState from the current state should succeed")
	}
	if got := tk.State(); got != Zombie {
		t.Fatalf("State() after a successful CAS = %v, want Zombie", got)
	}
}

func TestIsDeadOnlyForZombieOrExited(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{New, false},
		{Runnable, false},
		{InterruptibleSleep, false},
		{UninterruptibleSleep, false},
		{Stopped, false},
		{Zombie, true},
		{Exited, true},
	}
	for _, test := range tests {
		tk := New(1, 0, "t", CFS, 0)
		tk.SetState(test.state)
		if got := tk.IsDead(); got != test.want {
			t.Errorf("IsDead() in state %v = %v, want %v", test.state, got, test.want)
		}
	}
}

// fakeWaker records whether Wake was called, standing in for a
// waitq.Waker without importing waitq (which itself imports ktask).
type fakeWaker struct{ woken bool }

func (w *fakeWaker) Wake() bool {
	w.woken = true
	return true
}

func TestInterruptSetsSignalPendingAndWakesCurrentWaker(t *testing.T) {
	tk := New(1, 0, "t", CFS, 0)
	if tk.SignalPending() {
		t.Fatal("a new task must not start with a pending signal")
	}

	w := &fakeWaker{}
	tk.SetCurrentWaker(w)
	tk.Interrupt()

	if !tk.SignalPending() {
		t.Fatal("Interrupt must set SignalPending")
	}
	if !w.woken {
		t.Fatal("Interrupt must wake the current waker")
	}
}

func TestInterruptWithoutACurrentWakerOnlySetsTheFlag(t *testing.T) {
	tk := New(1, 0, "t", CFS, 0)
	tk.Interrupt() // must not panic with no waker registered
	if !tk.SignalPending() {
		t.Fatal("Interrupt must set SignalPending even with no current waker")
	}
}

func TestDecTimeSliceStopsAtZero(t *testing.T) {
	tk := New(1, 0, "t", RR, 0)
	tk.SetTimeSlice(2)
	if got := tk.DecTimeSlice(); got != 1 {
		t.Fatalf("DecTimeSlice() = %d, want 1", got)
	}
	if got := tk.DecTimeSlice(); got != 0 {
		t.Fatalf("DecTimeSlice() = %d, want 0", got)
	}
	if got := tk.DecTimeSlice(); got != 0 {
		t.Fatalf("DecTimeSlice() on an exhausted slice = %d, want 0", got)
	}
}

func TestStatsBookkeeping(t *testing.T) {
	tk := New(1, 0, "t", CFS, 0)
	tk.RecordVoluntarySwitch()
	tk.RecordVoluntarySwitch()
	tk.RecordForcedSwitch()
	tk.RecordMigration()
	tk.RecordMigration()
	tk.RecordMigration()

	got := tk.Stats()
	want := Stats{VoluntarySwitches: 2, ForcedSwitches: 1, Migrations: 3}
	if got != want {
		t.Fatalf("Stats() = %+v, want %+v", got, want)
	}
}

func TestSetPolicyUpdatesBothPolicyAndPriority(t *testing.T) {
	tk := New(1, 0, "t", CFS, 0)
	tk.SetPolicy(FIFO, 42)
	if got := tk.Policy(); got != FIFO {
		t.Fatalf("Policy() = %v, want FIFO", got)
	}
	if got := tk.Priority(); got != 42 {
		t.Fatalf("Priority() = %d, want 42", got)
	}
}

func TestVRuntimeAccumulates(t *testing.T) {
	tk := New(1, 0, "t", CFS, 0)
	tk.SetVRuntime(10)
	if got := tk.AddVRuntime(5); got != 15 {
		t.Fatalf("AddVRuntime(5) = %d, want 15", got)
	}
	if got := tk.VRuntime(); got != 15 {
		t.Fatalf("VRuntime() = %d, want 15", got)
	}
}

package kpreempt

import "testing"

func TestPreemptCountBalance(t *testing.T) {
	c := NewCPU(0)
	if !c.Preemptible() {
		t.Fatal("fresh CPU should be preemptible")
	}
	c.DisablePreempt()
	c.DisablePreempt()
	if c.Preemptible() {
		t.Fatal("CPU should not be preemptible with count 2")
	}
	c.EnablePreempt()
	if c.Preemptible() {
		t.Fatal("CPU should not be preemptible with count 1")
	}
	c.EnablePreempt()
	if !c.Preemptible() {
		t.Fatal("CPU should be preemptible once count returns to 0")
	}
}

func TestEnablePreemptUnbalancedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unbalanced EnablePreempt")
		}
	}()
	c := NewCPU(0)
	c.EnablePreempt()
}

func TestIRQGuardNesting(t *testing.T) {
	c := NewCPU(0)
	if !c.IRQEnabled() {
		t.Fatal("fresh CPU should have interrupts enabled")
	}
	outer := c.IRQSave()
	if c.IRQEnabled() {
		t.Fatal("IRQSave should disable interrupts")
	}
	inner := c.IRQSave()
	if c.IRQEnabled() {
		t.Fatal("nested IRQSave should keep interrupts disabled")
	}
	inner.Restore()
	if c.IRQEnabled() {
		t.Fatal("inner Restore should not re-enable interrupts while outer guard holds")
	}
	outer.Restore()
	if !c.IRQEnabled() {
		t.Fatal("outer Restore should re-enable interrupts")
	}
}

func TestIRQGuardRestoreIdempotent(t *testing.T) {
	c := NewCPU(0)
	g := c.IRQSave()
	g.Restore()
	g.Restore()
	if !c.IRQEnabled() {
		t.Fatal("double Restore should not double-toggle the flag")
	}
}

func TestNeedResched(t *testing.T) {
	c := NewCPU(0)
	if c.NeedResched() {
		t.Fatal("fresh CPU should not need resched")
	}
	c.SetNeedResched()
	if !c.NeedResched() {
		t.Fatal("SetNeedResched should be observed by NeedResched")
	}
	c.ClearNeedResched()
	if c.NeedResched() {
		t.Fatal("ClearNeedResched should clear the flag")
	}
}

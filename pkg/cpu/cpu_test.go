package cpu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortiblox/bitmapvm/internal/kassert"
)

type testProc struct{ pid int }

func (p *testProc) PID() int     { return p.pid }
func (p *testProc) Name() string { return "test" }

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := kassert.Recovered(recover()); !ok {
			t.Error("expected a kernel assertion failure")
		}
	}()
	fn()
}

func TestSplNesting(t *testing.T) {
	c := New(0)

	if !c.InterruptsEnabled() {
		t.Fatal("new CPU should have interrupts enabled")
	}

	outer := c.Splhigh()
	inner := c.Splhigh()
	if outer != IPLNone || inner != IPLHigh {
		t.Errorf("Splhigh() = %d, %d; want %d, %d", outer, inner, IPLNone, IPLHigh)
	}
	c.Splx(inner)
	if c.InterruptsEnabled() {
		t.Error("interrupts enabled after inner Splx")
	}
	c.Splx(outer)
	if !c.InterruptsEnabled() {
		t.Error("interrupts disabled after outer Splx")
	}
}

func TestInterruptWaitsForSplx(t *testing.T) {
	c := New(0)
	var ran atomic.Bool

	spl := c.Splhigh()
	done := make(chan struct{})
	go func() {
		c.Interrupt(func() {
			if !c.InInterrupt() {
				t.Error("InInterrupt() false inside handler")
			}
			ran.Store(true)
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatal("interrupt delivered with interrupts disabled")
	}

	c.Splx(spl)
	<-done
	if !ran.Load() {
		t.Error("interrupt never delivered")
	}
	if c.InInterrupt() {
		t.Error("InInterrupt() true after handler returned")
	}
}

func TestSplhighInsideInterrupt(t *testing.T) {
	c := New(0)
	done := make(chan struct{})

	go func() {
		defer close(done)
		c.Interrupt(func() {
			if c.InterruptsEnabled() {
				t.Error("interrupts enabled inside handler")
			}
			spl := c.Splhigh()
			if spl != IPLHigh {
				t.Errorf("Splhigh() = %d, want %d", spl, IPLHigh)
			}
			c.Splx(spl)
			if c.InterruptsEnabled() {
				t.Error("Splx inside handler enabled interrupts")
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Splhigh inside an interrupt handler blocked")
	}
	if !c.InterruptsEnabled() {
		t.Error("interrupts disabled after handler returned")
	}

	// The CPU must still take and release the interrupt lock normally.
	spl := c.Splhigh()
	c.Splx(spl)
}

func TestAssertCanSleep(t *testing.T) {
	AssertCanSleep(nil)

	c := New(1)
	AssertCanSleep(c)

	var lock Spinlock
	lock.Acquire(c)
	if !lock.DoIHold(c) {
		t.Error("DoIHold() false after Acquire")
	}
	expectViolation(t, func() { AssertCanSleep(c) })
	lock.Release(c)
	AssertCanSleep(c)

	spl := c.Splhigh()
	expectViolation(t, func() { AssertCanSleep(c) })
	c.Splx(spl)

	c.Interrupt(func() {
		expectViolation(t, func() { AssertCanSleep(c) })
	})
}

func TestSpinlockWrongReleaser(t *testing.T) {
	a, b := New(0), New(1)
	var lock Spinlock
	lock.Acquire(a)
	expectViolation(t, func() { lock.Release(b) })
}

func TestCurrentProcess(t *testing.T) {
	c := New(0)
	if c.Process() != nil {
		t.Error("new CPU has a current process")
	}
	p := &testProc{pid: 7}
	c.SetProcess(p)
	if c.Process() != p {
		t.Error("Process() did not return the process just set")
	}
	c.SetProcess(nil)
	if c.Process() != nil {
		t.Error("SetProcess(nil) did not clear the process")
	}
}

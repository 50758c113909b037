// Package cpu models the per-processor execution context the VM code runs in:
// the interrupt priority level, the count of spinlocks held, whether an
// interrupt handler is running, the current process and the processor's TLB.
//
// Each CPU is driven by one goroutine at a time. Simulated interrupts are
// delivered through Interrupt, which waits while the CPU has interrupts
// disabled.
package cpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fortiblox/bitmapvm/internal/kassert"
	"github.com/fortiblox/bitmapvm/pkg/tlb"
)

// Interrupt priority levels.
const (
	IPLNone = 0 // interrupts enabled
	IPLHigh = 1 // interrupts disabled
)

// Process is whatever the scheduler runs on a CPU.
type Process interface {
	PID() int
	Name() string
}

// CPU is one simulated processor.
type CPU struct {
	id  int
	tlb *tlb.TLB

	// intr is held for as long as interrupts are disabled.
	intr sync.Mutex
	spl  atomic.Int32

	spinlocks   atomic.Int32
	inInterrupt atomic.Bool

	mu  sync.RWMutex
	cur Process
}

// New returns a CPU with an empty TLB and interrupts enabled.
func New(id int) *CPU {
	return &CPU{
		id:  id,
		tlb: tlb.New(),
	}
}

// ID returns the processor number.
func (c *CPU) ID() int {
	return c.id
}

// TLB returns the processor's TLB.
func (c *CPU) TLB() *tlb.TLB {
	return c.tlb
}

func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}

// Splhigh disables interrupts and returns the previous level for Splx.
func (c *CPU) Splhigh() int {
	old := c.spl.Load()
	if old == IPLNone {
		c.intr.Lock()
	}
	c.spl.Store(IPLHigh)
	return int(old)
}

// Splx restores the interrupt level returned by Splhigh.
func (c *CPU) Splx(old int) {
	cur := c.spl.Load()
	c.spl.Store(int32(old))
	if cur != IPLNone && old == IPLNone {
		c.intr.Unlock()
	}
}

// InterruptsEnabled reports whether the CPU accepts interrupts.
func (c *CPU) InterruptsEnabled() bool {
	return c.spl.Load() == IPLNone
}

// Interrupt runs handler as an interrupt on this CPU. It waits until
// interrupts are enabled. The handler runs at IPLHigh, so Splhigh inside it
// does not block.
func (c *CPU) Interrupt(handler func()) {
	c.intr.Lock()
	defer c.intr.Unlock()

	c.spl.Store(IPLHigh)
	defer c.spl.Store(IPLNone)

	c.inInterrupt.Store(true)
	defer c.inInterrupt.Store(false)
	handler()
}

// InInterrupt reports whether an interrupt handler is running.
func (c *CPU) InInterrupt() bool {
	return c.inInterrupt.Load()
}

// Spinlocks returns the number of spinlocks the CPU holds.
func (c *CPU) Spinlocks() int {
	return int(c.spinlocks.Load())
}

// SetProcess makes p the current process. nil clears it.
func (c *CPU) SetProcess(p Process) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = p
}

// Process returns the current process, or nil.
func (c *CPU) Process() Process {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// AssertCanSleep halts the kernel if c is in a context that must not block:
// holding a spinlock, running an interrupt handler, or with interrupts
// disabled. A nil CPU means early boot, where there is nothing to check.
func AssertCanSleep(c *CPU) {
	if c == nil {
		return
	}
	kassert.That(c.Spinlocks() == 0, "%v: may sleep while holding %d spinlocks", c, c.Spinlocks())
	kassert.That(!c.InInterrupt(), "%v: may sleep in an interrupt handler", c)
	kassert.That(c.InterruptsEnabled(), "%v: may sleep with interrupts disabled", c)
}

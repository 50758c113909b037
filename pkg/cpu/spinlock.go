package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/fortiblox/bitmapvm/internal/kassert"
)

// Spinlock is a short-held lock that is charged to the acquiring CPU, so
// AssertCanSleep can tell when a CPU holds one.
type Spinlock struct {
	mu     sync.Mutex
	holder atomic.Pointer[CPU]
}

// Acquire takes the lock on behalf of c. c may be nil during early boot.
func (s *Spinlock) Acquire(c *CPU) {
	s.mu.Lock()
	s.holder.Store(c)
	if c != nil {
		c.spinlocks.Add(1)
	}
}

// Release drops the lock. c must be the CPU that acquired it.
func (s *Spinlock) Release(c *CPU) {
	kassert.That(s.holder.Load() == c, "spinlock released by %v, not its holder", c)
	s.holder.Store(nil)
	if c != nil {
		c.spinlocks.Add(-1)
	}
	s.mu.Unlock()
}

// DoIHold reports whether c holds the lock.
func (s *Spinlock) DoIHold(c *CPU) bool {
	return c != nil && s.holder.Load() == c
}

// Package proc holds the process record: an id, a name, an address space and
// an exit status.
package proc

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

// Proc is a user process.
type Proc struct {
	pid  int
	name string

	// lock protects as.
	lock cpu.Spinlock
	as   *vm.AddressSpace

	exitOnce sync.Once
	done     chan struct{}
	status   int
}

// New returns a process with no address space.
func New(pid int, name string) *Proc {
	return &Proc{
		pid:  pid,
		name: name,
		done: make(chan struct{}),
	}
}

// PID returns the process id.
func (p *Proc) PID() int {
	return p.pid
}

// Name returns the process name.
func (p *Proc) Name() string {
	return p.name
}

func (p *Proc) String() string {
	return fmt.Sprintf("%s[%d]", p.name, p.pid)
}

// AddrSpace returns the process address space, or nil.
func (p *Proc) AddrSpace() *vm.AddressSpace {
	p.lock.Acquire(nil)
	defer p.lock.Release(nil)
	return p.as
}

// SetAddrSpace replaces the address space and returns the old one.
func (p *Proc) SetAddrSpace(as *vm.AddressSpace) *vm.AddressSpace {
	p.lock.Acquire(nil)
	defer p.lock.Release(nil)
	old := p.as
	p.as = as
	return old
}

// Switch makes p the current process of c and activates its address space.
// The address space of the process previously running on c is deactivated.
func Switch(c *cpu.CPU, p *Proc) {
	if prev, ok := c.Process().(*Proc); ok && prev != nil {
		if as := prev.AddrSpace(); as != nil {
			as.Deactivate(c)
		}
	}

	if p == nil {
		c.SetProcess(nil)
		return
	}
	c.SetProcess(p)
	if as := p.AddrSpace(); as != nil {
		as.Activate(c)
	}
}

// Exit terminates p with the given status. Its address space is destroyed
// before the process is detached from c. Exiting twice is a no-op.
func Exit(c *cpu.CPU, p *Proc, code int) {
	p.exitOnce.Do(func() {
		p.lock.Acquire(c)
		as := p.as
		p.as = nil
		p.lock.Release(c)

		if as != nil {
			as.Deactivate(c)
			as.Destroy(c)
		}
		if cur, ok := c.Process().(*Proc); ok && cur == p {
			c.SetProcess(nil)
		}

		p.status = code
		close(p.done)
		log.Printf("[proc] %v exited with status %d", p, code)
	})
}

// Done is closed when the process exits.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until p exits and returns its status.
func (p *Proc) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.status, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

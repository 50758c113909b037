package vm

import (
	"fmt"
	"log"

	"github.com/fortiblox/bitmapvm/internal/kassert"
	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/tlb"
)

// FaultType is the kind of access that missed in the TLB.
type FaultType int

// Fault types as reported by the trap handler.
const (
	FaultRead     FaultType = 0 // read from an unmapped page
	FaultWrite    FaultType = 1 // write to an unmapped page
	FaultReadOnly FaultType = 2 // write to a page mapped read-only
)

func (ft FaultType) String() string {
	switch ft {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultReadOnly:
		return "readonly"
	default:
		return fmt.Sprintf("FaultType(%d)", ft)
	}
}

// addrSpaceOwner is implemented by processes that own an address space.
type addrSpaceOwner interface {
	AddrSpace() *AddressSpace
}

// currentAS returns the address space of the process running on c, or nil.
func currentAS(c *cpu.CPU) *AddressSpace {
	p := c.Process()
	if p == nil {
		return nil
	}
	owner, ok := p.(addrSpaceOwner)
	if !ok {
		return nil
	}
	return owner.AddrSpace()
}

// Fault handles a TLB miss on c at faultAddr. It maps the faulting page
// read-write into the first free TLB slot.
//
// ErrFault is returned when no process or address space is current, when the
// address lies outside every region, or when all TLB slots are in use.
// Entries are never evicted.
func (s *System) Fault(c *cpu.CPU, ft FaultType, faultAddr types.VAddr) error {
	kassert.That(c != nil, "vm: fault without a cpu")

	faultAddr = faultAddr.PageBase()
	s.faults.Add(1)
	s.debugf("fault: %v (%v) on %v", faultAddr, ft, c)

	switch ft {
	case FaultReadOnly:
		// Every page is mapped writable, so this cannot happen.
		kassert.Fail("vm: got VM_FAULT_READONLY at %v", faultAddr)
	case FaultRead, FaultWrite:
	default:
		return fmt.Errorf("%w: fault type %d", ErrInvalid, ft)
	}

	as := currentAS(c)
	if as == nil {
		// No process, or a process with no address space: probably a
		// kernel fault early in boot.
		return fmt.Errorf("%w: no address space at %v", ErrFault, faultAddr)
	}

	paddr, ok := as.translate(faultAddr)
	if !ok {
		return fmt.Errorf("%w: %v outside every region", ErrFault, faultAddr)
	}
	kassert.That(paddr.IsAligned(), "vm: unaligned frame %v for %v", paddr, faultAddr)

	spl := c.Splhigh()
	t := c.TLB()
	for i := 0; i < tlb.NumEntries; i++ {
		_, lo := t.Read(i)
		if lo&tlb.LoValid != 0 {
			continue
		}
		t.Write(uint32(faultAddr), uint32(paddr)|tlb.LoDirty|tlb.LoValid, i)
		c.Splx(spl)

		s.tlbFills.Add(1)
		s.debugf("0x%x -> 0x%x in slot %d", uint32(faultAddr), uint32(paddr), i)
		return nil
	}
	c.Splx(spl)

	s.tlbFull.Add(1)
	log.Printf("[vm] Ran out of TLB entries - cannot handle page fault")
	return fmt.Errorf("%w: tlb full at %v", ErrFault, faultAddr)
}

// TLBShootdown asks c to invalidate TLB entries on behalf of another CPU.
// Only a single CPU is supported, so any shootdown is a kernel bug.
func (s *System) TLBShootdown(c *cpu.CPU, target int) {
	kassert.Fail("vm: tried to do tlb shootdown?! (%v, slot %d)", c, target)
}

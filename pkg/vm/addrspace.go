package vm

import (
	"fmt"
	"log"
	"sync"

	"github.com/fortiblox/bitmapvm/internal/kassert"
	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/tlb"
)

// NumRegions is the number of general-purpose regions per address space.
const NumRegions = 2

// Region is a contiguous, page-aligned run of user memory backed by a
// contiguous run of frames. PBase is 0 until the region is backed.
type Region struct {
	VBase  types.VAddr `json:"vbase"`
	PBase  types.PAddr `json:"pbase"`
	NPages uint32      `json:"npages"`
}

func (r Region) defined() bool {
	return r.VBase != 0 || r.NPages != 0
}

func (r Region) contains(v types.VAddr) bool {
	end := uint64(r.VBase) + uint64(r.NPages)*types.PageSize
	return uint64(v) >= uint64(r.VBase) && uint64(v) < end
}

// AddressSpace is the memory of one user process: two regions plus a stack of
// StackPages pages ending at UserStack.
type AddressSpace struct {
	sys *System
	id  types.ASID

	mu         sync.RWMutex
	regions    [NumRegions]Region
	stackPBase types.PAddr
	destroyed  bool
}

// Info describes an address space.
type Info struct {
	ID         types.ASID         `json:"id"`
	Regions    [NumRegions]Region `json:"regions"`
	StackPBase types.PAddr        `json:"stack_pbase"`
	Loaded     bool               `json:"loaded"`
	Pages      uint32             `json:"pages"`
}

// CreateAS returns a new, empty address space.
func (s *System) CreateAS() (*AddressSpace, error) {
	as := &AddressSpace{
		sys: s,
		id:  types.NewASID(),
	}
	if err := s.register(as); err != nil {
		return nil, err
	}
	return as, nil
}

// ID returns the address space identifier.
func (as *AddressSpace) ID() types.ASID {
	return as.id
}

// Regions returns the region geometry.
func (as *AddressSpace) Regions() [NumRegions]Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.regions
}

// StackPBase returns the physical base of the stack, 0 if not backed.
func (as *AddressSpace) StackPBase() types.PAddr {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.stackPBase
}

// Info returns a description of the address space.
func (as *AddressSpace) Info() Info {
	as.mu.RLock()
	defer as.mu.RUnlock()

	info := Info{
		ID:         as.id,
		Regions:    as.regions,
		StackPBase: as.stackPBase,
		Loaded:     as.loadedLocked(),
	}
	for _, r := range as.regions {
		if r.PBase != 0 {
			info.Pages += r.NPages
		}
	}
	if as.stackPBase != 0 {
		info.Pages += types.StackPages
	}
	return info
}

func (as *AddressSpace) loadedLocked() bool {
	for _, r := range as.regions {
		if r.PBase == 0 {
			return false
		}
	}
	return as.stackPBase != 0
}

// DefineRegion sets up the next unused region to cover [vaddr, vaddr+size),
// widened to whole pages. The permission flags are accepted but not enforced.
// A region reaching past the top of user space is rejected with ErrInvalid,
// and a third region with ErrNotImplemented.
func (as *AddressSpace) DefineRegion(c *cpu.CPU, vaddr types.VAddr, size uint32, readable, writeable, executable bool) error {
	cpu.AssertCanSleep(c)

	end := uint64(vaddr) + uint64(size)
	if end > uint64(types.UserStack) {
		return fmt.Errorf("%w: region %v+%#x ends beyond user space", ErrInvalid, vaddr, size)
	}
	base := vaddr.PageBase()
	npages := uint32((end - uint64(base) + types.PageSize - 1) / types.PageSize)
	vaddr = base

	as.mu.Lock()
	defer as.mu.Unlock()
	kassert.That(!as.destroyed, "vm: define region in destroyed address space %v", as.id)

	for i := range as.regions {
		if as.regions[i].defined() {
			continue
		}
		as.regions[i] = Region{VBase: vaddr, NPages: npages}
		as.sys.debugf("%v region %d: %v, %d pages", as.id, i, vaddr, npages)
		return nil
	}

	log.Printf("[vm] Warning: too many regions")
	return fmt.Errorf("%w: more than %d regions", ErrNotImplemented, NumRegions)
}

// PrepareLoad backs both regions and the stack with zeroed frames. If any
// allocation fails, frames already allocated are released and ErrNoMem is
// returned.
func (as *AddressSpace) PrepareLoad(c *cpu.CPU) error {
	cpu.AssertCanSleep(c)

	as.mu.RLock()
	regions := as.regions
	stack := as.stackPBase
	destroyed := as.destroyed
	as.mu.RUnlock()

	kassert.That(!destroyed, "vm: prepare load of destroyed address space %v", as.id)
	for i, r := range regions {
		kassert.That(r.PBase == 0, "vm: region %d of %v already backed", i, as.id)
	}
	kassert.That(stack == 0, "vm: stack of %v already backed", as.id)

	var got []types.PAddr
	rollback := func() {
		for _, p := range got {
			as.sys.PutPages(c, p)
		}
	}

	var bases [NumRegions]types.PAddr
	for i, r := range regions {
		p := as.sys.GetPages(c, r.NPages)
		if p == 0 {
			rollback()
			return fmt.Errorf("%w: region %d (%d pages)", ErrNoMem, i, r.NPages)
		}
		got = append(got, p)
		bases[i] = p
	}

	stack = as.sys.GetPages(c, types.StackPages)
	if stack == 0 {
		rollback()
		return fmt.Errorf("%w: stack (%d pages)", ErrNoMem, types.StackPages)
	}

	for i, r := range regions {
		as.sys.ram.Zero(bases[i], r.NPages)
	}
	as.sys.ram.Zero(stack, types.StackPages)

	as.mu.Lock()
	for i := range as.regions {
		as.regions[i].PBase = bases[i]
	}
	as.stackPBase = stack
	as.mu.Unlock()
	return nil
}

// CompleteLoad marks the end of loading.
func (as *AddressSpace) CompleteLoad(c *cpu.CPU) error {
	cpu.AssertCanSleep(c)
	return nil
}

// DefineStack returns the initial user stack pointer.
func (as *AddressSpace) DefineStack(c *cpu.CPU) (types.VAddr, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	kassert.That(as.stackPBase != 0, "vm: define stack of unloaded address space %v", as.id)
	return types.UserStack, nil
}

// Copy returns a new address space with the same geometry and a copy of the
// contents of every region and the stack.
func (as *AddressSpace) Copy(c *cpu.CPU) (*AddressSpace, error) {
	cpu.AssertCanSleep(c)

	as.mu.RLock()
	old := as.regions
	oldStack := as.stackPBase
	loaded := as.loadedLocked()
	as.mu.RUnlock()
	kassert.That(loaded, "vm: copy of unloaded address space %v", as.id)

	n, err := as.sys.CreateAS()
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	for i := range old {
		n.regions[i] = Region{VBase: old[i].VBase, NPages: old[i].NPages}
	}
	n.mu.Unlock()

	if err := n.PrepareLoad(c); err != nil {
		n.Destroy(c)
		return nil, err
	}

	fresh := n.Regions()
	for i := range old {
		kassert.That(fresh[i].PBase != 0, "vm: copy region %d not backed", i)
		as.sys.ram.Copy(fresh[i].PBase, old[i].PBase, old[i].NPages)
	}
	stack := n.StackPBase()
	kassert.That(stack != 0, "vm: copy stack not backed")
	as.sys.ram.Copy(stack, oldStack, types.StackPages)
	return n, nil
}

// Destroy releases every frame the address space holds and removes it from
// the system. The address space must not be used afterwards.
func (as *AddressSpace) Destroy(c *cpu.CPU) {
	cpu.AssertCanSleep(c)

	as.mu.Lock()
	kassert.That(!as.destroyed, "vm: address space %v destroyed twice", as.id)
	as.destroyed = true
	regions := as.regions
	stack := as.stackPBase
	as.regions = [NumRegions]Region{}
	as.stackPBase = 0
	as.mu.Unlock()

	for _, r := range regions {
		if r.PBase != 0 {
			as.sys.PutPages(c, r.PBase)
		}
	}
	if stack != 0 {
		as.sys.PutPages(c, stack)
	}
	as.sys.unregister(as)
}

// Activate invalidates every TLB entry of c, making as the only address
// space whose pages can be mapped.
func (as *AddressSpace) Activate(c *cpu.CPU) {
	spl := c.Splhigh()
	t := c.TLB()
	for i := 0; i < tlb.NumEntries; i++ {
		t.Write(tlb.InvalidHi(i), tlb.InvalidLo(), i)
	}
	c.Splx(spl)
}

// Deactivate is called when as stops running on c. Nothing needs doing.
func (as *AddressSpace) Deactivate(c *cpu.CPU) {
}

// translate returns the frame backing the page at v.
func (as *AddressSpace) translate(v types.VAddr) (types.PAddr, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	for i, r := range as.regions {
		kassert.That(r.PBase != 0 && r.NPages != 0, "vm: region %d of %v not loaded", i, as.id)
		kassert.That(r.VBase.IsAligned() && r.PBase.IsAligned(), "vm: region %d of %v unaligned", i, as.id)
	}
	kassert.That(as.stackPBase != 0 && as.stackPBase.IsAligned(), "vm: stack of %v not loaded", as.id)

	for _, r := range as.regions {
		if r.contains(v) {
			return r.PBase + types.PAddr(v-r.VBase), true
		}
	}

	stack := Region{VBase: types.StackBase, PBase: as.stackPBase, NPages: types.StackPages}
	if stack.contains(v) {
		return stack.PBase + types.PAddr(v-stack.VBase), true
	}
	return 0, false
}

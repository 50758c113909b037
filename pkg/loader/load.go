package loader

import (
	"fmt"

	"github.com/fortiblox/bitmapvm/internal/kassert"
	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/proc"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

// Program is a loaded executable, ready to run on the CPU it was loaded on.
type Program struct {
	AS    *vm.AddressSpace
	Entry types.VAddr
	Stack types.VAddr
}

// Load creates an address space for img, gives it to p, makes p current on
// c and copies the segments in. p must not have an address space yet. On
// error the new address space is destroyed and p is left without one.
func Load(c *cpu.CPU, sys *vm.System, p *proc.Proc, img *Image) (*Program, error) {
	kassert.That(p.AddrSpace() == nil, "loader: %v already has an address space", p)

	as, err := sys.CreateAS()
	if err != nil {
		return nil, fmt.Errorf("create address space: %w", err)
	}
	p.SetAddrSpace(as)
	proc.Switch(c, p)

	prog, err := load(c, sys, as, img)
	if err != nil {
		p.SetAddrSpace(nil)
		as.Destroy(c)
		return nil, err
	}
	return prog, nil
}

func load(c *cpu.CPU, sys *vm.System, as *vm.AddressSpace, img *Image) (*Program, error) {
	for i, seg := range img.Segments {
		if err := as.DefineRegion(c, seg.VAddr, seg.MemSize, seg.Readable, seg.Writeable, seg.Executable); err != nil {
			return nil, fmt.Errorf("define segment %d: %w", i, err)
		}
	}

	if err := as.PrepareLoad(c); err != nil {
		return nil, fmt.Errorf("prepare load: %w", err)
	}

	for i, seg := range img.Segments {
		if err := sys.CopyOut(c, seg.VAddr, seg.Data); err != nil {
			return nil, fmt.Errorf("copy segment %d: %w", i, err)
		}
		// Start each segment with an empty TLB.
		as.Activate(c)
	}

	if err := as.CompleteLoad(c); err != nil {
		return nil, fmt.Errorf("complete load: %w", err)
	}

	sp, err := as.DefineStack(c)
	if err != nil {
		return nil, fmt.Errorf("define stack: %w", err)
	}

	return &Program{
		AS:    as,
		Entry: img.Entry,
		Stack: sp,
	}, nil
}

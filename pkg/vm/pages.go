package vm

import (
	"github.com/fortiblox/bitmapvm/internal/kassert"
	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
)

// GetPages allocates n physically contiguous frames and returns the address
// of the first one, or 0 when memory is exhausted.
//
// The frame table is tried first; if it has no run long enough (or does not
// exist yet) the frames are stolen from RAM. Either way the run length is
// recorded so PutPages can find it.
//
// c is the calling CPU, nil during early boot. The caller must be allowed to
// sleep: allocation is allowed to block even though it currently never does.
func (s *System) GetPages(c *cpu.CPU, n uint32) types.PAddr {
	cpu.AssertCanSleep(c)

	if n == 0 {
		return 0
	}

	paddr, ok := s.frames.AllocContiguous(n)
	if !ok {
		paddr = s.ram.Steal(n)
	}
	if paddr != 0 && s.frames.IsReady() {
		s.frames.SetLength(paddr, n)
	}
	return paddr
}

// PutPages frees the run of frames that GetPages returned at paddr. Frames
// stolen before Bootstrap are permanent and are not freed.
func (s *System) PutPages(c *cpu.CPU, paddr types.PAddr) {
	cpu.AssertCanSleep(c)

	if !s.frames.IsReady() {
		return
	}
	n := s.frames.Length(paddr)
	s.frames.FreeContiguous(paddr, n)
}

// AllocKPages allocates n contiguous pages for kernel use and returns their
// KSEG0 address, or 0 when memory is exhausted.
func (s *System) AllocKPages(c *cpu.CPU, n uint32) types.VAddr {
	paddr := s.GetPages(c, n)
	if paddr == 0 {
		return 0
	}
	return types.PAddrToKVAddr(paddr)
}

// FreeKPages frees pages returned by AllocKPages.
func (s *System) FreeKPages(c *cpu.CPU, kvaddr types.VAddr) {
	kassert.That(kvaddr >= types.KSeg0, "vm: free of non-kernel address %v", kvaddr)
	s.PutPages(c, types.KVAddrToPAddr(kvaddr))
}

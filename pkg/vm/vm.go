// Package vm is the virtual memory system of the teaching kernel.
//
// It combines the frame table with the bootstrap allocator into a single page
// allocator, manages address spaces made of two fixed regions plus a stack,
// and services TLB misses by mapping the faulting page into the CPU's TLB.
//
// Pages are never evicted or swapped: once an address space is loaded its
// frames stay put until the address space is destroyed. All pages are mapped
// read-write regardless of the permissions a region asks for.
package vm

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/frames"
	"github.com/fortiblox/bitmapvm/pkg/ram"
)

// Config holds VM system configuration.
type Config struct {
	// MaxAddrSpaces caps the number of live address spaces. Creating one
	// more fails with ErrNoMem. 0 means no limit.
	MaxAddrSpaces int

	// Debug logs every fault and TLB fill.
	Debug bool
}

// DefaultConfig returns the default VM configuration.
func DefaultConfig() Config {
	return Config{
		MaxAddrSpaces: 0,
		Debug:         false,
	}
}

// System is the VM system of one machine. It is shared by every CPU.
type System struct {
	config Config
	ram    *ram.RAM
	frames frames.Table

	mu     sync.RWMutex
	spaces map[types.ASID]*AddressSpace

	faults   atomic.Uint64
	tlbFills atomic.Uint64
	tlbFull  atomic.Uint64
}

// Stats summarizes the VM system.
type Stats struct {
	Frames      frames.Stats `json:"frames"`
	RAMBytes    uint32       `json:"ram_bytes"`
	StolenPages uint32       `json:"stolen_pages"`
	AddrSpaces  int          `json:"addr_spaces"`
	Faults      uint64       `json:"faults"`
	TLBFills    uint64       `json:"tlb_fills"`
	TLBFull     uint64       `json:"tlb_full"`
}

// New creates the VM system over physical memory r. Until Bootstrap runs,
// every page allocation is served by stealing memory from r.
func New(r *ram.RAM, config Config) *System {
	return &System{
		config: config,
		ram:    r,
		spaces: make(map[types.ASID]*AddressSpace),
	}
}

// Bootstrap sets up the frame table. Its own storage is stolen from RAM,
// then everything not yet stolen is handed to the table as free frames.
func (s *System) Bootstrap() error {
	total := s.ram.Frames()
	npages := types.PagesFor(frames.StorageBytes(total))

	if s.GetPages(nil, npages) == 0 {
		return fmt.Errorf("%w: %d pages for the frame table", ErrNoMem, npages)
	}

	first := s.ram.FirstFree()
	reserved := uint32(types.FrameOf(first))
	s.frames.Init(total, reserved)

	log.Printf("[vm] frame table ready: %d frames, %d reserved, %d free",
		total, reserved, total-reserved)
	return nil
}

// Ready reports whether Bootstrap has completed.
func (s *System) Ready() bool {
	return s.frames.IsReady()
}

// RAM returns the physical memory.
func (s *System) RAM() *ram.RAM {
	return s.ram
}

// Stats returns a summary of the VM system.
func (s *System) Stats() Stats {
	s.mu.RLock()
	spaces := len(s.spaces)
	s.mu.RUnlock()

	return Stats{
		Frames:      s.frames.Stats(),
		RAMBytes:    s.ram.Size(),
		StolenPages: s.ram.StolenPages(),
		AddrSpaces:  spaces,
		Faults:      s.faults.Load(),
		TLBFills:    s.tlbFills.Load(),
		TLBFull:     s.tlbFull.Load(),
	}
}

// FrameMap returns the free state of every frame.
func (s *System) FrameMap() []bool {
	return s.frames.Snapshot()
}

// Lookup returns the live address space with the given id.
func (s *System) Lookup(id types.ASID) (*AddressSpace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	as, ok := s.spaces[id]
	return as, ok
}

// AddrSpaces returns a description of every live address space, ordered by id.
func (s *System) AddrSpaces() []Info {
	s.mu.RLock()
	list := make([]*AddressSpace, 0, len(s.spaces))
	for _, as := range s.spaces {
		list = append(list, as)
	}
	s.mu.RUnlock()

	infos := make([]Info, len(list))
	for i, as := range list {
		infos[i] = as.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID.String() < infos[j].ID.String()
	})
	return infos
}

func (s *System) register(as *AddressSpace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.MaxAddrSpaces > 0 && len(s.spaces) >= s.config.MaxAddrSpaces {
		return fmt.Errorf("%w: %d address spaces in use", ErrNoMem, len(s.spaces))
	}
	s.spaces[as.id] = as
	return nil
}

func (s *System) unregister(as *AddressSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spaces, as.id)
}

func (s *System) debugf(format string, args ...any) {
	if s.config.Debug {
		log.Printf("[vm] "+format, args...)
	}
}

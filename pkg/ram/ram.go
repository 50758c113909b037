// Package ram simulates the machine's physical memory and the bootstrap
// allocator that carves it up before the frame table exists.
//
// Physical memory is a single contiguous byte range starting at physical
// address 0. The kernel image occupies the bottom of it, so frame 0 is never
// handed out and physical address 0 can serve as the "no memory" sentinel.
//
// Steal is a monotonic bump allocator over the memory above the kernel image.
// Stolen memory is never freed. Once the frame table takes over (FirstFree),
// stealing is disabled for the rest of the system's life.
package ram

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fortiblox/bitmapvm/internal/kassert"
	"github.com/fortiblox/bitmapvm/internal/types"
)

var (
	// ErrTooSmall is returned when the memory cannot hold the kernel image.
	ErrTooSmall = errors.New("ram too small for kernel image")

	// ErrTooLarge is returned when the memory does not fit the 32-bit physical space.
	ErrTooLarge = errors.New("ram larger than the physical address space")
)

// MaxSize is the largest supported physical memory. Everything above the
// kernel direct-mapped window is unreachable from the kernel.
const MaxSize = 512 << 20

// Config holds physical memory configuration.
type Config struct {
	// Size is the physical memory size in bytes. Rounded down to a page.
	Size uint32

	// KernelSize is the size of the kernel image loaded at physical 0.
	// Rounded up to a page; at least one page is always reserved.
	KernelSize uint32
}

// DefaultConfig returns the default memory configuration.
func DefaultConfig() Config {
	return Config{
		Size:       8 << 20, // 8 MiB
		KernelSize: 1 << 20, // 1 MiB
	}
}

// RAM is the simulated physical memory.
type RAM struct {
	mem  []byte
	size types.PAddr

	// stealMu protects the bump pointer. It is independent of any frame
	// table lock.
	stealMu   sync.Mutex
	firstFree types.PAddr
	lastAddr  types.PAddr
	stolen    uint32
	handedOff bool

	closeOnce sync.Once
	unmap     func([]byte) error
}

// New allocates physical memory.
func New(cfg Config) (*RAM, error) {
	if cfg.Size > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, cfg.Size)
	}
	size := cfg.Size &^ (types.PageSize - 1)

	kernel := (cfg.KernelSize + types.PageSize - 1) &^ (types.PageSize - 1)
	if kernel == 0 {
		kernel = types.PageSize
	}
	if kernel >= size {
		return nil, fmt.Errorf("%w: ram %d bytes, kernel %d bytes", ErrTooSmall, size, kernel)
	}

	mem, unmap, err := allocate(int(size))
	if err != nil {
		return nil, fmt.Errorf("allocate physical memory: %w", err)
	}

	return &RAM{
		mem:       mem,
		size:      types.PAddr(size),
		firstFree: types.PAddr(kernel),
		lastAddr:  types.PAddr(size),
		unmap:     unmap,
	}, nil
}

// Size returns the physical memory size in bytes.
func (r *RAM) Size() uint32 {
	return uint32(r.size)
}

// Frames returns the number of physical frames.
func (r *RAM) Frames() uint32 {
	return uint32(r.size) / types.PageSize
}

// Steal reserves npages contiguous frames from the memory above everything
// stolen so far. It returns 0 when the memory is exhausted or has been handed
// over to the frame table.
func (r *RAM) Steal(npages uint32) types.PAddr {
	if npages == 0 {
		return 0
	}

	r.stealMu.Lock()
	defer r.stealMu.Unlock()

	if r.handedOff {
		return 0
	}

	size := uint64(npages) * types.PageSize
	if uint64(r.firstFree)+size > uint64(r.lastAddr) {
		return 0
	}

	paddr := r.firstFree
	r.firstFree += types.PAddr(size)
	r.stolen += npages
	return paddr
}

// FirstFree returns the lowest physical address not yet stolen and disables
// Steal. Everything from the returned address up to Size belongs to the
// caller from then on.
func (r *RAM) FirstFree() types.PAddr {
	r.stealMu.Lock()
	defer r.stealMu.Unlock()

	first := r.firstFree
	r.handedOff = true
	return first
}

// StolenPages returns the number of pages handed out by Steal.
func (r *RAM) StolenPages() uint32 {
	r.stealMu.Lock()
	defer r.stealMu.Unlock()
	return r.stolen
}

// Bytes returns the n bytes of physical memory starting at p. The slice
// aliases the memory.
func (r *RAM) Bytes(p types.PAddr, n uint32) []byte {
	end := uint64(p) + uint64(n)
	kassert.That(end <= uint64(r.size), "ram: access [%v, +%d) beyond %v", p, n, r.size)
	return r.mem[p:end]
}

// Zero clears npages frames starting at p.
func (r *RAM) Zero(p types.PAddr, npages uint32) {
	clear(r.Bytes(p, npages*types.PageSize))
}

// Copy copies npages frames from src to dst.
func (r *RAM) Copy(dst, src types.PAddr, npages uint32) {
	n := npages * types.PageSize
	copy(r.Bytes(dst, n), r.Bytes(src, n))
}

// Close releases the backing memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.unmap != nil {
			err = r.unmap(r.mem)
		}
		r.mem = nil
	})
	return err
}

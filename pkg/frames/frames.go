// Package frames implements the frame table: a bitmap of free physical frames
// plus the length of every allocated run.
//
// Allocation is first-fit over the bitmap. A set bit means the frame is free.
// The table is sized once by Init and never resized; until then every
// operation behaves as if the table did not exist, so callers can fall back to
// the bootstrap allocator.
package frames

import (
	"sync"

	"github.com/fortiblox/bitmapvm/internal/kassert"
	"github.com/fortiblox/bitmapvm/internal/types"
)

const (
	wordBits   = 32
	offsetBits = 5 // log2(wordBits)
	offsetMask = wordBits - 1
)

// Table is the frame table. The zero value is an uninitialized table.
type Table struct {
	// initMu guards ready so the first allocation cannot race with Init.
	initMu sync.Mutex
	ready  bool

	// mu guards the bitmap and run lengths. It is held across a whole
	// scan-and-mark, never across anything that touches frame contents.
	mu        sync.Mutex
	free      []uint32
	allocLen  []uint32
	total     uint32
	freeCount uint32
}

// Stats summarizes the frame table.
type Stats struct {
	Ready       bool   `json:"ready"`
	Total       uint32 `json:"total"`
	Free        uint32 `json:"free"`
	Used        uint32 `json:"used"`
	LargestFree uint32 `json:"largest_free"`
}

// BitmapWords returns the number of bitmap words needed for total frames.
func BitmapWords(total uint32) uint32 {
	return (total + wordBits - 1) / wordBits
}

// StorageBytes returns the memory the table needs for total frames: the
// bitmap plus one run length per frame.
func StorageBytes(total uint32) uint32 {
	return BitmapWords(total)*4 + total*4
}

func bitTest(a []uint32, n uint32) bool {
	return a[n>>offsetBits]&(1<<(n&offsetMask)) != 0
}

func bitSet(a []uint32, n uint32) {
	a[n>>offsetBits] |= 1 << (n & offsetMask)
}

func bitClear(a []uint32, n uint32) {
	a[n>>offsetBits] &^= 1 << (n & offsetMask)
}

// Init sizes the table for total frames and marks frames [0, reserved) used.
// Everything above is free. Init may only be called once.
func (t *Table) Init(total, reserved uint32) {
	kassert.That(reserved <= total, "frames: reserved %d exceeds total %d", reserved, total)

	free := make([]uint32, BitmapWords(total))
	allocLen := make([]uint32, total)
	for i := reserved; i < total; i++ {
		bitSet(free, i)
	}

	t.initMu.Lock()
	defer t.initMu.Unlock()
	kassert.That(!t.ready, "frames: table initialized twice")

	t.mu.Lock()
	t.free = free
	t.allocLen = allocLen
	t.total = total
	t.freeCount = total - reserved
	t.mu.Unlock()

	t.ready = true
}

// IsReady reports whether Init has completed.
func (t *Table) IsReady() bool {
	t.initMu.Lock()
	defer t.initMu.Unlock()
	return t.ready
}

// Total returns the number of frames, or 0 before Init.
func (t *Table) Total() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// AllocContiguous reserves the first run of n free frames and returns the
// physical address of its first frame. It fails if the table is not ready,
// n is 0, or no run is long enough.
func (t *Table) AllocContiguous(n uint32) (types.PAddr, bool) {
	if n == 0 || !t.IsReady() {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var start, contiguous uint32
	for i := uint32(0); i < t.total && contiguous < n; i++ {
		if bitTest(t.free, i) {
			contiguous++
			if contiguous == 1 {
				start = i
			}
		} else {
			contiguous = 0
		}
	}

	if contiguous < n {
		return 0, false
	}

	for i := start; i < start+n; i++ {
		bitClear(t.free, i)
	}
	t.allocLen[start] = n
	t.freeCount -= n

	return types.Frame(start).Address(), true
}

// FreeContiguous marks n frames starting at paddr free again. It is a no-op
// on an uninitialized table. paddr must lie inside the table.
func (t *Table) FreeContiguous(paddr types.PAddr, n uint32) {
	if !t.IsReady() {
		return
	}

	first := uint32(types.FrameOf(paddr))

	t.mu.Lock()
	defer t.mu.Unlock()

	kassert.That(first < t.total, "frames: free of frame %d beyond %d frames", first, t.total)
	kassert.That(uint64(first)+uint64(n) <= uint64(t.total), "frames: free of %d frames at %d overruns table", n, first)

	for i := first; i < first+n; i++ {
		kassert.That(!bitTest(t.free, i), "frames: double free of frame %d", i)
		bitSet(t.free, i)
		t.freeCount++
	}
	t.allocLen[first] = 0
}

// SetLength records n as the run length of the allocation starting at paddr.
func (t *Table) SetLength(paddr types.PAddr, n uint32) {
	first := uint32(types.FrameOf(paddr))

	t.mu.Lock()
	defer t.mu.Unlock()

	kassert.That(first < t.total, "frames: length for frame %d beyond %d frames", first, t.total)
	t.allocLen[first] = n
}

// Length returns the recorded run length of the allocation starting at paddr.
func (t *Table) Length(paddr types.PAddr) uint32 {
	first := uint32(types.FrameOf(paddr))

	t.mu.Lock()
	defer t.mu.Unlock()

	kassert.That(first < t.total, "frames: length of frame %d beyond %d frames", first, t.total)
	return t.allocLen[first]
}

// Stats returns a summary of the table.
func (t *Table) Stats() Stats {
	ready := t.IsReady()

	t.mu.Lock()
	defer t.mu.Unlock()

	var largest, run uint32
	for i := uint32(0); i < t.total; i++ {
		if bitTest(t.free, i) {
			run++
			if run > largest {
				largest = run
			}
		} else {
			run = 0
		}
	}

	return Stats{
		Ready:       ready,
		Total:       t.total,
		Free:        t.freeCount,
		Used:        t.total - t.freeCount,
		LargestFree: largest,
	}
}

// Snapshot returns the free state of every frame.
func (t *Table) Snapshot() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]bool, t.total)
	for i := range out {
		out[i] = bitTest(t.free, uint32(i))
	}
	return out
}

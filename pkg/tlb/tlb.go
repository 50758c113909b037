// Package tlb simulates the MIPS translation lookaside buffer of one CPU.
//
// Each of the NumEntries slots holds a hi word (virtual page) and a lo word
// (physical page plus flag bits). Software manages the TLB entirely: the MMU
// only looks entries up, and a miss traps into the kernel's fault handler.
//
// Individual reads and writes are atomic. Sequences of operations must be
// protected by the owning CPU with interrupts disabled.
package tlb

import (
	"sync"

	"github.com/fortiblox/bitmapvm/internal/types"
)

// NumEntries is the number of TLB slots.
const NumEntries = 64

// Hi word fields.
const (
	HiVPage = 0xfffff000 // virtual page number
)

// Lo word fields.
const (
	LoPPage   = 0xfffff000 // physical page number
	LoNoCache = 0x00000800 // uncached
	LoDirty   = 0x00000400 // writes permitted
	LoValid   = 0x00000200 // entry usable
)

// InvalidHi returns a hi word for slot i that cannot match any user address.
// Distinct slots get distinct values so no two entries ever alias.
func InvalidHi(i int) uint32 {
	return uint32(0x80000+i) << 12
}

// InvalidLo returns the lo word of an unused slot.
func InvalidLo() uint32 {
	return 0
}

// Entry is one TLB slot.
type Entry struct {
	Hi uint32 `json:"hi"`
	Lo uint32 `json:"lo"`
}

// Valid reports whether the entry can be used for translation.
func (e Entry) Valid() bool {
	return e.Lo&LoValid != 0
}

// Dirty reports whether the entry permits writes.
func (e Entry) Dirty() bool {
	return e.Lo&LoDirty != 0
}

// VPage returns the virtual page of the entry.
func (e Entry) VPage() types.VAddr {
	return types.VAddr(e.Hi & HiVPage)
}

// PPage returns the physical page of the entry.
func (e Entry) PPage() types.PAddr {
	return types.PAddr(e.Lo & LoPPage)
}

// TLB is the translation lookaside buffer of one CPU.
type TLB struct {
	mu      sync.Mutex
	entries [NumEntries]Entry
}

// New returns a TLB with every slot invalid.
func New() *TLB {
	t := &TLB{}
	for i := range t.entries {
		t.entries[i] = Entry{Hi: InvalidHi(i), Lo: InvalidLo()}
	}
	return t
}

// Read returns slot i.
func (t *TLB) Read(i int) (hi, lo uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[i]
	return e.Hi, e.Lo
}

// Write stores hi and lo into slot i.
func (t *TLB) Write(hi, lo uint32, i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[i] = Entry{Hi: hi, Lo: lo}
}

// Translate performs the MMU lookup for a user access. It reports false on a
// miss: no valid entry for the page, or a write through a clean entry.
func (t *TLB) Translate(v types.VAddr, write bool) (types.PAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	page := uint32(v) & HiVPage
	for _, e := range t.entries {
		if e.Hi&HiVPage != page || !e.Valid() {
			continue
		}
		if write && !e.Dirty() {
			return 0, false
		}
		return e.PPage() | types.PAddr(v.Offset()), true
	}
	return 0, false
}

// Entries returns a copy of every slot.
func (t *TLB) Entries() [NumEntries]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries
}

// ValidCount returns the number of valid slots.
func (t *TLB) ValidCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Valid() {
			n++
		}
	}
	return n
}

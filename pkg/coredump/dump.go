// Package coredump captures the memory of an address space, encodes it and
// keeps it in a store.
//
// A dump holds the geometry and contents of both regions and the stack,
// copied straight out of physical memory. Dumps are encoded with gob,
// compressed with zstd and sealed with a content digest (BLAKE3 by default,
// Keccak-256 optionally). Three stores are provided: in memory, BoltDB and
// BadgerDB.
package coredump

import (
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

var (
	// ErrNotLoaded is returned when capturing an address space with no frames.
	ErrNotLoaded = errors.New("address space not loaded")

	// ErrNotFound is returned when a dump does not exist.
	ErrNotFound = errors.New("dump not found")

	// ErrCorrupt is returned when a dump fails its digest check.
	ErrCorrupt = errors.New("dump corrupt")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrInvalidKey is returned for a malformed dump key.
	ErrInvalidKey = errors.New("invalid dump key")
)

// Segment is one captured piece of an address space.
type Segment struct {
	Name   string
	VBase  types.VAddr
	NPages uint32
	Data   []byte
}

// Contains reports whether v lies in the segment.
func (s *Segment) Contains(v types.VAddr) bool {
	end := uint64(s.VBase) + uint64(s.NPages)*types.PageSize
	return uint64(v) >= uint64(s.VBase) && uint64(v) < end
}

// Dump is a snapshot of an address space.
type Dump struct {
	ID       types.ASID
	Seq      uint64
	PID      int
	Name     string
	Reason   string
	Time     time.Time
	Hash     Hash
	Digest   string
	Segments []Segment
}

// Key returns the store key of the dump.
func (d *Dump) Key() Key {
	return Key{ID: d.ID, Seq: d.Seq}
}

// Size returns the number of captured bytes.
func (d *Dump) Size() int {
	n := 0
	for _, s := range d.Segments {
		n += len(s.Data)
	}
	return n
}

// Read copies the captured bytes at v into buf. The range must lie inside
// a single segment.
func (d *Dump) Read(v types.VAddr, buf []byte) error {
	for i := range d.Segments {
		s := &d.Segments[i]
		if !s.Contains(v) {
			continue
		}
		off := int(v - s.VBase)
		if off+len(buf) > len(s.Data) {
			return fmt.Errorf("%w: [%v, +%d) leaves segment %s", vm.ErrFault, v, len(buf), s.Name)
		}
		copy(buf, s.Data[off:])
		return nil
	}
	return fmt.Errorf("%w: %v not captured", vm.ErrFault, v)
}

// Capture copies the memory of a loaded address space. The contents are
// read from physical memory directly, without going through any TLB.
func Capture(sys *vm.System, as *vm.AddressSpace, pid int, name, reason string, hash Hash) (*Dump, error) {
	info := as.Info()
	if !info.Loaded {
		return nil, fmt.Errorf("%w: %v", ErrNotLoaded, info.ID)
	}

	d := &Dump{
		ID:     info.ID,
		PID:    pid,
		Name:   name,
		Reason: reason,
		Time:   time.Now().UTC(),
		Hash:   hash,
	}

	mem := sys.RAM()
	for i, r := range info.Regions {
		d.Segments = append(d.Segments, Segment{
			Name:   fmt.Sprintf("region%d", i+1),
			VBase:  r.VBase,
			NPages: r.NPages,
			Data:   append([]byte(nil), mem.Bytes(r.PBase, r.NPages*types.PageSize)...),
		})
	}
	d.Segments = append(d.Segments, Segment{
		Name:   "stack",
		VBase:  types.StackBase,
		NPages: types.StackPages,
		Data:   append([]byte(nil), mem.Bytes(info.StackPBase, types.StackPages*types.PageSize)...),
	})

	if err := d.Seal(); err != nil {
		return nil, err
	}
	return d, nil
}

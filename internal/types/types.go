// Package types defines the address, frame and identifier types shared by the
// bitmapvm packages.
//
// Addresses follow the 32-bit MIPS layout of the teaching kernel: user space
// lives below 0x80000000 and the kernel reaches physical memory through the
// direct-mapped KSEG0 segment starting at that address.
package types

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size constants.
const (
	// PageSize is the frame and page size in bytes.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// ASIDSize is the length of an address-space identifier.
	ASIDSize = 16
)

var (
	// ErrInvalidASID is returned when an address-space identifier has an invalid length.
	ErrInvalidASID = errors.New("invalid asid: must be 16 bytes")
)

// VAddr is a 32-bit virtual address.
type VAddr uint32

// PAddr is a 32-bit physical address.
type PAddr uint32

// PageFrame masks the page number bits of an address.
const PageFrame = 0xfffff000

// String returns the address in hex.
func (v VAddr) String() string {
	return fmt.Sprintf("0x%08x", uint32(v))
}

// PageBase returns the address rounded down to its page.
func (v VAddr) PageBase() VAddr {
	return v & PageFrame
}

// Offset returns the offset of the address inside its page.
func (v VAddr) Offset() uint32 {
	return uint32(v) &^ PageFrame
}

// IsAligned reports whether the address sits on a page boundary.
func (v VAddr) IsAligned() bool {
	return v&PageFrame == v
}

// String returns the address in hex.
func (p PAddr) String() string {
	return fmt.Sprintf("0x%08x", uint32(p))
}

// IsAligned reports whether the address sits on a page boundary.
func (p PAddr) IsAligned() bool {
	return p&PageFrame == p
}

// Frame is a physical frame index.
type Frame uint32

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() PAddr {
	return PAddr(f) << PageShift
}

// FrameOf returns the frame holding the physical address.
func FrameOf(p PAddr) Frame {
	return Frame(p >> PageShift)
}

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor(n uint32) uint32 {
	return (n + PageSize - 1) / PageSize
}

// ASID identifies an address space for the lifetime of the system.
type ASID [ASIDSize]byte

// NewASID returns a random identifier.
func NewASID() ASID {
	var id ASID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("read random asid: %v", err))
	}
	return id
}

// ParseASID parses a base58-encoded identifier.
func ParseASID(s string) (ASID, error) {
	var id ASID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ASIDSize {
		return id, ErrInvalidASID
	}
	copy(id[:], data)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ASID) String() string {
	return base58.Encode(id[:])
}

// IsZero returns true if the identifier is all zeros.
func (id ASID) IsZero() bool {
	return id == ASID{}
}

// Bytes returns the identifier as a byte slice.
func (id ASID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ASID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ASID) UnmarshalText(text []byte) error {
	parsed, err := ParseASID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

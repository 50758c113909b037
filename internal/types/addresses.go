package types

// Memory layout of the simulated MIPS machine.
const (
	// KSeg0 is the base of the kernel direct-mapped segment. Physical
	// address p is reachable from the kernel at KSeg0 + p.
	KSeg0 = VAddr(0x80000000)

	// UserStack is the top of every user stack. The stack grows down from
	// here and ends where the kernel segment starts.
	UserStack = VAddr(0x80000000)

	// StackPages is the fixed size of a user stack in pages. 72 KiB is more
	// than the 64 KiB argument block limit.
	StackPages = 18

	// StackBase is the lowest address of the user stack window.
	StackBase = UserStack - StackPages*PageSize
)

// PAddrToKVAddr returns the kernel virtual address of a physical address.
func PAddrToKVAddr(p PAddr) VAddr {
	return VAddr(p) + KSeg0
}

// KVAddrToPAddr returns the physical address behind a KSEG0 address.
func KVAddrToPAddr(v VAddr) PAddr {
	return PAddr(v - KSeg0)
}

package vm

import (
	"fmt"

	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
)

// CopyIn copies len(dst) bytes of user memory at src into dst, going through
// the TLB of c the way a user access would. Misses are handled by Fault.
func (s *System) CopyIn(c *cpu.CPU, dst []byte, src types.VAddr) error {
	return s.userAccess(c, src, len(dst), false, func(p types.PAddr, off, n int) {
		copy(dst[off:off+n], s.ram.Bytes(p, uint32(n)))
	})
}

// CopyOut copies src into user memory at dst.
func (s *System) CopyOut(c *cpu.CPU, dst types.VAddr, src []byte) error {
	return s.userAccess(c, dst, len(src), true, func(p types.PAddr, off, n int) {
		copy(s.ram.Bytes(p, uint32(n)), src[off:off+n])
	})
}

func (s *System) userAccess(c *cpu.CPU, uaddr types.VAddr, length int, write bool, fn func(p types.PAddr, off, n int)) error {
	if uint64(uaddr)+uint64(length) > uint64(types.UserStack) {
		return fmt.Errorf("%w: [%v, +%d) reaches kernel space", ErrFault, uaddr, length)
	}

	for off := 0; off < length; {
		v := uaddr + types.VAddr(off)
		n := int(types.PageSize - v.Offset())
		if n > length-off {
			n = length - off
		}

		p, err := s.translate(c, v, write)
		if err != nil {
			return err
		}
		fn(p, off, n)
		off += n
	}
	return nil
}

// translate resolves a user address through the TLB, faulting it in on a miss.
func (s *System) translate(c *cpu.CPU, v types.VAddr, write bool) (types.PAddr, error) {
	t := c.TLB()
	if p, ok := t.Translate(v, write); ok {
		return p, nil
	}

	ft := FaultRead
	if write {
		ft = FaultWrite
	}
	if err := s.Fault(c, ft, v); err != nil {
		return 0, err
	}

	if p, ok := t.Translate(v, write); ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: no translation for %v after fault", ErrFault, v)
}

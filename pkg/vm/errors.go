package vm

import "errors"

// Errors returned to the callers of the VM system. Each corresponds to a
// kernel errno (see Errno).
var (
	// ErrNoMem is returned when no physical memory is available.
	ErrNoMem = errors.New("out of memory")

	// ErrFault is returned when an address cannot be mapped.
	ErrFault = errors.New("bad memory reference")

	// ErrInvalid is returned for an unsupported fault type or a region that
	// does not fit in user space.
	ErrInvalid = errors.New("invalid argument")

	// ErrNotImplemented is returned for a third general-purpose region.
	ErrNotImplemented = errors.New("function not implemented")
)

// Kernel errno values.
const (
	ENOSYS = 1
	ENOMEM = 3
	EFAULT = 6
	EINVAL = 8
)

// Errno maps an error from this package to its kernel errno. It returns 0
// for nil and EINVAL for errors it does not know.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoMem):
		return ENOMEM
	case errors.Is(err, ErrFault):
		return EFAULT
	case errors.Is(err, ErrNotImplemented):
		return ENOSYS
	default:
		return EINVAL
	}
}

// Package syscall implements the character I/O and exit system calls on top
// of the VM system.
package syscall

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/proc"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

// Standard file descriptors.
const (
	Stdin  = 0
	Stdout = 1
)

// chunk bounds the kernel buffer used per copy.
const chunk = types.PageSize

// Console is the character device behind Stdin and Stdout.
type Console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewConsole returns a console reading from in and writing to out. Either
// may be nil.
func NewConsole(in io.Reader, out io.Writer) *Console {
	con := &Console{out: out}
	if in != nil {
		con.in = bufio.NewReader(in)
	}
	if con.out == nil {
		con.out = io.Discard
	}
	return con
}

// Handler dispatches system calls for every CPU.
type Handler struct {
	sys     *vm.System
	console *Console
}

// NewHandler returns a system call handler.
func NewHandler(sys *vm.System, console *Console) *Handler {
	return &Handler{sys: sys, console: console}
}

// Read reads up to n bytes from fd into user memory at buf and returns the
// number of bytes read. Only Stdin is readable; other descriptors read
// nothing. The read stops early at end of input.
func (h *Handler) Read(c *cpu.CPU, fd int, buf types.VAddr, n int) (int, error) {
	if fd != Stdin || h.console.in == nil {
		return 0, nil
	}

	h.console.mu.Lock()
	defer h.console.mu.Unlock()

	tmp := make([]byte, min(n, chunk))
	done := 0
	for done < n {
		want := min(n-done, len(tmp))
		got, err := io.ReadFull(h.console.in, tmp[:want])
		if got > 0 {
			if cerr := h.sys.CopyOut(c, buf+types.VAddr(done), tmp[:got]); cerr != nil {
				return done, cerr
			}
			done += got
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return done, fmt.Errorf("console read: %w", err)
		}
	}
	return done, nil
}

// Write writes n bytes of user memory at buf to fd and returns n. Only
// Stdout goes anywhere; data written to other descriptors is dropped.
func (h *Handler) Write(c *cpu.CPU, fd int, buf types.VAddr, n int) (int, error) {
	if fd != Stdout {
		return n, nil
	}

	h.console.mu.Lock()
	defer h.console.mu.Unlock()

	tmp := make([]byte, min(n, chunk))
	for done := 0; done < n; {
		want := min(n-done, len(tmp))
		if err := h.sys.CopyIn(c, tmp[:want], buf+types.VAddr(done)); err != nil {
			return done, err
		}
		if _, err := h.console.out.Write(tmp[:want]); err != nil {
			return done, fmt.Errorf("console write: %w", err)
		}
		done += want
	}
	return n, nil
}

// Exit terminates the process running on c. It does not return to the
// process: the caller must stop running it.
func (h *Handler) Exit(c *cpu.CPU, code int) error {
	p, ok := c.Process().(*proc.Proc)
	if !ok || p == nil {
		return fmt.Errorf("%w: exit with no current process", vm.ErrInvalid)
	}
	proc.Exit(c, p, code)
	return nil
}

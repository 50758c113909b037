package syscall

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/proc"
	"github.com/fortiblox/bitmapvm/pkg/ram"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

const dataBase = types.VAddr(0x10000000)

func setup(t *testing.T, in string) (*Handler, *vm.System, *cpu.CPU, *bytes.Buffer) {
	t.Helper()
	r, err := ram.New(ram.Config{Size: 1 << 20, KernelSize: 64 << 10})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })

	s := vm.New(r, vm.DefaultConfig())
	if err := s.Bootstrap(); err != nil {
		t.Fatal(err)
	}

	c := cpu.New(0)
	as, err := s.CreateAS()
	if err != nil {
		t.Fatal(err)
	}
	as.DefineRegion(c, 0x400000, types.PageSize, true, false, true)
	as.DefineRegion(c, dataBase, 3*types.PageSize, true, true, false)
	if err := as.PrepareLoad(c); err != nil {
		t.Fatal(err)
	}

	p := proc.New(1, "user")
	p.SetAddrSpace(as)
	proc.Switch(c, p)

	var out bytes.Buffer
	return NewHandler(s, NewConsole(strings.NewReader(in), &out)), s, c, &out
}

func TestWriteStdout(t *testing.T) {
	h, s, c, out := setup(t, "")

	msg := bytes.Repeat([]byte("0123456789"), 500)
	if err := s.CopyOut(c, dataBase+10, msg); err != nil {
		t.Fatal(err)
	}

	n, err := h.Write(c, Stdout, dataBase+10, len(msg))
	if err != nil || n != len(msg) {
		t.Fatalf("Write() = %d, %v; want %d", n, err, len(msg))
	}
	if !bytes.Equal(out.Bytes(), msg) {
		t.Errorf("console got %d bytes, want %d", out.Len(), len(msg))
	}
}

func TestWriteOtherFD(t *testing.T) {
	h, _, c, out := setup(t, "")

	n, err := h.Write(c, 2, dataBase, 16)
	if err != nil || n != 16 {
		t.Errorf("Write(fd 2) = %d, %v; want 16, nil", n, err)
	}
	if out.Len() != 0 {
		t.Errorf("console got %q", out.String())
	}
}

func TestWriteBadAddress(t *testing.T) {
	h, _, c, _ := setup(t, "")

	_, err := h.Write(c, Stdout, 0x20000000, 4)
	if !errors.Is(err, vm.ErrFault) {
		t.Errorf("Write() error = %v, want ErrFault", err)
	}
}

func TestRead(t *testing.T) {
	tests := []struct {
		name  string
		input string
		fd    int
		n     int
		want  string
	}{
		{"stdin", "hello", Stdin, 5, "hello"},
		{"short input", "hi", Stdin, 5, "hi"},
		{"other fd", "hello", 3, 5, ""},
		{"nothing", "hello", Stdin, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, s, c, _ := setup(t, tt.input)

			got, err := h.Read(c, tt.fd, dataBase, tt.n)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if got != len(tt.want) {
				t.Fatalf("Read() = %d, want %d", got, len(tt.want))
			}
			buf := make([]byte, got)
			if err := s.CopyIn(c, buf, dataBase); err != nil {
				t.Fatal(err)
			}
			if string(buf) != tt.want {
				t.Errorf("user memory = %q, want %q", buf, tt.want)
			}
		})
	}
}

func TestReadAcrossPages(t *testing.T) {
	input := strings.Repeat("x", 2*types.PageSize)
	h, s, c, _ := setup(t, input)

	got, err := h.Read(c, Stdin, dataBase+100, len(input))
	if err != nil || got != len(input) {
		t.Fatalf("Read() = %d, %v", got, err)
	}
	buf := make([]byte, len(input))
	if err := s.CopyIn(c, buf, dataBase+100); err != nil {
		t.Fatal(err)
	}
	if string(buf) != input {
		t.Error("user memory does not hold the input")
	}
}

func TestExit(t *testing.T) {
	h, s, c, _ := setup(t, "")
	p := c.Process().(*proc.Proc)

	if err := h.Exit(c, 42); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("process did not exit")
	}
	if n := s.Stats().AddrSpaces; n != 0 {
		t.Errorf("AddrSpaces = %d, want 0", n)
	}
	if err := h.Exit(c, 0); !errors.Is(err, vm.ErrInvalid) {
		t.Errorf("Exit() with no process error = %v, want ErrInvalid", err)
	}
}

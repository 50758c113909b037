package loader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/proc"
	"github.com/fortiblox/bitmapvm/pkg/ram"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

func testImage(bigEndian bool) *Image {
	return &Image{
		Entry:     0x400010,
		Machine:   MachineMIPS,
		BigEndian: bigEndian,
		Segments: []Segment{
			{
				VAddr:      0x400000,
				MemSize:    0x1800,
				Data:       bytes.Repeat([]byte{0x27, 0xbd, 0xff, 0xe8}, 0x500),
				Readable:   true,
				Executable: true,
			},
			{
				VAddr:     0x10000100,
				MemSize:   0x2000,
				Data:      []byte("initialized data"),
				Readable:  true,
				Writeable: true,
			},
		},
	}
}

func newTestSystem(t *testing.T) *vm.System {
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
	return s
}

func TestParseRoundTrip(t *testing.T) {
	for _, bigEndian := range []bool{true, false} {
		want := testImage(bigEndian)
		got, err := Parse(BuildELF(want), DefaultConfig())
		if err != nil {
			t.Fatalf("Parse(bigEndian=%v) error = %v", bigEndian, err)
		}

		if got.Entry != want.Entry || got.Machine != want.Machine || got.BigEndian != bigEndian {
			t.Errorf("header = %v/%d/%v, want %v/%d/%v",
				got.Entry, got.Machine, got.BigEndian, want.Entry, want.Machine, bigEndian)
		}
		if len(got.Segments) != len(want.Segments) {
			t.Fatalf("len(Segments) = %d, want %d", len(got.Segments), len(want.Segments))
		}
		for i := range want.Segments {
			g, w := got.Segments[i], want.Segments[i]
			if g.VAddr != w.VAddr || g.MemSize != w.MemSize || !bytes.Equal(g.Data, w.Data) {
				t.Errorf("segment %d = %v/%d/%d bytes, want %v/%d/%d bytes",
					i, g.VAddr, g.MemSize, len(g.Data), w.VAddr, w.MemSize, len(w.Data))
			}
			if g.Readable != w.Readable || g.Writeable != w.Writeable || g.Executable != w.Executable {
				t.Errorf("segment %d permissions differ", i)
			}
		}
	}
}

func TestParseErrors(t *testing.T) {
	valid := BuildELF(testImage(true))

	mutate := func(fn func(b []byte)) []byte {
		b := append([]byte(nil), valid...)
		fn(b)
		return b
	}

	tests := []struct {
		name   string
		data   []byte
		config Config
		want   error
	}{
		{"empty", nil, DefaultConfig(), ErrInvalidELF},
		{"bad magic", mutate(func(b []byte) { b[0] = 0 }), DefaultConfig(), ErrInvalidELF},
		{"64-bit", mutate(func(b []byte) { b[4] = 2 }), DefaultConfig(), ErrUnsupportedClass},
		{"bad encoding", mutate(func(b []byte) { b[5] = 9 }), DefaultConfig(), ErrInvalidELF},
		{"shared object", mutate(func(b []byte) { b[17] = 3 }), DefaultConfig(), ErrUnsupportedType},
		{"x86", mutate(func(b []byte) { b[19] = 3 }), DefaultConfig(), ErrUnsupportedMachine},
		{"too large", valid, Config{MaxSize: 64}, ErrTooLarge},
		{"truncated headers", valid[:ehdrSize+phdrSize], DefaultConfig(), ErrInvalidELF},
		{"truncated data", valid[:ehdrSize+2*phdrSize+16], DefaultConfig(), ErrInvalidSegment},
		{"file larger than memory", mutate(func(b []byte) {
			// First segment's p_memsz.
			copy(b[ehdrSize+20:ehdrSize+24], []byte{0, 0, 0, 1})
		}), DefaultConfig(), ErrInvalidSegment},
		{"kernel address", mutate(func(b []byte) {
			copy(b[ehdrSize+8:ehdrSize+12], []byte{0x80, 0, 0, 0})
		}), DefaultConfig(), ErrInvalidSegment},
		{"no loadable segments", mutate(func(b []byte) {
			b[ehdrSize+3] = 0
			b[ehdrSize+phdrSize+3] = 0
		}), DefaultConfig(), ErrNoSegments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data, tt.config)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := Parse(mutate(func(b []byte) { b[19] = 3 }), Config{Machine: MachineAny}); err != nil {
		t.Errorf("Parse() with any machine error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	s := newTestSystem(t)
	c := cpu.New(0)
	img, err := Parse(BuildELF(testImage(true)), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	p := proc.New(1, "prog")
	prog, err := Load(c, s, p, img)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if prog.Entry != 0x400010 || prog.Stack != types.UserStack {
		t.Errorf("entry, stack = %v, %v", prog.Entry, prog.Stack)
	}
	if p.AddrSpace() != prog.AS || c.Process() != p {
		t.Fatal("loaded process is not current")
	}

	for _, seg := range img.Segments {
		buf := make([]byte, seg.MemSize)
		if err := s.CopyIn(c, buf, seg.VAddr); err != nil {
			t.Fatalf("CopyIn(%v) error = %v", seg.VAddr, err)
		}
		if !bytes.Equal(buf[:len(seg.Data)], seg.Data) {
			t.Errorf("segment at %v does not hold the file bytes", seg.VAddr)
		}
		if !bytes.Equal(buf[len(seg.Data):], make([]byte, int(seg.MemSize)-len(seg.Data))) {
			t.Errorf("segment at %v has a dirty bss", seg.VAddr)
		}
	}

	regions := prog.AS.Regions()
	if regions[1].VBase != 0x10000000 || regions[1].NPages != 3 {
		t.Errorf("data region = %+v, want vbase 0x10000000, 3 pages", regions[1])
	}
}

func TestLoadFailureDestroysAddressSpace(t *testing.T) {
	s := newTestSystem(t)
	c := cpu.New(0)
	free := s.Stats().Frames.Free

	img := testImage(true)
	img.Segments = append(img.Segments, Segment{VAddr: 0x20000000, MemSize: 16})

	p := proc.New(1, "three")
	if _, err := Load(c, s, p, img); !errors.Is(err, vm.ErrNotImplemented) {
		t.Fatalf("Load() error = %v, want ErrNotImplemented", err)
	}
	if p.AddrSpace() != nil {
		t.Error("process kept the failed address space")
	}
	if n := s.Stats().AddrSpaces; n != 0 {
		t.Errorf("AddrSpaces = %d, want 0", n)
	}
	if got := s.Stats().Frames.Free; got != free {
		t.Errorf("Free = %d, want %d", got, free)
	}

	big := testImage(true)
	big.Segments[1].MemSize = 2 << 20
	if _, err := Load(c, s, p, big); !errors.Is(err, vm.ErrNoMem) {
		t.Errorf("Load() of oversized image error = %v, want ErrNoMem", err)
	}
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/bitmapvm/internal/types"
	"github.com/fortiblox/bitmapvm/pkg/coredump"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/loader"
	"github.com/fortiblox/bitmapvm/pkg/proc"
	ksyscall "github.com/fortiblox/bitmapvm/pkg/syscall"
	"github.com/fortiblox/bitmapvm/pkg/vm"
)

// scratchPages is how many stack pages each process touches.
const scratchPages = 8

type namedImage struct {
	name string
	img  *loader.Image
}

// demoImage is a two-segment program: one page of text and a data segment
// whose tail is bss.
func demoImage() *loader.Image {
	text := make([]byte, 64)
	for i := range text {
		text[i] = byte(i)
	}
	return &loader.Image{
		Entry:     0x400000,
		Machine:   loader.MachineMIPS,
		BigEndian: true,
		Segments: []loader.Segment{
			{VAddr: 0x400000, MemSize: uint32(len(text)), Data: text, Readable: true, Executable: true},
			{VAddr: 0x10000000, MemSize: 4 * types.PageSize, Data: []byte("hello from bitmapvm\n"), Readable: true, Writeable: true},
		},
	}
}

// runStats implements dashboard.RunStats.
type runStats struct {
	start   time.Time
	started atomic.Uint64
	exited  atomic.Uint64
	forks   atomic.Uint64

	mu      sync.Mutex
	lastErr error
}

func newRunStats() *runStats {
	return &runStats{start: time.Now()}
}

func (r *runStats) Uptime() time.Duration { return time.Since(r.start) }
func (r *runStats) ProcsStarted() uint64  { return r.started.Load() }
func (r *runStats) ProcsExited() uint64   { return r.exited.Load() }
func (r *runStats) Forks() uint64         { return r.forks.Load() }

func (r *runStats) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *runStats) setError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// workload runs user programs against the VM system.
type workload struct {
	sys     *vm.System
	handler *ksyscall.Handler
	dumps   coredump.Store
	images  []namedImage
	forks   int
	stats   *runStats
	nextPID atomic.Int64
}

func (w *workload) pid() int {
	return int(w.nextPID.Add(1))
}

// runCPU runs n processes back to back on c.
func (w *workload) runCPU(ctx context.Context, c *cpu.CPU, n int) {
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		ni := w.images[(c.ID()+i)%len(w.images)]
		if err := w.runProcess(c, ni); err != nil {
			log.Printf("[%s] %v", c, err)
			w.stats.setError(err)
		}
	}
}

// runProcess loads a program, exercises its address space, forks it and
// exits. A failed run leaves a dump behind.
func (w *workload) runProcess(c *cpu.CPU, ni namedImage) error {
	p := proc.New(w.pid(), ni.name)
	w.stats.started.Add(1)

	prog, err := loader.Load(c, w.sys, p, ni.img)
	if err != nil {
		proc.Exit(c, p, vm.Errno(err))
		w.stats.exited.Add(1)
		return fmt.Errorf("load %s: %w", p, err)
	}

	if err := w.exercise(c, p, ni.img, prog); err != nil {
		w.dump(p, err)
		proc.Switch(c, p)
		proc.Exit(c, p, vm.Errno(err))
		w.stats.exited.Add(1)
		return fmt.Errorf("%s: %w", p, err)
	}

	if err := w.handler.Exit(c, 0); err != nil {
		return fmt.Errorf("%s: exit: %w", p, err)
	}
	w.stats.exited.Add(1)
	return nil
}

func (w *workload) exercise(c *cpu.CPU, p *proc.Proc, img *loader.Image, prog *loader.Program) error {
	// The loaded segments must read back as written.
	for i, seg := range img.Segments {
		n := len(seg.Data)
		if n > types.PageSize {
			n = types.PageSize
		}
		got := make([]byte, n)
		if err := w.sys.CopyIn(c, got, seg.VAddr); err != nil {
			return fmt.Errorf("read segment %d: %w", i, err)
		}
		if !bytes.Equal(got, seg.Data[:n]) {
			return fmt.Errorf("segment %d at %s does not match the image", i, seg.VAddr)
		}
	}

	// Say hello through the console.
	msg := []byte(fmt.Sprintf("%s: entry %s, stack %s\n", p, prog.Entry, prog.Stack))
	scratch := types.StackBase
	if err := w.sys.CopyOut(c, scratch, msg); err != nil {
		return fmt.Errorf("copy out: %w", err)
	}
	if _, err := w.handler.Write(c, ksyscall.Stdout, scratch, len(msg)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	// Fill stack pages with a pattern.
	for i := 0; i < scratchPages; i++ {
		if err := w.sys.CopyOut(c, scratch+types.VAddr(i*types.PageSize), pattern(p.PID(), i)); err != nil {
			return fmt.Errorf("touch page %d: %w", i, err)
		}
	}

	for f := 0; f < w.forks; f++ {
		if err := w.fork(c, p); err != nil {
			return fmt.Errorf("fork %d: %w", f, err)
		}
	}
	return w.verify(c, p.PID())
}

// fork copies the parent's address space into a child, checks the copy,
// scribbles over it and exits the child. The parent must be unaffected.
func (w *workload) fork(c *cpu.CPU, parent *proc.Proc) error {
	as, err := parent.AddrSpace().Copy(c)
	if err != nil {
		return err
	}
	w.stats.forks.Add(1)
	w.stats.started.Add(1)

	child := proc.New(w.pid(), parent.Name())
	child.SetAddrSpace(as)
	proc.Switch(c, child)

	verr := w.verify(c, parent.PID())
	if verr == nil {
		verr = w.sys.CopyOut(c, types.StackBase, bytes.Repeat([]byte{0xff}, types.PageSize))
	}
	if verr != nil {
		w.dump(child, verr)
	}

	if err := w.handler.Exit(c, vm.Errno(verr)); err != nil {
		return err
	}
	w.stats.exited.Add(1)
	proc.Switch(c, parent)
	if verr != nil {
		return fmt.Errorf("child %s: %w", child, verr)
	}
	return nil
}

// verify checks the stack pattern written for pid in the current address space.
func (w *workload) verify(c *cpu.CPU, pid int) error {
	got := make([]byte, types.PageSize)
	for i := 0; i < scratchPages; i++ {
		if err := w.sys.CopyIn(c, got, types.StackBase+types.VAddr(i*types.PageSize)); err != nil {
			return fmt.Errorf("verify page %d: %w", i, err)
		}
		if !bytes.Equal(got, pattern(pid, i)) {
			return fmt.Errorf("stack page %d corrupted", i)
		}
	}
	return nil
}

// dump captures the process's address space into the store.
func (w *workload) dump(p *proc.Proc, reason error) {
	as := p.AddrSpace()
	if as == nil || w.dumps == nil {
		return
	}
	d, err := coredump.Capture(w.sys, as, p.PID(), p.Name(), reason.Error(), coredump.HashBLAKE3)
	if err != nil {
		log.Printf("[dump] capture %s: %v", p, err)
		return
	}
	meta, err := w.dumps.Put(d)
	if err != nil {
		log.Printf("[dump] store %s: %v", p, err)
		return
	}
	log.Printf("[dump] %s saved as %s (%s)", p, meta.Key, meta.Digest)
}

func pattern(pid, page int) []byte {
	return bytes.Repeat([]byte{byte(pid*31 + page)}, types.PageSize)
}

package ram

import (
	"errors"
	"sync"
	"testing"

	"github.com/fortiblox/bitmapvm/internal/types"
)

func newTestRAM(t *testing.T, size, kernel uint32) *RAM {
	t.Helper()
	r, err := New(Config{Size: size, KernelSize: kernel})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"kernel fills ram", Config{Size: 8 * types.PageSize, KernelSize: 8 * types.PageSize}, ErrTooSmall},
		{"too large", Config{Size: MaxSize + types.PageSize, KernelSize: types.PageSize}, ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStealIsMonotonic(t *testing.T) {
	r := newTestRAM(t, 16*types.PageSize, 100)

	if r.Frames() != 16 {
		t.Fatalf("Frames() = %d, want 16", r.Frames())
	}

	// The kernel image rounds up to one page, so the first steal starts at frame 1.
	p1 := r.Steal(2)
	if p1 != types.PageSize {
		t.Errorf("first Steal = %v, want 0x1000", p1)
	}
	p2 := r.Steal(3)
	if p2 != 3*types.PageSize {
		t.Errorf("second Steal = %v, want 0x3000", p2)
	}
	if r.StolenPages() != 5 {
		t.Errorf("StolenPages() = %d, want 5", r.StolenPages())
	}

	// 10 frames remain; 11 does not fit.
	if p := r.Steal(11); p != 0 {
		t.Errorf("oversized Steal = %v, want 0", p)
	}
	if p := r.Steal(10); p != 6*types.PageSize {
		t.Errorf("exact Steal = %v, want 0x6000", p)
	}
	if p := r.Steal(1); p != 0 {
		t.Errorf("Steal on exhausted ram = %v, want 0", p)
	}
	if p := r.Steal(0); p != 0 {
		t.Errorf("Steal(0) = %v, want 0", p)
	}
}

func TestFirstFreeDisablesSteal(t *testing.T) {
	r := newTestRAM(t, 16*types.PageSize, types.PageSize)

	r.Steal(1)
	first := r.FirstFree()
	if first != 2*types.PageSize {
		t.Errorf("FirstFree() = %v, want 0x2000", first)
	}
	if p := r.Steal(1); p != 0 {
		t.Errorf("Steal after FirstFree = %v, want 0", p)
	}
}

func TestConcurrentStealNeverOverlaps(t *testing.T) {
	r := newTestRAM(t, 256*types.PageSize, types.PageSize)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[types.PAddr]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p := r.Steal(1)
				if p == 0 {
					return
				}
				mu.Lock()
				if seen[p] {
					t.Errorf("frame %v stolen twice", p)
				}
				seen[p] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 255 {
		t.Errorf("stole %d frames, want 255", len(seen))
	}
}

func TestZeroAndCopy(t *testing.T) {
	r := newTestRAM(t, 8*types.PageSize, types.PageSize)

	src := r.Bytes(types.PageSize, types.PageSize)
	for i := range src {
		src[i] = byte(i)
	}

	r.Copy(2*types.PageSize, types.PageSize, 1)
	dst := r.Bytes(2*types.PageSize, types.PageSize)
	for i := range dst {
		if dst[i] != byte(i) {
			t.Fatalf("byte %d = %d after Copy, want %d", i, dst[i], byte(i))
		}
	}

	r.Zero(types.PageSize, 1)
	for i, b := range src {
		if b != 0 {
			t.Fatalf("byte %d = %d after Zero", i, b)
		}
	}
}

package tlb

import (
	"testing"

	"github.com/fortiblox/bitmapvm/internal/types"
)

func TestNewIsEmpty(t *testing.T) {
	tl := New()

	if n := tl.ValidCount(); n != 0 {
		t.Errorf("ValidCount() = %d, want 0", n)
	}

	seen := make(map[uint32]bool)
	for i, e := range tl.Entries() {
		if e.Valid() {
			t.Errorf("slot %d valid on a fresh TLB", i)
		}
		if seen[e.Hi] {
			t.Errorf("slot %d hi 0x%x duplicates another slot", i, e.Hi)
		}
		seen[e.Hi] = true
	}
}

func TestTranslate(t *testing.T) {
	tl := New()
	tl.Write(0x00401000, 0x00005000|LoValid|LoDirty, 3)
	tl.Write(0x00402000, 0x00006000|LoValid, 4)

	tests := []struct {
		name   string
		vaddr  types.VAddr
		write  bool
		want   types.PAddr
		wantOK bool
	}{
		{"read hit", 0x00401234, false, 0x5234, true},
		{"write hit", 0x00401ffc, true, 0x5ffc, true},
		{"read clean page", 0x00402010, false, 0x6010, true},
		{"write clean page", 0x00402010, true, 0, false},
		{"miss", 0x00403000, false, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tl.Translate(tt.vaddr, tt.write)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Translate(%v, %v) = %v, %v; want %v, %v", tt.vaddr, tt.write, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestInvalidEntriesNeverTranslate(t *testing.T) {
	tl := New()
	tl.Write(0x00401000, 0x00005000, 0)

	if _, ok := tl.Translate(0x00401000, false); ok {
		t.Error("entry without the valid bit translated")
	}
	if _, ok := tl.Translate(0x00401000, true); ok {
		t.Error("entry without the valid bit translated for write")
	}
}

func TestReadWrite(t *testing.T) {
	tl := New()
	tl.Write(0x1000, 0x2000|LoValid, NumEntries-1)

	hi, lo := tl.Read(NumEntries - 1)
	if hi != 0x1000 || lo != 0x2000|LoValid {
		t.Errorf("Read() = 0x%x, 0x%x", hi, lo)
	}
	if tl.ValidCount() != 1 {
		t.Errorf("ValidCount() = %d, want 1", tl.ValidCount())
	}
}

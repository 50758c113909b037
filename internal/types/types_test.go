package types

import "testing"

func TestASIDRoundTrip(t *testing.T) {
	id := NewASID()
	if id.IsZero() {
		t.Fatal("NewASID returned zero id")
	}

	parsed, err := ParseASID(id.String())
	if err != nil {
		t.Fatalf("ParseASID failed: %v", err)
	}
	if parsed != id {
		t.Errorf("ParseASID = %v, want %v", parsed, id)
	}

	text, _ := id.MarshalText()
	var back ASID
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if back != id {
		t.Errorf("UnmarshalText = %v, want %v", back, id)
	}
}

func TestParseASIDInvalid(t *testing.T) {
	if _, err := ParseASID("2g"); err == nil {
		t.Error("expected error for short id")
	}
	if _, err := ParseASID("0OIl"); err == nil {
		t.Error("expected error for invalid base58")
	}
}

func TestAddressHelpers(t *testing.T) {
	v := VAddr(0x1001)
	if v.PageBase() != 0x1000 {
		t.Errorf("PageBase = %v, want 0x1000", v.PageBase())
	}
	if v.Offset() != 1 {
		t.Errorf("Offset = %d, want 1", v.Offset())
	}
	if v.IsAligned() {
		t.Error("0x1001 should not be aligned")
	}

	f := FrameOf(0x5500)
	if f != 5 {
		t.Errorf("FrameOf(0x5500) = %d, want 5", f)
	}
	if f.Address() != 0x5000 {
		t.Errorf("Frame(5).Address() = %v, want 0x5000", f.Address())
	}

	if PagesFor(1) != 1 || PagesFor(4096) != 1 || PagesFor(4097) != 2 || PagesFor(0) != 0 {
		t.Error("PagesFor rounding is wrong")
	}

	if PAddrToKVAddr(0x2000) != 0x80002000 {
		t.Errorf("PAddrToKVAddr = %v", PAddrToKVAddr(0x2000))
	}
	if KVAddrToPAddr(0x80002000) != 0x2000 {
		t.Errorf("KVAddrToPAddr = %v", KVAddrToPAddr(0x80002000))
	}
	if StackBase != 0x80000000-18*4096 {
		t.Errorf("StackBase = %v", StackBase)
	}
}

package handle

import "testing"

func TestNullHandle(t *testing.T) {
	if !Null.IsNil() {
		t.Fatal("Null must report IsNil")
	}
	if Null.IsRAM(100) || Null.IsDisk(100) {
		t.Fatal("Null must be neither RAM nor disk")
	}
}

func TestRAMDiskClassification(t *testing.T) {
	const diskBase = Handle(100)

	ram := FromRAMIndex(0)
	if !ram.IsRAM(diskBase) || ram.IsDisk(diskBase) {
		t.Fatalf("handle %d: expected RAM, got IsRAM=%v IsDisk=%v", ram, ram.IsRAM(diskBase), ram.IsDisk(diskBase))
	}

	last := FromRAMIndex(98)
	if !last.IsRAM(diskBase) {
		t.Fatalf("handle %d should still be RAM (< diskBase)", last)
	}

	disk := diskBase
	if !disk.IsDisk(diskBase) || disk.IsRAM(diskBase) {
		t.Fatalf("handle %d: expected disk, got IsRAM=%v IsDisk=%v", disk, disk.IsRAM(diskBase), disk.IsDisk(diskBase))
	}
}

func TestRAMIndexRoundTrip(t *testing.T) {
	for _, idx := range []int{0, 1, 41, 255} {
		h := FromRAMIndex(idx)
		if got := h.RAMIndex(); got != idx {
			t.Errorf("FromRAMIndex(%d).RAMIndex() = %d, want %d", idx, got, idx)
		}
	}
}

func TestString(t *testing.T) {
	if Null.String() != "handle(nil)" {
		t.Errorf("Null.String() = %q", Null.String())
	}
	if got := FromRAMIndex(3).String(); got != "handle(4)" {
		t.Errorf("FromRAMIndex(3).String() = %q, want handle(4)", got)
	}
}

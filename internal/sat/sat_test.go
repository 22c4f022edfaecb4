package sat

import (
	"testing"

	"github.com/imxstore/imx/internal/imxerr"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	p := New(4, 32)

	h, err := p.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	used, err := p.IsUsed(h)
	if err != nil || !used {
		t.Fatalf("expected handle to be used, err=%v used=%v", err, used)
	}

	if err := p.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}
	used, err = p.IsUsed(h)
	if err != nil || used {
		t.Fatalf("expected handle to be free after Free, err=%v used=%v", err, used)
	}
}

func TestExhaustion(t *testing.T) {
	p := New(2, 32)

	if _, err := p.Allocate(1); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, err := p.Allocate(1); err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	_, err := p.Allocate(1)
	if imxerr.KindOf(err) != imxerr.NoSpace {
		t.Fatalf("expected NoSpace on third Allocate, got %v", imxerr.KindOf(err))
	}

	st := p.Statistics()
	if st.AllocationFailures != 1 {
		t.Fatalf("AllocationFailures = %d, want 1", st.AllocationFailures)
	}
}

func TestDoubleFree(t *testing.T) {
	p := New(2, 32)
	h, _ := p.Allocate(1)
	if err := p.Free(h); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	err := p.Free(h)
	if imxerr.KindOf(err) != imxerr.InvalidHandle {
		t.Fatalf("expected InvalidHandle on double free, got %v", imxerr.KindOf(err))
	}
}

func TestStatisticsCounters(t *testing.T) {
	p := New(4, 32)
	a, _ := p.Allocate(1)
	_, _ = p.Allocate(1)

	st := p.Statistics()
	if st.Total != 4 || st.Used != 2 || st.Free != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	if err := p.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	st = p.Statistics()
	if st.Used != 1 || st.Peak != 2 {
		t.Fatalf("unexpected stats after free: %+v", st)
	}
}

func TestFullPutFullRoundTrip(t *testing.T) {
	p := New(1, 8)
	h, _ := p.Allocate(1)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := p.PutFull(h, data); err != nil {
		t.Fatalf("PutFull: %v", err)
	}
	got, err := p.Full(h)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Full() = %v, want %v", got, data)
	}
}

func TestReadAtWriteAtBounds(t *testing.T) {
	p := New(1, 8)
	h, _ := p.Allocate(1)

	buf := make([]byte, 4)
	err := p.ReadAt(h, 6, buf, 4)
	if imxerr.KindOf(err) != imxerr.InvalidLength {
		t.Fatalf("expected InvalidLength for out-of-bounds read, got %v", imxerr.KindOf(err))
	}

	err = p.WriteAt(h, 6, buf, 4)
	if imxerr.KindOf(err) != imxerr.InvalidLength {
		t.Fatalf("expected InvalidLength for out-of-bounds write, got %v", imxerr.KindOf(err))
	}
}

func TestIndexOfRejectsNullAndOutOfRange(t *testing.T) {
	p := New(2, 8)

	_, err := p.Full(0)
	if imxerr.KindOf(err) != imxerr.InvalidHandle {
		t.Fatalf("expected InvalidHandle for null handle, got %v", imxerr.KindOf(err))
	}

	_, err = p.Full(99)
	if imxerr.KindOf(err) != imxerr.InvalidHandle {
		t.Fatalf("expected InvalidHandle for out-of-range handle, got %v", imxerr.KindOf(err))
	}
}

package sector

import (
	"testing"

	"github.com/imxstore/imx/internal/imxerr"
)

func TestHeaderRoundTrip(t *testing.T) {
	raw := make([]byte, 32)
	want := Header{
		SensorID: 7,
		Next:     42,
		Count:    3,
		Consumed: 1,
		Type:     uint8(RecordTypeTSD),
	}

	if err := EncodeHeader(raw, want); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	got, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestHeaderTooSmall(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	if imxerr.KindOf(err) != imxerr.InvalidLength {
		t.Fatalf("expected InvalidLength, got %v", imxerr.KindOf(err))
	}
}

func TestIsFree(t *testing.T) {
	if !(Header{}).IsFree() {
		t.Fatal("zero header must be free")
	}
	if (Header{SensorID: 1}).IsFree() {
		t.Fatal("header with a sensor id must not be free")
	}
}

func TestRemaining(t *testing.T) {
	cases := []struct {
		count, consumed uint16
		want            uint16
	}{
		{0, 0, 0},
		{5, 0, 5},
		{5, 5, 0},
		{5, 2, 3},
	}
	for _, c := range cases {
		h := Header{Count: c.count, Consumed: c.consumed}
		if got := h.Remaining(); got != c.want {
			t.Errorf("Header{Count:%d,Consumed:%d}.Remaining() = %d, want %d", c.count, c.consumed, got, c.want)
		}
	}
}

func TestEntriesPerSectorAndPayloadOffset(t *testing.T) {
	n := EntriesPerSector(32, RecordTypeTSD)
	if want := (32 - HeaderSize) / 4; n != want {
		t.Fatalf("EntriesPerSector = %d, want %d", n, want)
	}
	if off := PayloadOffset(2, RecordTypeTSD); off != HeaderSize+2*4 {
		t.Fatalf("PayloadOffset(2, TSD) = %d, want %d", off, HeaderSize+8)
	}
}

func TestRecordTypeSize(t *testing.T) {
	if RecordTypeTSD.Size() != 4 {
		t.Errorf("TSD size = %d, want 4", RecordTypeTSD.Size())
	}
	if RecordTypeEVT.Size() != 8 {
		t.Errorf("EVT size = %d, want 8", RecordTypeEVT.Size())
	}
}

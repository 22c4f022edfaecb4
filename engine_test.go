package imx

import (
	"testing"
	"time"

	"github.com/imxstore/imx/internal/sector"
	"github.com/imxstore/imx/internal/sink"
	"github.com/imxstore/imx/internal/vfs"
)

func newTestEngine(t *testing.T, ramSectors, sectorSize, diskSectorSize int, mem *sink.Memory) *Engine {
	t.Helper()

	cfg := Config{
		RAMSectors:       ramSectors,
		SectorSize:       sectorSize,
		DiskSectorSize:   diskSectorSize,
		StorageRoot:      "store",
		HighWaterPercent: 75,
		LowWaterPercent:  25,
		FS:               vfs.NewMemory(),
		DiskBase:         1000,
	}
	if mem != nil {
		cfg.Sink = mem
	}

	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestAppendReadEraseRoundTrip(t *testing.T) {
	eng := newTestEngine(t, 4, 32, 64, nil)

	for i := byte(0); i < 5; i++ {
		if err := eng.AppendRecord(1, sector.RecordTypeTSD, []byte{i, i, i, i}); err != nil {
			t.Fatalf("AppendRecord(%d): %v", i, err)
		}
	}

	if got := eng.ChainLength(1); got != 5 {
		t.Fatalf("ChainLength = %d, want 5", got)
	}

	for i := byte(0); i < 5; i++ {
		dst := make([]byte, 4)
		if err := eng.ReadOldest(1, sector.RecordTypeTSD, dst); err != nil {
			t.Fatalf("ReadOldest(%d): %v", i, err)
		}
		if dst[0] != i {
			t.Fatalf("ReadOldest(%d) = %v, want first byte %d", i, dst, i)
		}
		if err := eng.EraseOldest(1); err != nil {
			t.Fatalf("EraseOldest(%d): %v", i, err)
		}
	}

	if got := eng.ChainLength(1); got != 0 {
		t.Fatalf("ChainLength after drain = %d, want 0", got)
	}
}

func TestReadWriteRejectLengthExceedingCapacity(t *testing.T) {
	eng := newTestEngine(t, 4, 32, 64, nil)

	h, err := eng.AllocateSector(1)
	if err != nil {
		t.Fatalf("AllocateSector: %v", err)
	}

	buf := make([]byte, 8)
	err = eng.Read(h, 1, 0, buf, 8, 4)
	if KindOf(err) != KindInvalidLength {
		t.Fatalf("Read with length>capacity: got %v, want InvalidLength", KindOf(err))
	}

	err = eng.Write(h, 1, 0, buf, 8, 4)
	if KindOf(err) != KindInvalidLength {
		t.Fatalf("Write with length>capacity: got %v, want InvalidLength", KindOf(err))
	}
}

func TestReadWriteRoundTripWithinCapacity(t *testing.T) {
	eng := newTestEngine(t, 4, 32, 64, nil)

	h, err := eng.AllocateSector(1)
	if err != nil {
		t.Fatalf("AllocateSector: %v", err)
	}

	src := []byte{1, 2, 3, 4}
	if err := eng.Write(h, 1, 16, src, 4, 4); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst := make([]byte, 4)
	if err := eng.Read(h, 1, 16, dst, 4, 4); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(dst) != string(src) {
		t.Fatalf("Read = %v, want %v", dst, src)
	}
}

func TestZeroLengthReadWriteIsNoop(t *testing.T) {
	eng := newTestEngine(t, 4, 32, 64, nil)

	h, err := eng.AllocateSector(1)
	if err != nil {
		t.Fatalf("AllocateSector: %v", err)
	}

	if err := eng.Read(h, 1, 0, nil, 0, 4); err != nil {
		t.Fatalf("zero-length Read: %v", err)
	}
	if err := eng.Write(h, 1, 0, nil, 0, 4); err != nil {
		t.Fatalf("zero-length Write: %v", err)
	}
}

func TestThresholdCrossingEventsEmitted(t *testing.T) {
	mem := sink.NewMemory()
	eng := newTestEngine(t, 10, 32, 64, mem)

	for i := 0; i < 5; i++ {
		if _, err := eng.AllocateSector(1); err != nil {
			t.Fatalf("AllocateSector(%d): %v", i, err)
		}
	}

	if mem.Count(sink.EventThresholdCrossed) == 0 {
		t.Fatal("expected at least one threshold-crossed event after allocating half the pool")
	}
}

func TestStatisticsReflectsUsage(t *testing.T) {
	eng := newTestEngine(t, 4, 32, 64, nil)

	if _, err := eng.AllocateSector(1); err != nil {
		t.Fatalf("AllocateSector: %v", err)
	}

	st := eng.Statistics()
	if st.RAMSectorsUsed != 1 || st.RAMSectorsTotal != 4 {
		t.Fatalf("unexpected statistics: %+v", st)
	}
	if st.UsagePercent() != 25 {
		t.Fatalf("UsagePercent() = %v, want 25", st.UsagePercent())
	}
}

func TestFreshEngineHasEmptyRecoveryReport(t *testing.T) {
	eng := newTestEngine(t, 4, 32, 64, nil)

	report := eng.LastRecoveryReport()
	if report.FilesScanned != 0 || report.ChainsAttached != 0 {
		t.Fatalf("expected an empty recovery report on a fresh store, got %+v", report)
	}
}

func TestTickProgressesTowardIdleOnLightLoad(t *testing.T) {
	eng := newTestEngine(t, 4, 32, 64, nil)

	if err := eng.Tick(time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if eng.TierState().String() != "IDLE" {
		t.Fatalf("TierState() = %v, want IDLE under light load", eng.TierState())
	}
}

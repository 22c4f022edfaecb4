package recovery

import (
	"fmt"
	"testing"

	"github.com/imxstore/imx/internal/chain"
	"github.com/imxstore/imx/internal/diskstore"
	"github.com/imxstore/imx/internal/handle"
	"github.com/imxstore/imx/internal/sat"
	"github.com/imxstore/imx/internal/sector"
	"github.com/imxstore/imx/internal/sink"
	"github.com/imxstore/imx/internal/vfs"
)

const testDiskBase = handle.Handle(1000)

type fakeBackend struct {
	pool *sat.Pool
	disk *diskstore.Manager
}

func (b *fakeBackend) AllocateRAM(sensorID uint32) (handle.Handle, error) { return b.pool.Allocate(sensorID) }
func (b *fakeBackend) FreeRAM(h handle.Handle) error                     { return b.pool.Free(h) }
func (b *fakeBackend) ReadSector(h handle.Handle, sensorID uint32) ([]byte, error) {
	if h.IsDisk(testDiskBase) {
		return b.disk.ReadSlot(h, sensorID)
	}
	return b.pool.Full(h)
}
func (b *fakeBackend) WriteSector(h handle.Handle, sensorID uint32, data []byte) error {
	return b.pool.PutFull(h, data)
}
func (b *fakeBackend) ReleaseDiskIfExhausted(oldHead, newHead handle.Handle, sensorID uint32) error {
	return b.disk.FreeFile(b.disk.BaseOf(oldHead), sensorID)
}

func makeSlot(sensorID uint32, next uint32, count, consumed uint16, val byte) []byte {
	raw := make([]byte, 32)
	hdr := sector.Header{SensorID: sensorID, Next: next, Count: count, Consumed: consumed, Type: uint8(sector.RecordTypeTSD)}
	if err := sector.EncodeHeader(raw, hdr); err != nil {
		panic(err)
	}
	off := sector.PayloadOffset(0, sector.RecordTypeTSD)
	raw[off] = val
	return raw
}

func newDiskManager(t *testing.T, fs vfs.FS) *diskstore.Manager {
	t.Helper()
	m := diskstore.New(diskstore.Config{
		FS:             fs,
		Root:           "store",
		DiskBase:       testDiskBase,
		DiskSectorSize: 64,
		RAMSectorSize:  32,
		FDCacheSize:    4,
	})
	if err := m.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return m
}

func TestRecoveryAttachesFilesInCreationOrder(t *testing.T) {
	fs := vfs.NewMemory()
	disk := newDiskManager(t, fs)

	base1 := disk.AllocateFile()
	if err := disk.WriteBatch(base1, 1, sector.RecordTypeTSD, [][]byte{makeSlot(1, 0, 1, 0, 10)}, 100); err != nil {
		t.Fatalf("WriteBatch base1: %v", err)
	}

	base2 := disk.AllocateFile()
	if err := disk.WriteBatch(base2, 1, sector.RecordTypeTSD, [][]byte{makeSlot(1, 0, 1, 0, 20)}, 50); err != nil {
		t.Fatalf("WriteBatch base2: %v", err)
	}

	backend := &fakeBackend{pool: sat.New(4, 32), disk: disk}
	chains := chain.New(backend, 32, testDiskBase)

	report, err := Run(chains, disk, sink.Noop{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FilesScanned != 2 || report.ChainsAttached != 2 || report.RecordsRecovered != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if got := chains.Length(1); got != 2 {
		t.Fatalf("Length after recovery = %d, want 2", got)
	}

	// base2 was created earlier (CreationTimeMS=50 < 100), so it must be
	// reattached first despite being allocated second.
	dst := make([]byte, 4)
	if err := chains.ReadOldest(1, sector.RecordTypeTSD, dst); err != nil {
		t.Fatalf("ReadOldest: %v", err)
	}
	if dst[0] != 20 {
		t.Fatalf("ReadOldest first byte = %d, want 20 (the older file)", dst[0])
	}
}

func TestRecoverySkipsFullyConsumedFile(t *testing.T) {
	fs := vfs.NewMemory()
	disk := newDiskManager(t, fs)

	base := disk.AllocateFile()
	if err := disk.WriteBatch(base, 1, sector.RecordTypeTSD, [][]byte{makeSlot(1, 0, 1, 1, 0)}, 10); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	backend := &fakeBackend{pool: sat.New(4, 32), disk: disk}
	chains := chain.New(backend, 32, testDiskBase)

	mem := sink.NewMemory()
	report, err := Run(chains, disk, mem, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ChainsAttached != 0 {
		t.Fatalf("expected no chains attached for a fully consumed file, got %d", report.ChainsAttached)
	}
	if mem.Count(sink.EventRecoveryReconciled) != 1 {
		t.Fatal("expected one EventRecoveryReconciled")
	}
}

func TestRecoveryQuarantinesCorruptFile(t *testing.T) {
	fs := vfs.NewMemory()
	disk := newDiskManager(t, fs)

	base := disk.AllocateFile()
	if err := disk.WriteBatch(base, 1, sector.RecordTypeTSD, [][]byte{makeSlot(1, 0, 1, 0, 1)}, 10); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	// Corrupt the payload directly through the filesystem, replicating
	// the manager's own bucket/filename layout (bucket = handle mod 10,
	// name "sector_<handle>_sensor_<id>.imx").
	p := fmt.Sprintf("store/history/%d/sector_%d_sensor_%d.imx", uint32(base)%10, uint32(base), 1)
	f, err := fs.Open(p)
	if err != nil {
		t.Fatalf("Open for corruption: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF, 0xFF}, 50); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	backend := &fakeBackend{pool: sat.New(4, 32), disk: disk}
	chains := chain.New(backend, 32, testDiskBase)

	report, err := Run(chains, disk, sink.Noop{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The corruption is caught by the header/payload checksum at scan
	// time (disk.ScanFiles), before the file would ever reach Run's own
	// valid list, so it never gets attached to a chain.
	if report.FilesScanned != 0 || report.ChainsAttached != 0 {
		t.Fatalf("a corrupt file must not be scanned as valid or attached: %+v", report)
	}

	names, err := disk.QuarantinedFiles()
	if err != nil {
		t.Fatalf("QuarantinedFiles: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected the corrupt file to be quarantined, got %v", names)
	}
}

func TestRecoveryOrphansFilesFromUnknownSensors(t *testing.T) {
	fs := vfs.NewMemory()
	disk := newDiskManager(t, fs)

	base := disk.AllocateFile()
	if err := disk.WriteBatch(base, 7, sector.RecordTypeTSD, [][]byte{makeSlot(7, 0, 1, 0, 1)}, 10); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	backend := &fakeBackend{pool: sat.New(4, 32), disk: disk}
	chains := chain.New(backend, 32, testDiskBase)

	mem := sink.NewMemory()
	isKnown := func(sensorID uint32) bool { return sensorID != 7 }

	report, err := Run(chains, disk, mem, isKnown)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FilesOrphaned != 1 {
		t.Fatalf("FilesOrphaned = %d, want 1", report.FilesOrphaned)
	}
	if report.ChainsAttached != 0 {
		t.Fatalf("a file from an unknown sensor must not be attached, got ChainsAttached=%d", report.ChainsAttached)
	}
	if chains.Length(7) != 0 {
		t.Fatalf("sensor 7's chain length = %d, want 0", chains.Length(7))
	}
	if mem.Count(sink.EventRecoveryOrphan) != 1 {
		t.Fatal("expected one EventRecoveryOrphan")
	}

	// The file itself is retained on disk, available for read by
	// handle, rather than quarantined.
	names, err := disk.QuarantinedFiles()
	if err != nil {
		t.Fatalf("QuarantinedFiles: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("an orphaned file must not be quarantined, got %v", names)
	}
}

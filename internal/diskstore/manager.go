// Package diskstore is the disk file manager: it serializes cold
// chains into bucketed files on disk, computes and verifies checksums,
// and caches file descriptors. Every file is written atomically and
// verified structurally on read before any record inside it is
// trusted.
//
// A disk sector handle addresses one RAM-sized slot directly: the
// file holding it is identified by the slot's *base* handle (the
// handle of slot 0 in that file); any slot handle maps to its file's
// base handle and in-file slot index via integer division and modulo
// on (handle - DiskBase).
package diskstore

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/imxstore/imx/internal/handle"
	"github.com/imxstore/imx/internal/imxerr"
	"github.com/imxstore/imx/internal/sector"
	"github.com/imxstore/imx/internal/sink"
	"github.com/imxstore/imx/internal/vfs"
)

const (
	historyDir   = "history"
	corruptedDir = "corrupted"
	numBuckets   = 10
)

// Manager owns the disk-sector id space and the files backing it. It
// takes a coarse lock around its critical section, mirroring the SAT.
type Manager struct {
	mu sync.Mutex

	fs               vfs.FS
	root             string
	diskBase         handle.Handle
	diskSize         int
	ramSize          int
	requireChecksums bool

	nextBase handle.Handle
	fds      *fdCache
	sink     sink.Sink
}

// Config bundles the disk manager's construction parameters.
type Config struct {
	FS               vfs.FS
	Root             string
	DiskBase         handle.Handle
	DiskSectorSize   int
	RAMSectorSize    int
	FDCacheSize      int
	RequireChecksums bool
	Sink             sink.Sink
}

// New constructs a Manager whose monotone id counter starts at
// cfg.DiskBase. Callers recovering an existing store must follow up
// with ScanFiles before trusting the counter.
func New(cfg Config) *Manager {
	sk := cfg.Sink
	if sk == nil {
		sk = sink.Noop{}
	}
	return &Manager{
		fs:               cfg.FS,
		root:             cfg.Root,
		diskBase:         cfg.DiskBase,
		diskSize:         cfg.DiskSectorSize,
		ramSize:          cfg.RAMSectorSize,
		requireChecksums: cfg.RequireChecksums,
		nextBase:         cfg.DiskBase,
		fds:              newFDCache(cfg.FDCacheSize),
		sink:             sk,
	}
}

// SlotsPerFile returns how many RAM-sized slots one disk file batches.
func (m *Manager) SlotsPerFile() int {
	return m.diskSize / m.ramSize
}

// SlotHandle returns the handle of slot i (0-based) within the file
// based at base.
func (m *Manager) SlotHandle(base handle.Handle, i int) handle.Handle {
	return base + handle.Handle(i)
}

// fileBaseAndSlot maps any slot handle to its file's base handle and
// its in-file slot index.
func (m *Manager) fileBaseAndSlot(h handle.Handle) (handle.Handle, int) {
	rel := uint32(h - m.diskBase)
	perFile := uint32(m.SlotsPerFile())
	fileIndex := rel / perFile
	slotIndex := rel % perFile
	base := m.diskBase + handle.Handle(fileIndex*perFile)
	return base, int(slotIndex)
}

func bucketFor(h handle.Handle) int {
	return int(uint32(h) % numBuckets)
}

func (m *Manager) bucketPath(bucket int) string {
	return path.Join(m.root, historyDir, strconv.Itoa(bucket))
}

func (m *Manager) filePath(base handle.Handle, sensorID uint32) string {
	bucket := bucketFor(base)
	name := fmt.Sprintf("sector_%d_sensor_%d.imx", uint32(base), sensorID)
	return path.Join(m.bucketPath(bucket), name)
}

func (m *Manager) corruptedPath(name string) string {
	return path.Join(m.root, historyDir, corruptedDir, name)
}

// EnsureDirs creates the bucket directories and the corrupted
// quarantine directory.
func (m *Manager) EnsureDirs() error {
	for b := 0; b < numBuckets; b++ {
		if err := m.fs.MkdirAll(m.bucketPath(b)); err != nil {
			return imxerr.Tag(imxerr.IOError, err)
		}
	}
	return m.fs.MkdirAll(path.Join(m.root, historyDir, corruptedDir))
}

// AllocateFile reserves the next contiguous block of SlotsPerFile()
// handles for a new disk file and returns its base handle. The
// monotone counter always advances by a full file's worth of slots,
// even if fewer are used, so that file identity and slot handles never
// collide across files.
func (m *Manager) AllocateFile() handle.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.nextBase
	m.nextBase += handle.Handle(m.SlotsPerFile())
	return base
}

// bumpCounter advances the monotone counter so that it never hands out
// a base handle that collides with an existing file, used by recovery
// when it discovers a file whose base handle is higher than any
// allocated this run.
func (m *Manager) bumpCounter(base handle.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := base + handle.Handle(m.SlotsPerFile())
	if next > m.nextBase {
		m.nextBase = next
	}
}

// WriteBatch serializes slots (each exactly ramSize bytes, already
// carrying their final, post-migration header.Next links) into a v2
// disk file based at base, owned by sensorID. Atomic: written to a
// temp path in the same bucket directory, fsynced, renamed into place,
// directory fsynced — so a crash never leaves a half-written file at
// the final path.
func (m *Manager) WriteBatch(base handle.Handle, sensorID uint32, rt sector.RecordType, slots [][]byte, creationTimeMS uint64) error {
	for _, s := range slots {
		if len(s) != m.ramSize {
			return imxerr.Tagf(imxerr.InvalidLength, "slot size %d != ram sector size %d", len(s), m.ramSize)
		}
	}
	if len(slots) > m.SlotsPerFile() {
		return imxerr.Tagf(imxerr.InvalidLength, "batch of %d slots exceeds %d slots per disk file", len(slots), m.SlotsPerFile())
	}

	entriesPerSlot := sector.EntriesPerSector(m.ramSize, rt)

	hdr := newHeader(sensorID, uint16(len(slots)), uint32(m.ramSize), rt, uint16(entriesPerSlot), creationTimeMS, versionV2)

	payload := m.buildPayload(slots)
	hdr.PayloadChecksum = crc32Of(payload)

	if err := hdr.stampHeaderChecksum(); err != nil {
		return err
	}

	headerRaw, err := encodeHeader(hdr)
	if err != nil {
		return err
	}

	finalPath := m.filePath(base, sensorID)
	bucket := m.bucketPath(bucketFor(base))
	tempPath := path.Join(bucket, fmt.Sprintf(".tmp_%d", uint32(base)))

	f, err := m.fs.Create(tempPath)
	if err != nil {
		return imxerr.WithHandle(imxerr.Tag(imxerr.IOError, err), uint32(base))
	}

	writeErr := func() error {
		if _, err := f.WriteAt(headerRaw, 0); err != nil {
			return err
		}
		if _, err := f.WriteAt(payload, int64(headerSize)); err != nil {
			return err
		}
		return f.Sync()
	}()

	closeErr := f.Close()

	if writeErr != nil || closeErr != nil {
		m.fs.Remove(tempPath)
		if writeErr != nil {
			return imxerr.WithHandle(imxerr.Tag(imxerr.IOError, writeErr), uint32(base))
		}
		return imxerr.WithHandle(imxerr.Tag(imxerr.IOError, closeErr), uint32(base))
	}

	if err := m.fs.Rename(tempPath, finalPath); err != nil {
		m.fs.Remove(tempPath)
		return imxerr.WithHandle(imxerr.Tag(imxerr.IOError, err), uint32(base))
	}
	if err := m.fs.FsyncDir(bucket); err != nil {
		return imxerr.WithHandle(imxerr.Tag(imxerr.IOError, err), uint32(base))
	}

	m.bumpCounter(base)
	return nil
}

// buildPayload lays out the occupancy bitmap followed by each slot's
// bytes, padding unused slot positions with zero.
func (m *Manager) buildPayload(slots [][]byte) []byte {
	numSlots := m.SlotsPerFile()
	occBytes := (numSlots + 7) / 8
	out := make([]byte, occBytes+numSlots*m.ramSize)

	for i, s := range slots {
		out[i/8] |= 1 << uint(i%8)
		copy(out[occBytes+i*m.ramSize:occBytes+(i+1)*m.ramSize], s)
	}
	return out
}

// ReadSlot reads the RAM-sized slot named by h (any slot handle, not
// necessarily a file's base handle) and returns its full S_RAM bytes —
// header and payload both, exactly as a RAM sector's Full() would.
func (m *Manager) ReadSlot(h handle.Handle, sensorID uint32) ([]byte, error) {
	base, slotIndex := m.fileBaseAndSlot(h)

	f, hdr, err := m.openAndVerify(base, sensorID)
	if err != nil {
		return nil, imxerr.WithHandle(err, uint32(h))
	}

	if slotIndex < 0 || slotIndex >= int(hdr.SectorCount) {
		return nil, imxerr.WithHandle(imxerr.Tagf(imxerr.NotFound, "slot %d not present in disk file", slotIndex), uint32(h))
	}

	occBytes := (m.SlotsPerFile() + 7) / 8
	slot := make([]byte, m.ramSize)
	off := int64(headerSize) + int64(occBytes) + int64(slotIndex)*int64(m.ramSize)
	if _, err := f.ReadAt(slot, off); err != nil {
		return nil, imxerr.WithHandle(imxerr.Tag(imxerr.IOError, err), uint32(h))
	}

	return slot, nil
}

// ReadAllSlots returns every batched slot in the disk file based at
// base, in order, used by recovery to attach recovered chains.
func (m *Manager) ReadAllSlots(base handle.Handle, sensorID uint32) ([][]byte, sector.RecordType, error) {
	f, hdr, err := m.openAndVerify(base, sensorID)
	if err != nil {
		return nil, 0, err
	}

	occBytes := (m.SlotsPerFile() + 7) / 8
	slots := make([][]byte, hdr.SectorCount)
	for i := range slots {
		slot := make([]byte, m.ramSize)
		off := int64(headerSize) + int64(occBytes) + int64(i)*int64(m.ramSize)
		if _, err := f.ReadAt(slot, off); err != nil {
			return nil, 0, imxerr.WithHandle(imxerr.Tag(imxerr.IOError, err), uint32(base))
		}
		slots[i] = slot
	}

	return slots, sector.RecordType(hdr.RecordType), nil
}

func (m *Manager) openAndVerify(base handle.Handle, sensorID uint32) (vfs.File, fileHeader, error) {
	if f, ok := m.fds.get(base); ok {
		hdr, err := m.readHeader(f, base)
		if err != nil {
			return nil, fileHeader{}, err
		}
		return f, hdr, nil
	}

	p := m.filePath(base, sensorID)
	f, err := m.fs.Open(p)
	if err != nil {
		return nil, fileHeader{}, imxerr.WithHandle(imxerr.Tagf(imxerr.NotFound, "disk file not found: %v", err), uint32(base))
	}

	hdr, err := m.readHeader(f, base)
	if err != nil {
		f.Close()
		if imxerr.KindOf(err) == imxerr.ChecksumMismatch {
			m.quarantineLocked(p, base)
		}
		return nil, fileHeader{}, err
	}

	m.fds.put(base, f)
	return f, hdr, nil
}

func (m *Manager) readHeader(f vfs.File, base handle.Handle) (fileHeader, error) {
	raw := make([]byte, headerSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return fileHeader{}, imxerr.WithHandle(imxerr.Tag(imxerr.IOError, err), uint32(base))
	}

	hdr, err := decodeHeader(raw)
	if err != nil {
		return fileHeader{}, imxerr.WithHandle(err, uint32(base))
	}

	if m.requireChecksums || hdr.Version == versionV2 {
		payload := make([]byte, payloadSize(hdr.Version, m.ramSize, m.SlotsPerFile()))
		if _, err := f.ReadAt(payload, int64(headerSize)); err != nil {
			return fileHeader{}, imxerr.WithHandle(imxerr.Tag(imxerr.IOError, err), uint32(base))
		}
		if sum := crc32Of(payload); sum != hdr.PayloadChecksum {
			return fileHeader{}, imxerr.WithHandle(imxerr.Tagf(imxerr.ChecksumMismatch, "payload checksum mismatch: got 0x%08x want 0x%08x", sum, hdr.PayloadChecksum), uint32(base))
		}
	}

	return hdr, nil
}

func payloadSize(version uint16, ramSize, slotsPerFile int) int {
	if version == versionV1 {
		return ramSize
	}
	occBytes := (slotsPerFile + 7) / 8
	return occBytes + slotsPerFile*ramSize
}

// FreeFile unlinks the file based at base.
func (m *Manager) FreeFile(base handle.Handle, sensorID uint32) error {
	m.fds.evict(base)

	p := m.filePath(base, sensorID)
	if err := m.fs.Remove(p); err != nil {
		return imxerr.WithHandle(imxerr.Tag(imxerr.IOError, err), uint32(base))
	}
	return nil
}

// SameFile reports whether a and b are slot handles belonging to the
// same disk file.
func (m *Manager) SameFile(a, b handle.Handle) bool {
	baseA, _ := m.fileBaseAndSlot(a)
	baseB, _ := m.fileBaseAndSlot(b)
	return baseA == baseB
}

// BaseOf exposes fileBaseAndSlot's base-handle half for callers (the
// engine's dispatch layer) that need to know which file a slot handle belongs to
// without reaching into package-private fields.
func (m *Manager) BaseOf(h handle.Handle) handle.Handle {
	base, _ := m.fileBaseAndSlot(h)
	return base
}

// Quarantine moves the file based at h into the corrupted/ directory
// so it cannot be read again while remaining available for forensics.
func (m *Manager) Quarantine(h handle.Handle, sensorID uint32) error {
	base, _ := m.fileBaseAndSlot(h)
	p := m.filePath(base, sensorID)
	return m.quarantineLocked(p, base)
}

func (m *Manager) quarantineLocked(p string, base handle.Handle) error {
	m.fds.evict(base)

	name := pathBase(p)
	dest := m.corruptedPath(name)
	if err := m.fs.Rename(p, dest); err != nil {
		return imxerr.WithHandle(imxerr.Tag(imxerr.IOError, err), uint32(base))
	}

	m.sink.Emit(sink.Event{
		Type:    sink.EventQuarantine,
		Time:    time.Now(),
		Handle:  uint32(base),
		HaveH:   true,
		Message: "quarantined corrupt disk file",
		Fields:  map[string]interface{}{"path": p},
	})
	return nil
}

func pathBase(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// QuarantinedFiles lists the names of every file currently sitting in
// the corrupted/ directory.
func (m *Manager) QuarantinedFiles() ([]string, error) {
	names, err := m.fs.ReadDir(path.Join(m.root, historyDir, corruptedDir))
	if err != nil {
		return nil, imxerr.Tag(imxerr.IOError, err)
	}
	return names, nil
}

// Shutdown closes every cached file descriptor.
func (m *Manager) Shutdown() {
	m.fds.closeAll()
}

// Package chain presents per-sensor singly-linked chains of sectors
// over the extended-handle space. Append places records into the tail
// sector, allocating a new RAM sector from the Backend when the
// current tail is full; read-oldest and erase-oldest operate on the
// head, which may have migrated to disk.
//
// Concurrent reads and writes on the same chain are not supported: the
// store is called from a single process loop, per the concurrency
// model. The allocator beneath it is the only shared, internally
// locked state.
package chain

import (
	"sync"

	"github.com/imxstore/imx/internal/handle"
	"github.com/imxstore/imx/internal/imxerr"
	"github.com/imxstore/imx/internal/sector"
)

// Backend is everything the chain store needs from the layers below
// it: RAM allocation from the SAT, and generic sector read/write that
// transparently dispatches between RAM and disk (the extended-sector
// layer). The engine implements this by composing sat.Pool and
// diskstore.Manager.
type Backend interface {
	AllocateRAM(sensorID uint32) (handle.Handle, error)
	FreeRAM(h handle.Handle) error
	ReadSector(h handle.Handle, sensorID uint32) ([]byte, error)
	WriteSector(h handle.Handle, sensorID uint32, data []byte) error

	// ReleaseDiskIfExhausted is called once a disk-resident head has
	// had all of its batched records consumed. oldHead and newHead are
	// both slot handles (or newHead may be Null); the engine frees the
	// underlying file only when newHead is not part of the same file
	// as oldHead, since a file's later slots are consumed in place
	// without another round trip through the chain store.
	ReleaseDiskIfExhausted(oldHead, newHead handle.Handle, sensorID uint32) error
}

// state is one sensor's chain bookkeeping. headConsumed overlays
// hdr.Consumed for a disk-resident head: disk files are written once
// and never patched in place, so in-progress consumption of a disk
// slot is tracked here instead, and is lost (along with the rest of
// RAM) on an unclean restart — recovery reattaches disk files with
// each slot's consumed count as it stood at migration time, which is
// the documented recovery semantics.
//
// recordType is fixed by the chain's first append (or by recovery, for
// a chain reconstructed from disk) and never changes afterward: a
// chain's sectors all carry the same tag, and every later call naming
// a different type is a caller bug, not a silent reinterpretation of
// already-written bytes.
type state struct {
	head           handle.Handle
	tail           handle.Handle
	length         int
	headConsumed   int
	headConsumedOK bool
	recordType     sector.RecordType
}

// checkType establishes st's record type on a chain's first use and
// rejects any later call naming a different one. A mismatch would
// otherwise compute payload offsets with the wrong record size against
// already-written bytes, corrupting reads and writes silently instead
// of failing.
func (s *Store) checkType(st *state, sensorID uint32, rt sector.RecordType) error {
	if st.recordType == sector.RecordTypeUnset {
		st.recordType = rt
		return nil
	}
	if st.recordType != rt {
		return imxerr.WithSensor(imxerr.Tagf(imxerr.InvalidLength,
			"record type %d does not match sensor %d's established type %d", rt, sensorID, st.recordType), sensorID)
	}
	return nil
}

// Store holds every sensor's chain state. It is not internally
// synchronized per-chain; callers using multiple threads must
// serialize operations on the same sensor chain themselves.
type Store struct {
	backend  Backend
	ramSize  int
	diskBase handle.Handle

	mu     sync.Mutex // guards the chains map itself, not per-chain state
	chains map[uint32]*state
}

// New constructs an empty chain store fronting backend, whose RAM
// sectors are ramSize bytes each. diskBase is the first handle value
// that identifies a disk-resident slot, per the extended-handle
// layout.
func New(backend Backend, ramSize int, diskBase handle.Handle) *Store {
	return &Store{
		backend:  backend,
		ramSize:  ramSize,
		diskBase: diskBase,
		chains:   make(map[uint32]*state),
	}
}

func (s *Store) stateFor(sensorID uint32) *state {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.chains[sensorID]
	if !ok {
		st = &state{}
		s.chains[sensorID] = st
	}
	return st
}

// Sensors returns every sensor id the store currently knows about
// (including empty chains that have been touched before), used by the
// tiered controller to walk chain heads.
func (s *Store) Sensors() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uint32, 0, len(s.chains))
	for id := range s.chains {
		out = append(out, id)
	}
	return out
}

// Head returns the current head handle for sensorID (handle.Null if
// empty).
func (s *Store) Head(sensorID uint32) handle.Handle {
	return s.stateFor(sensorID).head
}

// Tail returns the current tail handle for sensorID (handle.Null if
// empty).
func (s *Store) Tail(sensorID uint32) handle.Handle {
	return s.stateFor(sensorID).tail
}

// Length returns the number of unconsumed records across the whole
// chain for sensorID.
func (s *Store) Length(sensorID uint32) int {
	return s.stateFor(sensorID).length
}

// HeadIsRAM reports whether sensorID's chain head is currently a RAM
// sector. The tiered controller only selects chains whose head is
// RAM-resident for migration: once a head has moved to disk, its
// successor link was baked into the immutable disk slot at migration
// time, and migrating a deeper RAM run while that link is still live
// would leave the disk slot's Next pointing at a handle that could be
// freed and reused out from under it. Restricting migration to the
// head keeps every Next pointer, RAM or disk, valid for as long as
// anything still references it.
func (s *Store) HeadIsRAM(sensorID uint32) bool {
	st := s.stateFor(sensorID)
	return !st.head.IsNil() && st.head.IsRAM(s.diskBase)
}

// Append places record (exactly rt.Size() bytes) at the tail of
// sensorID's chain, allocating a new RAM sector if the current tail is
// full. Returns imxerr.NoSpace if the SAT is exhausted; the tiered
// controller gets a chance to spill cold chains before the caller
// retries.
func (s *Store) Append(sensorID uint32, rt sector.RecordType, record []byte) error {
	if len(record) != rt.Size() {
		return imxerr.WithSensor(imxerr.Tagf(imxerr.InvalidLength, "record size %d != record type size %d", len(record), rt.Size()), sensorID)
	}

	st := s.stateFor(sensorID)
	if err := s.checkType(st, sensorID, rt); err != nil {
		return err
	}

	if st.tail.IsNil() {
		return s.appendNewTail(st, sensorID, rt, record)
	}

	raw, err := s.backend.ReadSector(st.tail, sensorID)
	if err != nil {
		return imxerr.WithSensor(err, sensorID)
	}

	hdr, err := sector.DecodeHeader(raw)
	if err != nil {
		return imxerr.WithSensor(err, sensorID)
	}

	entriesPerSector := sector.EntriesPerSector(s.ramSize, rt)
	if int(hdr.Count) < entriesPerSector {
		off := sector.PayloadOffset(int(hdr.Count), rt)
		copy(raw[off:off+rt.Size()], record)
		hdr.Count++
		if err := sector.EncodeHeader(raw, hdr); err != nil {
			return imxerr.WithSensor(err, sensorID)
		}
		if err := s.backend.WriteSector(st.tail, sensorID, raw); err != nil {
			return imxerr.WithSensor(err, sensorID)
		}
		st.length++
		return nil
	}

	return s.appendNewTail(st, sensorID, rt, record)
}

// appendNewTail allocates a fresh RAM sector, links the previous tail
// to it (if any), and writes record as its first entry.
func (s *Store) appendNewTail(st *state, sensorID uint32, rt sector.RecordType, record []byte) error {
	newHandle, err := s.backend.AllocateRAM(sensorID)
	if err != nil {
		return imxerr.WithSensor(err, sensorID)
	}

	raw := make([]byte, s.ramSize)
	hdr := sector.Header{
		SensorID: sensorID,
		Next:     0,
		Count:    1,
		Consumed: 0,
		Type:     uint8(rt),
	}
	if err := sector.EncodeHeader(raw, hdr); err != nil {
		s.backend.FreeRAM(newHandle)
		return imxerr.WithSensor(err, sensorID)
	}
	off := sector.PayloadOffset(0, rt)
	copy(raw[off:off+rt.Size()], record)

	if err := s.backend.WriteSector(newHandle, sensorID, raw); err != nil {
		s.backend.FreeRAM(newHandle)
		return imxerr.WithSensor(err, sensorID)
	}

	if !st.tail.IsNil() {
		if err := s.linkNext(st.tail, sensorID, newHandle); err != nil {
			return imxerr.WithSensor(err, sensorID)
		}
	}

	if st.head.IsNil() {
		st.head = newHandle
	}
	st.tail = newHandle
	st.length++
	return nil
}

// linkNext rewrites h's header.Next field. Only ever called on a RAM
// handle: h is always the previous tail, and the tail never migrates
// to disk (only the head does).
func (s *Store) linkNext(h handle.Handle, sensorID uint32, next handle.Handle) error {
	raw, err := s.backend.ReadSector(h, sensorID)
	if err != nil {
		return err
	}
	hdr, err := sector.DecodeHeader(raw)
	if err != nil {
		return err
	}
	hdr.Next = uint32(next)
	if err := sector.EncodeHeader(raw, hdr); err != nil {
		return err
	}
	return s.backend.WriteSector(h, sensorID, raw)
}

// headHeader returns the head sector's decoded header together with
// the consumed count that should actually be used — the in-memory
// overlay for a disk head, or the header's own field for RAM.
func (s *Store) headHeader(st *state, sensorID uint32) (sector.Header, []byte, int, error) {
	raw, err := s.backend.ReadSector(st.head, sensorID)
	if err != nil {
		return sector.Header{}, nil, 0, err
	}
	hdr, err := sector.DecodeHeader(raw)
	if err != nil {
		return sector.Header{}, nil, 0, err
	}

	consumed := int(hdr.Consumed)
	isDisk := st.head.IsDisk(s.diskBase)
	if isDisk && st.headConsumedOK {
		consumed = st.headConsumed
	}
	return hdr, raw, consumed, nil
}

// ReadOldest copies the oldest unconsumed record into dst (which must
// be exactly rt.Size() bytes). Returns imxerr.NotFound if the chain is
// empty.
func (s *Store) ReadOldest(sensorID uint32, rt sector.RecordType, dst []byte) error {
	st := s.stateFor(sensorID)
	if st.head.IsNil() {
		return imxerr.WithSensor(imxerr.Tagf(imxerr.NotFound, "chain is empty"), sensorID)
	}
	if err := s.checkType(st, sensorID, rt); err != nil {
		return err
	}

	hdr, raw, consumed, err := s.headHeader(st, sensorID)
	if err != nil {
		return imxerr.WithSensor(err, sensorID)
	}
	if consumed >= int(hdr.Count) {
		return imxerr.WithSensor(imxerr.Tagf(imxerr.CorruptState, "head sector has no unconsumed records"), sensorID)
	}

	off := sector.PayloadOffset(consumed, rt)
	copy(dst[:rt.Size()], raw[off:off+rt.Size()])
	return nil
}

// EraseOldest consumes the oldest unconsumed record from sensorID's
// chain. When the head sector's records are all consumed, it is
// unlinked: a RAM head is freed back to the SAT directly, a disk head
// is released through the backend, which unlinks the underlying file
// once its last slot has been drained.
func (s *Store) EraseOldest(sensorID uint32) error {
	st := s.stateFor(sensorID)
	if st.head.IsNil() {
		return imxerr.WithSensor(imxerr.Tagf(imxerr.NotFound, "chain is empty"), sensorID)
	}

	hdr, raw, consumed, err := s.headHeader(st, sensorID)
	if err != nil {
		return imxerr.WithSensor(err, sensorID)
	}
	if consumed >= int(hdr.Count) {
		return imxerr.WithSensor(imxerr.Tagf(imxerr.CorruptState, "head sector has no unconsumed records"), sensorID)
	}

	consumed++
	st.length--

	oldHead := st.head
	isDisk := oldHead.IsDisk(s.diskBase)

	if consumed < int(hdr.Count) {
		if isDisk {
			st.headConsumed = consumed
			st.headConsumedOK = true
			return nil
		}

		hdr.Consumed = uint16(consumed)
		if err := sector.EncodeHeader(raw, hdr); err != nil {
			return imxerr.WithSensor(err, sensorID)
		}
		return s.backend.WriteSector(oldHead, sensorID, raw)
	}

	next := handle.Handle(hdr.Next)
	st.head = next
	st.headConsumedOK = false
	if next.IsNil() {
		st.tail = handle.Null
	}

	if isDisk {
		if err := s.backend.ReleaseDiskIfExhausted(oldHead, next, sensorID); err != nil {
			return imxerr.WithSensor(err, sensorID)
		}
		return nil
	}

	if err := s.backend.FreeRAM(oldHead); err != nil {
		return imxerr.WithSensor(err, sensorID)
	}
	return nil
}

// DetachHeadBatch removes up to n sectors from the front of sensorID's
// chain (used by the tiered controller to migrate cold sectors to
// disk in one file) and returns their raw bytes and handles, in
// head-to-tail order, along with the handle that should become the
// chain's new head once the migration is durable. The chain's own head
// pointer is left untouched until CompleteMigration runs — the RAM
// sectors stay live and readable while the disk file is being written.
//
// Only ever called when HeadIsRAM reports true; every handle it walks
// is therefore guaranteed RAM, since a chain's head transitions
// RAM-to-disk only at its current front, never mid-chain. Never
// detaches the chain's current tail: the tail is the sector Append
// writes into, and a disk slot is immutable, so leaving at least the
// tail in RAM keeps future appends possible without special-casing a
// disk-resident tail.
func (s *Store) DetachHeadBatch(sensorID uint32, n int) (handles []handle.Handle, raws [][]byte, newHead handle.Handle, err error) {
	st := s.stateFor(sensorID)

	cur := st.head
	for i := 0; i < n && !cur.IsNil() && cur != st.tail; i++ {
		raw, rerr := s.backend.ReadSector(cur, sensorID)
		if rerr != nil {
			return nil, nil, handle.Null, imxerr.WithSensor(rerr, sensorID)
		}
		hdr, herr := sector.DecodeHeader(raw)
		if herr != nil {
			return nil, nil, handle.Null, imxerr.WithSensor(herr, sensorID)
		}

		handles = append(handles, cur)
		raws = append(raws, raw)
		cur = handle.Handle(hdr.Next)
	}

	return handles, raws, cur, nil
}

// CompleteMigration finalizes a migration of the sectors previously
// returned by DetachHeadBatch: it points sensorID's head at diskHead
// and frees the detached RAM sectors. Called only after the disk file
// is durable. The disk file's own slots already carry the correct
// Next links (including the final slot's link to newRAMHead) — the
// tiered controller bakes those in before writing, since disk headers
// are never rewritten after they're made durable.
func (s *Store) CompleteMigration(sensorID uint32, detached []handle.Handle, newRAMHead handle.Handle, diskHead handle.Handle) error {
	st := s.stateFor(sensorID)

	st.head = diskHead
	st.headConsumedOK = false
	if newRAMHead.IsNil() {
		st.tail = diskHead
	}

	for _, h := range detached {
		if err := s.backend.FreeRAM(h); err != nil {
			return imxerr.WithSensor(err, sensorID)
		}
	}

	return nil
}

// AttachRecovered appends a recovered disk handle to sensorID's chain
// tail, used by the recovery subsystem to reattach files discovered on
// disk in on-disk creation-time order. count is the number of
// unconsumed records the disk sector holds; rt is the record type
// decoded from the recovered sector's own header, which fixes the
// chain's type the same way a live first append would.
func (s *Store) AttachRecovered(sensorID uint32, diskHandle handle.Handle, count int, rt sector.RecordType) {
	st := s.stateFor(sensorID)

	if st.recordType == sector.RecordTypeUnset {
		st.recordType = rt
	}
	if st.head.IsNil() {
		st.head = diskHandle
	}
	st.tail = diskHandle
	st.length += count
}

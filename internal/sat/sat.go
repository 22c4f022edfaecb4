// Package sat implements the Sector Allocation Table: a fixed-size
// bitmap over the RAM sector pool plus per-sector metadata, statistics,
// and the RAM pool's backing storage itself.
//
// The bitmap + popcount technique is grounded on NebulousLabs/Sia's
// storageFolder.Usage []uint32 field and its SWAR numSetBits helper
// (other_examples/...storagefolders.go); adapted here from []uint32 to
// []uint64 words scanned with math/bits, and from "storage folder
// capacity" to "RAM sector pool capacity".
package sat

import (
	"errors"
	"sync"

	"github.com/imxstore/imx/internal/handle"
	"github.com/imxstore/imx/internal/imxerr"
	"github.com/imxstore/imx/internal/sector"
)

// Meta is the per-sector metadata the SAT tracks alongside the
// occupancy bit. It mirrors the owning-sensor field that also lives
// in the sector's on-disk header; the SAT's copy is the
// fast path for allocation bookkeeping, the sector header is the
// durable copy.
type Meta struct {
	SensorID uint32
	Used     bool
}

// Stats is an eventually-consistent snapshot of allocator counters.
// Derived quantities (usage percentage, fragmentation) are computed on
// demand rather than maintained incrementally.
type Stats struct {
	Total             int
	Used              int
	Free              int
	Peak              int
	AllocationFailures uint64
}

// UsagePercent returns used/total as a percentage in [0,100].
func (s Stats) UsagePercent() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Used) / float64(s.Total)
}

// Pool is the RAM sector pool and its SAT. It owns N_RAM fixed-size
// byte buffers plus the bitmap and metadata table governing them. One
// mutex guards the whole table, per the concurrency model's "the SAT
// ... take[s] a coarse lock around [its] critical section."
type Pool struct {
	mu sync.Mutex

	sectorSize int
	words      []uint64
	meta       []Meta
	storage    [][]byte

	hint int

	used               int
	peak               int
	allocationFailures uint64
}

// New allocates a Pool with n sectors of sectorSize bytes each, all
// initially free.
func New(n, sectorSize int) *Pool {
	wordCount := (n + 63) / 64
	p := &Pool{
		sectorSize: sectorSize,
		words:      make([]uint64, wordCount),
		meta:       make([]Meta, n),
		storage:    make([][]byte, n),
	}
	for i := range p.storage {
		p.storage[i] = make([]byte, sectorSize)
	}
	return p
}

// Count returns the number of RAM sectors in the pool.
func (p *Pool) Count() int {
	return len(p.meta)
}

// SectorSize returns the configured RAM sector size in bytes.
func (p *Pool) SectorSize() int {
	return p.sectorSize
}

func (p *Pool) bitSet(i int) bool {
	return p.words[i/64]&(1<<uint(i%64)) != 0
}

func (p *Pool) setBit(i int) {
	p.words[i/64] |= 1 << uint(i%64)
}

func (p *Pool) clearBit(i int) {
	p.words[i/64] &^= 1 << uint(i%64)
}

// Allocate scans the bitmap from a rotating hint, wrapping around and
// tie-breaking on the lowest id after the wrap, per the allocator's
// scan-from-hint policy (spreads ids across the pool rather than
// always reusing the same low indexes). Returns handle.Null and bumps
// the allocation-failure counter if the pool is full.
func (p *Pool) Allocate(sensorID uint32) (handle.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.meta)
	for step := 0; step < n; step++ {
		i := (p.hint + step) % n
		if !p.bitSet(i) {
			p.setBit(i)
			p.meta[i] = Meta{SensorID: sensorID, Used: true}
			for j := range p.storage[i] {
				p.storage[i][j] = 0
			}

			p.hint = (i + 1) % n
			p.used++
			if p.used > p.peak {
				p.peak = p.used
			}
			return handle.FromRAMIndex(i), nil
		}
	}

	p.allocationFailures++
	return handle.Null, imxerr.Tag(imxerr.NoSpace, errNoSpace)
}

var errNoSpace = errors.New("sector allocation table exhausted")

// Free releases h back to the pool, zeroing its metadata and header
// per the data model's invariant that a free sector's header is zero.
func (p *Pool) Free(h handle.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(h)
	if err != nil {
		return err
	}

	if !p.bitSet(i) {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidHandle, "double free of handle"), uint32(h))
	}

	p.clearBit(i)
	p.meta[i] = Meta{}
	for j := range p.storage[i] {
		p.storage[i][j] = 0
	}
	p.used--

	return nil
}

// MarkUsed forces the bit for h to set without altering the used
// count's invariants if it's already set; it exists for recovery and
// for tests that need to pre-seed allocator state.
func (p *Pool) MarkUsed(h handle.Handle, sensorID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(h)
	if err != nil {
		return err
	}

	if !p.bitSet(i) {
		p.setBit(i)
		p.used++
		if p.used > p.peak {
			p.peak = p.used
		}
	}
	p.meta[i].SensorID = sensorID
	p.meta[i].Used = true
	return nil
}

// IsUsed reports whether h is currently allocated.
func (p *Pool) IsUsed(h handle.Handle) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(h)
	if err != nil {
		return false, err
	}
	return p.bitSet(i), nil
}

func (p *Pool) indexOf(h handle.Handle) (int, error) {
	if h.IsNil() {
		return 0, imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidHandle, "null handle"), uint32(h))
	}
	i := h.RAMIndex()
	if i < 0 || i >= len(p.meta) {
		return 0, imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidHandle, "handle out of RAM range"), uint32(h))
	}
	return i, nil
}

// Statistics returns an eventually-consistent snapshot of the
// allocator's counters.
func (p *Pool) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Total:              len(p.meta),
		Used:               p.used,
		Free:               len(p.meta) - p.used,
		Peak:               p.peak,
		AllocationFailures: p.allocationFailures,
	}
}

// Fragmentation reports the count of maximal runs of set bits divided
// by the total number of set bits, a cheap proxy that rises with chain
// interleaving. It is not contractual and may be refined without
// breaking callers.
func (p *Pool) Fragmentation() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	runs := 0
	set := 0
	prev := false
	for i := 0; i < len(p.meta); i++ {
		cur := p.bitSet(i)
		if cur {
			set++
			if !prev {
				runs++
			}
		}
		prev = cur
	}
	if set == 0 {
		return 0
	}
	return float64(runs) / float64(set)
}

// ReadAt copies length bytes starting at byteOffset within the RAM
// sector named by h into dst. The RAM path never blocks.
func (p *Pool) ReadAt(h handle.Handle, byteOffset int, dst []byte, length int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(h)
	if err != nil {
		return err
	}
	if !p.bitSet(i) {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.NotFound, "sector not allocated"), uint32(h))
	}
	if byteOffset < 0 || byteOffset+length > p.sectorSize {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidLength, "read out of sector bounds"), uint32(h))
	}

	copy(dst[:length], p.storage[i][byteOffset:byteOffset+length])
	return nil
}

// WriteAt copies length bytes from src into the RAM sector named by h
// starting at byteOffset.
func (p *Pool) WriteAt(h handle.Handle, byteOffset int, src []byte, length int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(h)
	if err != nil {
		return err
	}
	if !p.bitSet(i) {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.NotFound, "sector not allocated"), uint32(h))
	}
	if byteOffset < 0 || byteOffset+length > p.sectorSize {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidLength, "write out of sector bounds"), uint32(h))
	}

	copy(p.storage[i][byteOffset:byteOffset+length], src[:length])
	return nil
}

// Full returns a copy of the entire RAM-sized buffer for h.
func (p *Pool) Full(h handle.Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(h)
	if err != nil {
		return nil, err
	}
	if !p.bitSet(i) {
		return nil, imxerr.WithHandle(imxerr.Tagf(imxerr.NotFound, "sector not allocated"), uint32(h))
	}

	out := make([]byte, p.sectorSize)
	copy(out, p.storage[i])
	return out, nil
}

// PutFull overwrites the entire RAM-sized buffer for h.
func (p *Pool) PutFull(h handle.Handle, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(h)
	if err != nil {
		return err
	}
	if !p.bitSet(i) {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.NotFound, "sector not allocated"), uint32(h))
	}
	if len(data) != p.sectorSize {
		return imxerr.Tagf(imxerr.InvalidLength, "expected %d bytes, got %d", p.sectorSize, len(data))
	}

	copy(p.storage[i], data)
	return nil
}

// Header decodes the sector header for h directly from the pool (a
// convenience used by the chain store and the tiered controller so
// they don't need to round-trip through Full just to inspect a
// header).
func (p *Pool) Header(h handle.Handle) (sector.Header, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(h)
	if err != nil {
		return sector.Header{}, err
	}
	if !p.bitSet(i) {
		return sector.Header{}, imxerr.WithHandle(imxerr.Tagf(imxerr.NotFound, "sector not allocated"), uint32(h))
	}

	return sector.DecodeHeader(p.storage[i])
}

// SensorOf returns the owning sensor id recorded in the SAT's
// metadata table for h, bypassing a full header decode.
func (p *Pool) SensorOf(h handle.Handle) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(h)
	if err != nil {
		return 0, err
	}
	return p.meta[i].SensorID, nil
}

// Package imx is the tiered sector storage engine: a persistent store
// for fixed-size time-series and event records on resource-constrained
// gateways. It wires the SAT, the chain store, the disk file manager,
// the tiered controller, and crash recovery behind a small set of
// public operations.
//
// *Engine holds every collaborator in one struct, constructed once via
// New, with every exported method that returns an error recovering
// panics into Kind-tagged errors at its own boundary rather than
// letting an invariant violation escape as a bare panic.
package imx

import (
	"sync"
	"time"

	"github.com/imxstore/imx/internal/chain"
	"github.com/imxstore/imx/internal/diskstore"
	"github.com/imxstore/imx/internal/handle"
	"github.com/imxstore/imx/internal/imxerr"
	"github.com/imxstore/imx/internal/recovery"
	"github.com/imxstore/imx/internal/sat"
	"github.com/imxstore/imx/internal/sector"
	"github.com/imxstore/imx/internal/sink"
	"github.com/imxstore/imx/internal/tier"
)

// Engine is the storage engine. Exported methods are safe for
// concurrent use from multiple goroutines for allocate/free/read/write
// (the SAT and disk manager each hold their own lock); per-sensor
// append/read-oldest/erase-oldest calls on the *same* sensor must be
// serialized by the caller.
type Engine struct {
	cfg   Config
	sink  sink.Sink
	pool  *sat.Pool
	disk  *diskstore.Manager
	chain *chain.Store
	tier  *tier.Controller

	lastRecovery recovery.Report

	thresholdMu     sync.Mutex
	thresholdBucket int
}

// New constructs and initializes an Engine: validates cfg, creates the
// RAM pool and disk manager, runs crash recovery synchronously before
// returning, and wires the tiered controller. There is no separate
// Init call — a zero-value *Engine is not usable.
func New(cfg Config) (eng *Engine, err error) {
	defer imxerr.Recover(&err, cfg.Debug)

	if cerr := cfg.check(); cerr != nil {
		return nil, cerr
	}

	pool := sat.New(cfg.RAMSectors, cfg.SectorSize)

	disk := diskstore.New(diskstore.Config{
		FS:               cfg.FS,
		Root:             cfg.StorageRoot,
		DiskBase:         cfg.DiskBase,
		DiskSectorSize:   cfg.DiskSectorSize,
		RAMSectorSize:    cfg.SectorSize,
		FDCacheSize:      cfg.FDCacheSize,
		RequireChecksums: cfg.RequireChecksums,
		Sink:             cfg.Sink,
	})
	if derr := disk.EnsureDirs(); derr != nil {
		return nil, derr
	}

	e := &Engine{cfg: cfg, sink: cfg.Sink, pool: pool, disk: disk}

	e.chain = chain.New(e, cfg.SectorSize, cfg.DiskBase)

	report, rerr := recovery.Run(e.chain, disk, cfg.Sink, knownSensorPredicate(cfg.KnownSensors))
	if rerr != nil {
		return nil, rerr
	}
	e.lastRecovery = report

	e.tier = tier.New(tier.Config{
		Chains:       e.chain,
		Disk:         disk,
		Allocator:    allocatorAdapter{e},
		Sink:         cfg.Sink,
		HighWaterPct: cfg.HighWaterPercent,
		LowWaterPct:  cfg.LowWaterPercent,
		BatchSectors: cfg.BatchSectors,
	})

	return e, nil
}

// knownSensorPredicate builds a recovery.IsKnownSensor from a static
// allowlist. A nil/empty list returns nil, which recovery.Run treats
// as "every sensor is known."
func knownSensorPredicate(known []uint32) recovery.IsKnownSensor {
	if len(known) == 0 {
		return nil
	}
	set := make(map[uint32]bool, len(known))
	for _, id := range known {
		set[id] = true
	}
	return func(sensorID uint32) bool { return set[sensorID] }
}

// Shutdown releases the disk manager's cached file descriptors. flush
// requests one final tick before closing so an in-progress migration
// gets a chance to complete; it does not block past that single tick.
func (e *Engine) Shutdown(flush bool) (err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)

	if flush {
		if terr := e.tier.Tick(time.Now()); terr != nil {
			return terr
		}
	}
	e.disk.Shutdown()
	return nil
}

// AllocateSector allocates one RAM sector for sensorID directly from
// the SAT, bypassing the chain store. Most callers should use
// AppendRecord instead; this exists for callers managing sectors
// outside the chain abstraction.
func (e *Engine) AllocateSector(sensorID uint32) (h handle.Handle, err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)
	return e.AllocateRAM(sensorID)
}

// Free releases h. RAM handles return to the SAT; disk handles unlink
// their backing file (sensorID is required to resolve the file path).
func (e *Engine) Free(h handle.Handle, sensorID uint32) (err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)

	if h.IsRAM(e.cfg.DiskBase) {
		return e.FreeRAM(h)
	}
	return e.disk.FreeFile(e.disk.BaseOf(h), sensorID)
}

// Read copies length bytes starting at byteOffset within the sector
// named by h into dst, dispatching between RAM and disk. Rejects
// length > capacity unconditionally before touching dst or the backing
// sector.
func (e *Engine) Read(h handle.Handle, sensorID uint32, byteOffset int, dst []byte, length, capacity int) (err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)

	if length > capacity {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidLength, "length %d exceeds capacity %d", length, capacity), uint32(h))
	}
	if length == 0 {
		return nil
	}
	if len(dst) < length {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidLength, "destination buffer shorter than length"), uint32(h))
	}

	full, rerr := e.ReadSector(h, sensorID)
	if rerr != nil {
		return imxerr.WithHandle(rerr, uint32(h))
	}
	if byteOffset < 0 || byteOffset+length > len(full) {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidLength, "read out of sector bounds"), uint32(h))
	}

	copy(dst[:length], full[byteOffset:byteOffset+length])
	return nil
}

// Write copies length bytes from src into the sector named by h
// starting at byteOffset. Only RAM handles are writable through this
// path; see WriteSector.
func (e *Engine) Write(h handle.Handle, sensorID uint32, byteOffset int, src []byte, length, capacity int) (err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)

	if length > capacity {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidLength, "length %d exceeds capacity %d", length, capacity), uint32(h))
	}
	if length == 0 {
		return nil
	}
	if len(src) < length {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidLength, "source buffer shorter than length"), uint32(h))
	}

	full, rerr := e.ReadSector(h, sensorID)
	if rerr != nil {
		return imxerr.WithHandle(rerr, uint32(h))
	}
	if byteOffset < 0 || byteOffset+length > len(full) {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidLength, "write out of sector bounds"), uint32(h))
	}

	copy(full[byteOffset:byteOffset+length], src[:length])
	return e.WriteSector(h, sensorID, full)
}

// AppendRecord appends record (exactly rt.Size() bytes) to sensorID's
// chain. On NoSpace, ticks the tiered controller inline until it is
// back in Idle, giving it one cycle to spill cold chains, and retries
// exactly once.
func (e *Engine) AppendRecord(sensorID uint32, rt sector.RecordType, record []byte) (err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)

	e.tier.RegisterSensor(sensorID, rt)

	aerr := e.chain.Append(sensorID, rt, record)
	if aerr == nil {
		return nil
	}
	if imxerr.KindOf(aerr) != imxerr.NoSpace {
		return aerr
	}

	// A single Tick advances the controller by one state, so keep
	// ticking until the cycle it starts (if any) has finished.
	for {
		if terr := e.tier.Tick(time.Now()); terr != nil {
			return terr
		}
		if e.tier.State() == tier.Idle {
			break
		}
	}

	return e.chain.Append(sensorID, rt, record)
}

// ReadOldest copies the oldest unconsumed record of sensorID's chain
// into dst.
func (e *Engine) ReadOldest(sensorID uint32, rt sector.RecordType, dst []byte) (err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)
	return e.chain.ReadOldest(sensorID, rt, dst)
}

// EraseOldest consumes the oldest unconsumed record of sensorID's
// chain.
func (e *Engine) EraseOldest(sensorID uint32) (err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)
	return e.chain.EraseOldest(sensorID)
}

// ChainLength returns the number of unconsumed records in sensorID's
// chain.
func (e *Engine) ChainLength(sensorID uint32) int {
	return e.chain.Length(sensorID)
}

// ChainHead returns sensorID's current head handle, for introspection.
func (e *Engine) ChainHead(sensorID uint32) handle.Handle {
	return e.chain.Head(sensorID)
}

// ChainTail returns sensorID's current tail handle, for introspection.
func (e *Engine) ChainTail(sensorID uint32) handle.Handle {
	return e.chain.Tail(sensorID)
}

// QuarantinedFiles lists the names of files currently quarantined
// under <root>/history/corrupted/.
func (e *Engine) QuarantinedFiles() (names []string, err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)
	return e.disk.QuarantinedFiles()
}

// Tick advances the tiered controller by one bounded step, using now as
// the migration timestamp recorded on any disk file it writes.
func (e *Engine) Tick(now time.Time) (err error) {
	defer imxerr.Recover(&err, e.cfg.Debug)
	return e.tier.Tick(now)
}

// CancelFlush requests that an in-progress migration cycle stop at
// the next tick boundary.
func (e *Engine) CancelFlush() {
	e.tier.Cancel()
}

// FlushProgress returns 0..101: monotone non-decreasing within one
// flush cycle, 101 exactly when the cycle has nothing left to migrate.
func (e *Engine) FlushProgress() int {
	return e.tier.Progress()
}

// TierState exposes the controller's current state, used by
// cmd/imxctl's introspection and by tests asserting the state machine
// transitions correctly.
func (e *Engine) TierState() tier.State {
	return e.tier.State()
}

// LastRecoveryReport returns the summary of the recovery scan that ran
// during New.
func (e *Engine) LastRecoveryReport() recovery.Report {
	return e.lastRecovery
}

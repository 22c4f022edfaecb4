// Package tier implements the tiered spill controller: a state
// machine that scans RAM-resident chain heads, picks the coldest ones
// once occupancy crosses the high-water mark, and migrates them to
// disk in single-file batches until occupancy drops back below the
// low-water mark. Tick walks this one bounded step at a time rather
// than recursing to completion, so a caller can interleave it with
// other work instead of blocking for an entire migration cycle.
package tier

import (
	"sort"
	"sync"
	"time"

	"github.com/imxstore/imx/internal/chain"
	"github.com/imxstore/imx/internal/diskstore"
	"github.com/imxstore/imx/internal/imxerr"
	"github.com/imxstore/imx/internal/sector"
	"github.com/imxstore/imx/internal/sink"
)

// State is one of the controller's four states.
type State int

const (
	Idle State = iota
	Scanning
	Migrating
	Cancelling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Scanning:
		return "SCANNING"
	case Migrating:
		return "MIGRATING"
	case Cancelling:
		return "CANCELLING"
	default:
		return "UNKNOWN"
	}
}

// SensorInfo is the minimal per-sensor metadata the controller needs
// to decode a detached sector's record type: a sensor id paired with
// the record type its chain holds.
type SensorInfo struct {
	SensorID   uint32
	RecordType sector.RecordType
}

// Allocator is the subset of sat.Pool the controller needs to compute
// occupancy.
type Allocator interface {
	Statistics() (used, total int)
}

// Config bundles the controller's construction parameters.
type Config struct {
	Chains       *chain.Store
	Disk         *diskstore.Manager
	Allocator    Allocator
	Sink         sink.Sink
	HighWaterPct int // default 80
	LowWaterPct  int // default 60
	BatchSectors int // sectors per migration step, <= disk.SlotsPerFile()
}

// Controller drives RAM-to-disk migration across ticks. Not safe for
// concurrent Tick/Cancel calls; the engine serializes access through
// its own single-process loop, matching the chain store's concurrency
// model.
type Controller struct {
	mu sync.Mutex

	chains    *chain.Store
	disk      *diskstore.Manager
	allocator Allocator
	sink      sink.Sink

	highWater    int
	lowWater     int
	batchSectors int

	state    State
	progress int // 0..100, 101 once a migration cycle fully completes

	queue       []uint32
	sensorTypes map[uint32]sector.RecordType
	cancelReq   bool
}

// New constructs a Controller in the Idle state.
func New(cfg Config) *Controller {
	high := cfg.HighWaterPct
	if high <= 0 {
		high = 80
	}
	low := cfg.LowWaterPct
	if low <= 0 {
		low = 60
	}
	batch := cfg.BatchSectors
	if batch <= 0 {
		batch = cfg.Disk.SlotsPerFile()
	}
	if batch > cfg.Disk.SlotsPerFile() {
		batch = cfg.Disk.SlotsPerFile()
	}

	sk := cfg.Sink
	if sk == nil {
		sk = sink.Noop{}
	}

	return &Controller{
		chains:       cfg.Chains,
		disk:         cfg.Disk,
		allocator:    cfg.Allocator,
		sink:         sk,
		highWater:    high,
		lowWater:     low,
		batchSectors: batch,
		state:        Idle,
		sensorTypes:  make(map[uint32]sector.RecordType),
	}
}

// RegisterSensor tells the controller what record type sensorID's
// chain holds, needed to decode detached sector headers during a
// migration. The engine calls this whenever a sensor is first seen.
func (c *Controller) RegisterSensor(sensorID uint32, rt sector.RecordType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensorTypes[sensorID] = rt
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns 0..100 during an active migration cycle, or 101
// once the most recently completed cycle finished (whether it reached
// the low-water mark or ran out of migratable chains); 0 if no cycle
// has ever run.
func (c *Controller) Progress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Tick advances the controller by one bounded step: in Idle, checks
// whether occupancy has crossed the high-water mark and transitions
// to Scanning; in Scanning, ranks eligible chains by head age and
// transitions to Migrating; in Migrating, migrates one batch from the
// front of the queue; in Cancelling, finishes unwinding and returns to
// Idle. now is stamped on any disk file a migration step writes. Safe
// to call on a fixed period from the engine's main loop.
func (c *Controller) Tick(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Idle:
		return c.tickIdle()
	case Scanning:
		return c.tickScanning()
	case Migrating:
		return c.tickMigrating(now)
	case Cancelling:
		c.state = Idle
		c.progress = 101
		c.cancelReq = false
		c.emit("cancel complete")
		return nil
	default:
		return imxerr.Tagf(imxerr.CorruptState, "tiered controller in unknown state %d", c.state)
	}
}

func (c *Controller) occupancyPct() int {
	used, total := c.allocator.Statistics()
	if total == 0 {
		return 0
	}
	return used * 100 / total
}

func (c *Controller) tickIdle() error {
	if c.occupancyPct() < c.highWater {
		return nil
	}
	c.state = Scanning
	c.progress = 0
	c.emit("entering SCANNING: occupancy above high-water mark")
	return nil
}

// tickScanning ranks RAM-headed chains as a proxy for head age:
// the head is always the oldest data a chain holds, so the controller
// doesn't need wall-clock timestamps per sector. Ranking chains by
// current length (a longer backlog implies an older, colder head
// relative to its own append rate) is the simplest faithful proxy.
func (c *Controller) tickScanning() error {
	type candidate struct {
		sensorID uint32
		length   int
	}

	var candidates []candidate
	for _, sid := range c.chains.Sensors() {
		if !c.chains.HeadIsRAM(sid) {
			continue
		}
		length := c.chains.Length(sid)
		if length == 0 {
			continue
		}
		candidates = append(candidates, candidate{sid, length})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].length > candidates[j].length
	})

	c.queue = c.queue[:0]
	for _, cand := range candidates {
		c.queue = append(c.queue, cand.sensorID)
	}

	c.state = Migrating
	c.emit("entering MIGRATING")
	return nil
}

func (c *Controller) tickMigrating(now time.Time) error {
	if c.cancelReq {
		c.state = Cancelling
		c.emit("entering CANCELLING")
		return nil
	}

	if c.occupancyPct() < c.lowWater || len(c.queue) == 0 {
		c.state = Idle
		c.progress = 101
		c.emit("migration cycle complete")
		return nil
	}

	sensorID := c.queue[0]
	c.queue = c.queue[1:]

	rt, ok := c.sensorTypes[sensorID]
	if !ok {
		return nil
	}

	if err := c.migrateOne(sensorID, rt, now); err != nil {
		return err
	}

	total := len(c.queue) + 1
	done := total - len(c.queue)
	c.progress = done * 100 / total
	return nil
}

func (c *Controller) migrateOne(sensorID uint32, rt sector.RecordType, now time.Time) error {
	detached, raws, newRAMHead, err := c.chains.DetachHeadBatch(sensorID, c.batchSectors)
	if err != nil {
		return err
	}
	if len(detached) == 0 {
		return nil
	}

	base := c.disk.AllocateFile()

	slots := make([][]byte, len(raws))
	for i, raw := range raws {
		slot := make([]byte, len(raw))
		copy(slot, raw)

		hdr, err := sector.DecodeHeader(slot)
		if err != nil {
			return err
		}
		if i < len(slots)-1 {
			hdr.Next = uint32(c.disk.SlotHandle(base, i+1))
		} else {
			hdr.Next = uint32(newRAMHead)
		}
		if err := sector.EncodeHeader(slot, hdr); err != nil {
			return err
		}
		slots[i] = slot
	}

	nowMillis := uint64(now.UnixNano() / int64(time.Millisecond))

	if err := c.disk.WriteBatch(base, sensorID, rt, slots, nowMillis); err != nil {
		return err
	}

	diskHead := c.disk.SlotHandle(base, 0)
	if err := c.chains.CompleteMigration(sensorID, detached, newRAMHead, diskHead); err != nil {
		return err
	}

	c.emit("migrated batch to disk")
	return nil
}

// Cancel requests that an in-progress migration cycle stop at the next
// tick boundary; already-written disk batches remain durable (a
// migration step either completes in full or not at all, so there is
// nothing to roll back) but no further sectors are detached. A no-op
// if the controller is Idle.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Scanning || c.state == Migrating {
		c.cancelReq = true
	}
}

func (c *Controller) emit(msg string) {
	c.sink.Emit(sink.Event{
		Type:    sink.EventTierTransition,
		Time:    time.Now(),
		Message: msg,
		Fields:  map[string]interface{}{"state": c.state.String()},
	})
}

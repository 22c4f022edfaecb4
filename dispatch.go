package imx

import (
	"time"

	"github.com/imxstore/imx/internal/handle"
	"github.com/imxstore/imx/internal/imxerr"
	"github.com/imxstore/imx/internal/sink"
)

// The methods in this file implement chain.Backend on *Engine, and
// tier.Allocator through allocatorAdapter, making *Engine the single
// dispatch point between the RAM pool and the disk manager. Read/Write generalize the chain store's narrow
// ReadSector/WriteSector needs into the full (handle, byte_offset,
// buffer, length, buffer_capacity) contract exposed publicly as
// Engine.Read/Engine.Write.

func (e *Engine) AllocateRAM(sensorID uint32) (handle.Handle, error) {
	h, err := e.pool.Allocate(sensorID)
	if err != nil {
		e.sink.Emit(allocationFailureEvent(sensorID))
	}
	e.checkThreshold()
	return h, err
}

func (e *Engine) FreeRAM(h handle.Handle) error {
	err := e.pool.Free(h)
	e.checkThreshold()
	return err
}

// checkThreshold emits a structured event whenever RAM occupancy
// crosses a 10% boundary in either direction.
func (e *Engine) checkThreshold() {
	used, total := e.tierStatistics()
	if total == 0 {
		return
	}
	bucket := used * 10 / total

	e.thresholdMu.Lock()
	crossed := bucket != e.thresholdBucket
	e.thresholdBucket = bucket
	e.thresholdMu.Unlock()

	if crossed {
		e.sink.Emit(sink.Event{
			Type:    sink.EventThresholdCrossed,
			Time:    time.Now(),
			Message: "RAM occupancy crossed a 10% threshold",
			Fields:  map[string]interface{}{"occupancy_percent": bucket * 10},
		})
	}
}

// ReadSector returns the full RAM-sized buffer for h, dispatching on
// handle range, minus the caller-supplied offset/length (chain.Backend
// always wants the whole sector; Read applies the offset/length
// slicing on top of this).
func (e *Engine) ReadSector(h handle.Handle, sensorID uint32) ([]byte, error) {
	if h.IsRAM(e.cfg.DiskBase) {
		return e.pool.Full(h)
	}
	return e.disk.ReadSlot(h, sensorID)
}

// WriteSector overwrites the full RAM-sized buffer for h. Only valid
// for RAM handles: disk slots are written once, in a batch, by the
// tiered controller, and are never rewritten afterward.
func (e *Engine) WriteSector(h handle.Handle, sensorID uint32, data []byte) error {
	if !h.IsRAM(e.cfg.DiskBase) {
		return imxerr.WithHandle(imxerr.Tagf(imxerr.InvalidHandle, "disk sectors are immutable after migration"), uint32(h))
	}
	return e.pool.PutFull(h, data)
}

// ReleaseDiskIfExhausted frees the disk file backing oldHead once the
// chain store has drained its last unconsumed record, but only if
// newHead belongs to a different file (or is null) — oldHead's file
// may still hold further slots the chain hasn't reached yet.
func (e *Engine) ReleaseDiskIfExhausted(oldHead, newHead handle.Handle, sensorID uint32) error {
	if !newHead.IsNil() && e.disk.SameFile(oldHead, newHead) {
		return nil
	}
	return e.disk.FreeFile(e.disk.BaseOf(oldHead), sensorID)
}

// tierStatistics returns used/total RAM sector counts, the occupancy
// the controller's water marks are compared against; allocatorAdapter
// exposes it as tier.Allocator's Statistics.
func (e *Engine) tierStatistics() (used, total int) {
	st := e.pool.Statistics()
	return st.Used, st.Total
}

type allocatorAdapter struct{ e *Engine }

func (a allocatorAdapter) Statistics() (used, total int) {
	return a.e.tierStatistics()
}

// Package recovery rebuilds chain state from on-disk files after a
// restart. It never inspects on-disk Next pointers: a sensor's disk
// files are reattached to its chain strictly in on-disk creation-time
// order, which is sufficient to reconstruct record ordering even if an
// in-progress migration's final linking step never ran before the
// crash (the chain store's own in-memory state is gone; only the
// durable files matter on restart).
package recovery

import (
	"sort"
	"time"

	"github.com/imxstore/imx/internal/chain"
	"github.com/imxstore/imx/internal/diskstore"
	"github.com/imxstore/imx/internal/imxerr"
	"github.com/imxstore/imx/internal/sector"
	"github.com/imxstore/imx/internal/sink"
)

// Report summarizes a recovery run.
type Report struct {
	FilesScanned     int
	FilesQuarantined int
	FilesOrphaned    int
	// ChainsAttached counts recovered files attached to a chain; a
	// sensor with several files counts once per file.
	ChainsAttached   int
	RecordsRecovered int
}

// IsKnownSensor reports whether sensorID is one the engine should
// attach recovered files to. A nil predicate treats every sensor as
// known, preserving the pre-allowlist behavior of attaching anything
// found on disk.
type IsKnownSensor func(sensorID uint32) bool

// Run scans every disk file under disk's root, groups the valid ones
// by sensor, and reattaches each known sensor's files to chains in
// creation-time order. A file whose header is valid but whose sensor
// id is not in isKnown is retained on disk (readable by handle, not
// quarantined) and logged rather than attached, since linking it to a
// chain for a sensor the engine doesn't expect would misattribute
// records on the next append to that id. Idempotent: calling it again
// after a clean shutdown (with no new files written) reattaches the
// same chains in the same order, since ordering is derived entirely
// from on-disk creation timestamps, not process state.
func Run(chains *chain.Store, disk *diskstore.Manager, sk sink.Sink, isKnown IsKnownSensor) (Report, error) {
	if sk == nil {
		sk = sink.Noop{}
	}
	if isKnown == nil {
		isKnown = func(uint32) bool { return true }
	}

	valid, err := disk.ScanFiles()
	if err != nil {
		return Report{}, imxerr.Tag(imxerr.IOError, err)
	}

	bySensor := make(map[uint32][]diskstore.FileInfo)
	for _, fi := range valid {
		bySensor[fi.SensorID] = append(bySensor[fi.SensorID], fi)
	}

	report := Report{FilesScanned: len(valid)}

	sensorIDs := make([]uint32, 0, len(bySensor))
	for sid := range bySensor {
		sensorIDs = append(sensorIDs, sid)
	}
	sort.Slice(sensorIDs, func(i, j int) bool { return sensorIDs[i] < sensorIDs[j] })

	for _, sid := range sensorIDs {
		files := bySensor[sid]
		sort.Slice(files, func(i, j int) bool {
			return files[i].CreationTimeMS < files[j].CreationTimeMS
		})

		if !isKnown(sid) {
			for _, fi := range files {
				sk.Emit(sink.Event{
					Type:     sink.EventRecoveryOrphan,
					Time:     time.Now(),
					SensorID: fi.SensorID,
					HaveSID:  true,
					Handle:   uint32(fi.Handle),
					HaveH:    true,
					Message:  "recovered disk file belongs to an unknown sensor, not attached to a chain",
				})
				report.FilesOrphaned++
			}
			continue
		}

		for _, fi := range files {
			slots, _, err := disk.ReadAllSlots(fi.Handle, fi.SensorID)
			if err != nil {
				disk.Quarantine(fi.Handle, fi.SensorID)
				report.FilesQuarantined++
				continue
			}

			count := 0
			var rt sector.RecordType
			for _, slot := range slots {
				hdr, err := sector.DecodeHeader(slot)
				if err != nil {
					continue
				}
				rt = sector.RecordType(hdr.Type)
				count += int(hdr.Remaining())
			}

			if count == 0 {
				sk.Emit(sink.Event{
					Type:     sink.EventRecoveryReconciled,
					Time:     time.Now(),
					SensorID: fi.SensorID,
					HaveSID:  true,
					Handle:   uint32(fi.Handle),
					HaveH:    true,
					Message:  "recovered disk file has no unconsumed records, skipped",
				})
				continue
			}

			chains.AttachRecovered(fi.SensorID, fi.Handle, count, rt)
			report.ChainsAttached++
			report.RecordsRecovered += count
		}
	}

	return report, nil
}

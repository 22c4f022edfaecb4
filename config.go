package imx

import (
	"github.com/imxstore/imx/internal/handle"
	"github.com/imxstore/imx/internal/imxerr"
	"github.com/imxstore/imx/internal/sector"
	"github.com/imxstore/imx/internal/sink"
	"github.com/imxstore/imx/internal/vfs"
)

// defaultDiskBase is the first handle value that names a disk-resident
// slot. It must exceed Config.RAMSectors for every configuration; the
// default assumes a generous headroom for constrained targets, and is
// raised automatically in check() if RAMSectors alone would exceed it.
const defaultDiskBase = 1 << 20

// Config is the engine's options struct, in the style of cznic/exp/dbm's
// Options — exported fields rather than a builder, validated once by
// check() at construction time, with defaults filled in for zero
// values.
type Config struct {
	// RAMSectors is N_RAM, the number of fixed-size RAM sectors in the
	// pool.
	RAMSectors int
	// SectorSize is S_RAM, the byte size of one RAM sector.
	SectorSize int
	// DiskSectorSize is S_DISK, the byte size of one disk sector file's
	// payload region; must be a multiple of SectorSize.
	DiskSectorSize int

	// StorageRoot is the filesystem path history/ and history/corrupted/
	// are created under.
	StorageRoot string

	// HighWaterPercent and LowWaterPercent are the tiered controller's
	// occupancy thresholds. Default 80/60.
	HighWaterPercent int
	LowWaterPercent  int

	// FDCacheSize bounds the disk manager's open-file LRU. Default 64;
	// a performance knob only.
	FDCacheSize int

	// BatchSectors bounds how many RAM sectors one migration step
	// detaches into a single disk file. Defaults to the number of
	// RAM-sized slots that fit in one disk sector.
	BatchSectors int

	// RequireChecksums forces payload checksum verification even for
	// v1 files (v2 files are always verified).
	RequireChecksums bool

	// Debug re-panics an invariant violation recovered at an exported
	// method's boundary, giving fail-stop semantics instead of returning
	// it to the caller as a CORRUPT_STATE error. No chain is quarantined
	// in either mode.
	Debug bool

	// FS is the injected filesystem collaborator. Defaults to the real
	// OS filesystem.
	FS vfs.FS

	// Sink receives structured events. Defaults to a no-op sink.
	Sink sink.Sink

	// DiskBase is the first extended-handle value that names a
	// disk-resident slot. Defaults to defaultDiskBase.
	DiskBase handle.Handle

	// KnownSensors, if non-empty, restricts recovery to attaching
	// recovered disk files to chains for these sensor ids only; a
	// recovered file naming any other sensor is retained on disk but
	// logged as an orphan instead of linked to a chain. Empty means
	// every sensor discovered on disk is attached, the historical
	// behavior.
	KnownSensors []uint32
}

func (c *Config) check() error {
	if c.RAMSectors <= 0 {
		return imxerr.Tagf(imxerr.InvalidLength, "ram_sectors must be positive")
	}
	if c.SectorSize <= sector.HeaderSize {
		return imxerr.Tagf(imxerr.InvalidLength, "sector_size must exceed the %d-byte header", sector.HeaderSize)
	}
	if c.DiskSectorSize <= 0 {
		c.DiskSectorSize = c.SectorSize * 128
	}
	if c.DiskSectorSize%c.SectorSize != 0 {
		return imxerr.Tagf(imxerr.InvalidLength, "disk_sector_size must be a multiple of sector_size")
	}
	if c.StorageRoot == "" {
		return imxerr.Tagf(imxerr.InvalidLength, "storage_root is required")
	}
	if c.HighWaterPercent <= 0 {
		c.HighWaterPercent = 80
	}
	if c.LowWaterPercent <= 0 {
		c.LowWaterPercent = 60
	}
	if c.LowWaterPercent >= c.HighWaterPercent {
		return imxerr.Tagf(imxerr.InvalidLength, "low_water_percent must be less than high_water_percent")
	}
	if c.FDCacheSize <= 0 {
		c.FDCacheSize = 64
	}
	if c.DiskBase == 0 {
		c.DiskBase = defaultDiskBase
		if int(c.DiskBase) <= c.RAMSectors {
			c.DiskBase = handle.Handle(c.RAMSectors + 1)
		}
	}
	if int(c.DiskBase) <= c.RAMSectors {
		return imxerr.Tagf(imxerr.InvalidLength, "disk_base must exceed ram_sectors")
	}
	if c.FS == nil {
		c.FS = vfs.NewOS()
	}
	if c.Sink == nil {
		c.Sink = sink.Noop{}
	}
	slotsPerFile := c.DiskSectorSize / c.SectorSize
	if c.BatchSectors <= 0 || c.BatchSectors > slotsPerFile {
		c.BatchSectors = slotsPerFile
	}
	return nil
}

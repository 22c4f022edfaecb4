package imx

import (
	"testing"

	"github.com/imxstore/imx/internal/handle"
)

func TestConfigDefaults(t *testing.T) {
	c := Config{RAMSectors: 4, SectorSize: 32, StorageRoot: "store"}
	if err := c.check(); err != nil {
		t.Fatalf("check: %v", err)
	}

	if c.DiskSectorSize != 32*128 {
		t.Errorf("DiskSectorSize default = %d, want %d", c.DiskSectorSize, 32*128)
	}
	if c.HighWaterPercent != 80 || c.LowWaterPercent != 60 {
		t.Errorf("water marks = %d/%d, want 80/60", c.HighWaterPercent, c.LowWaterPercent)
	}
	if c.FDCacheSize != 64 {
		t.Errorf("FDCacheSize default = %d, want 64", c.FDCacheSize)
	}
	if c.DiskBase != defaultDiskBase {
		t.Errorf("DiskBase default = %v, want %v", c.DiskBase, defaultDiskBase)
	}
	if c.FS == nil || c.Sink == nil {
		t.Error("expected FS and Sink to be defaulted")
	}
	if c.BatchSectors != c.DiskSectorSize/c.SectorSize {
		t.Errorf("BatchSectors default = %d, want %d", c.BatchSectors, c.DiskSectorSize/c.SectorSize)
	}
}

func TestConfigRejectsInvalidWaterMarks(t *testing.T) {
	c := Config{RAMSectors: 4, SectorSize: 32, StorageRoot: "store", HighWaterPercent: 50, LowWaterPercent: 60}
	if err := c.check(); KindOf(err) != KindInvalidLength {
		t.Fatalf("expected InvalidLength when low >= high, got %v", KindOf(err))
	}
}

func TestConfigRejectsUndersizedSector(t *testing.T) {
	c := Config{RAMSectors: 4, SectorSize: 8, StorageRoot: "store"}
	if err := c.check(); KindOf(err) != KindInvalidLength {
		t.Fatalf("expected InvalidLength for a sector smaller than the header, got %v", KindOf(err))
	}
}

func TestConfigRejectsDiskBaseBelowRAMSectors(t *testing.T) {
	c := Config{RAMSectors: 100, SectorSize: 32, StorageRoot: "store", DiskBase: handle.Handle(50)}
	if err := c.check(); KindOf(err) != KindInvalidLength {
		t.Fatalf("expected InvalidLength when DiskBase <= RAMSectors, got %v", KindOf(err))
	}
}

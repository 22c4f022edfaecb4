package diskstore

import (
	"path"
	"strconv"
	"strings"

	"github.com/imxstore/imx/internal/handle"
	"github.com/imxstore/imx/internal/imxerr"
)

// FileInfo describes one disk file discovered during recovery.
type FileInfo struct {
	Handle         handle.Handle
	SensorID       uint32
	CreationTimeMS uint64
	Path           string
}

// ScanFiles enumerates <root>/history/<bucket>/sector_*.imx, verifying
// each header checksum. Files that fail verification are quarantined
// and skipped. Valid files are returned, and the monotone counter is
// advanced past each valid file's handle range as it is found.
func (m *Manager) ScanFiles() (valid []FileInfo, err error) {
	for b := 0; b < numBuckets; b++ {
		bucket := m.bucketPath(b)
		names, err := m.fs.ReadDir(bucket)
		if err != nil {
			return nil, imxerr.Tag(imxerr.IOError, err)
		}

		for _, name := range names {
			if !strings.HasSuffix(name, ".imx") || !strings.HasPrefix(name, "sector_") {
				continue
			}

			fullPath := path.Join(bucket, name)
			h, sensorID, ok := parseFilename(name)
			if !ok {
				continue
			}

			fi, verr := m.verifyFile(fullPath, h)
			if verr != nil {
				m.quarantineLocked(fullPath, h)
				continue
			}
			fi.SensorID = sensorID
			fi.Path = fullPath

			m.bumpCounter(h)
			valid = append(valid, fi)
		}
	}

	return valid, nil
}

func (m *Manager) verifyFile(p string, h handle.Handle) (FileInfo, error) {
	f, err := m.fs.Open(p)
	if err != nil {
		return FileInfo{}, imxerr.Tag(imxerr.IOError, err)
	}
	defer f.Close()

	hdr, err := m.readHeader(f, h)
	if err != nil {
		return FileInfo{}, err
	}

	return FileInfo{
		Handle:         h,
		SensorID:       hdr.SensorID,
		CreationTimeMS: hdr.CreationTimeMS,
	}, nil
}

// parseFilename extracts the handle and sensor id out of a
// "sector_<h>_sensor_<sid>.imx" filename.
func parseFilename(name string) (handle.Handle, uint32, bool) {
	trimmed := strings.TrimSuffix(name, ".imx")
	parts := strings.Split(trimmed, "_")
	if len(parts) != 4 || parts[0] != "sector" || parts[2] != "sensor" {
		return 0, 0, false
	}

	hv, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	sid, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return 0, 0, false
	}

	return handle.Handle(hv), uint32(sid), true
}

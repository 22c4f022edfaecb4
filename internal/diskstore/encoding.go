package diskstore

import "encoding/binary"

// defaultEncoding matches internal/sector's: little-endian on all
// supported targets, byte-swapped on a big-endian host.
var defaultEncoding binary.ByteOrder = binary.LittleEndian

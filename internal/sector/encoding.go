package sector

import "encoding/binary"

// defaultEncoding is the byte order every on-disk and in-RAM structure
// is packed with. Files are little-endian on all supported targets;
// a big-endian host byte-swaps on its way in and out, exactly as the
// engine's on-disk format requires.
var defaultEncoding binary.ByteOrder = binary.LittleEndian

// Package handle implements the extended-sector handle: a 32-bit value
// that uniformly names either a RAM sector or a disk sector, as a raw
// uint32 with classification predicate methods rather than a sum type.
package handle

import "fmt"

// Handle is a 32-bit extended sector handle. Zero is the null handle.
// Values 1..N_RAM (a range fixed by the configured RAM pool size) name
// RAM sectors. Values >= DiskBase name disk sectors.
type Handle uint32

// Null is the handle that denotes "no sector" (an empty chain, or the
// end of a chain's next-link).
const Null Handle = 0

// IsNil reports whether h is the null handle.
func (h Handle) IsNil() bool {
	return h == Null
}

// IsRAM reports whether h names a RAM sector, given the configured
// disk-handle base.
func (h Handle) IsRAM(diskBase Handle) bool {
	return h != Null && h < diskBase
}

// IsDisk reports whether h names a disk sector, given the configured
// disk-handle base.
func (h Handle) IsDisk(diskBase Handle) bool {
	return h >= diskBase
}

// RAMIndex returns the zero-based RAM sector index for h. Only valid
// when h.IsRAM(diskBase) is true.
func (h Handle) RAMIndex() int {
	return int(h) - 1
}

// FromRAMIndex builds the Handle for the given zero-based RAM sector
// index.
func FromRAMIndex(index int) Handle {
	return Handle(index + 1)
}

func (h Handle) String() string {
	if h.IsNil() {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(%d)", uint32(h))
}

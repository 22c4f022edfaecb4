// Package sector defines the fixed-size sector header shared by RAM
// sectors and the RAM-sized slots batched into disk sectors, and the
// two record shapes (TSD, EVT) packed into the remainder of a sector.
//
// The header is decoded as a plain Go struct, field order fixing the
// byte layout, unpacked with go-restruct rather than hand-rolled
// bit-twiddling.
package sector

import (
	"github.com/go-restruct/restruct"

	"github.com/imxstore/imx/internal/imxerr"
)

// RecordType tags the kind of record a chain's sectors carry. Sized-
// per-record is a property of the tag (per the design notes: "the only
// polymorphism is record type... model as a tagged variant on the
// chain header").
type RecordType uint8

const (
	// RecordTypeUnset marks a free sector (header is all-zero).
	RecordTypeUnset RecordType = 0
	// RecordTypeTSD is a 4-byte time-series datum.
	RecordTypeTSD RecordType = 1
	// RecordTypeEVT is an 8-byte event (timestamp + value).
	RecordTypeEVT RecordType = 2
)

// Size returns the packed byte size of one record of type t. Panics on
// an unrecognized type; callers are expected to validate type tags
// before reaching here.
func (t RecordType) Size() int {
	switch t {
	case RecordTypeTSD:
		return 4
	case RecordTypeEVT:
		return 8
	default:
		imxerr.Panicf("unrecognized record type: %d", t)
		return 0
	}
}

// HeaderSize is the fixed number of bytes a sector header occupies at
// the front of every RAM sector and disk slot.
const HeaderSize = 16

// Header is the fixed-layout metadata at the front of every sector:
// owning sensor id, next-sector extended handle (0 = end of chain),
// record count, consumed-from-head count, and the record-type tag.
type Header struct {
	SensorID uint32
	Next     uint32
	Count    uint16
	Consumed uint16
	Type     uint8
	Reserved [3]byte
}

// IsFree reports whether the header describes a sector that has never
// been claimed by a chain (all-zero header, per the data model's
// invariant that a sector is either on the free list with a zeroed
// header, or owned by exactly one chain).
func (h Header) IsFree() bool {
	return h.SensorID == 0 && h.Next == 0 && h.Count == 0 && h.Consumed == 0 && h.Type == 0
}

// Remaining returns the number of unconsumed records in the sector.
func (h Header) Remaining() uint16 {
	return h.Count - h.Consumed
}

// DecodeHeader unpacks a Header from the front of raw, which must be
// at least HeaderSize bytes.
func DecodeHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, imxerr.Tagf(imxerr.InvalidLength, "sector too small to hold a header: %d bytes", len(raw))
	}

	var h Header
	if err := restruct.Unpack(raw[:HeaderSize], defaultEncoding, &h); err != nil {
		return Header{}, imxerr.Tag(imxerr.CorruptState, err)
	}
	return h, nil
}

// EncodeHeader packs h into the front of raw, which must be at least
// HeaderSize bytes.
func EncodeHeader(raw []byte, h Header) error {
	if len(raw) < HeaderSize {
		return imxerr.Tagf(imxerr.InvalidLength, "sector too small to hold a header: %d bytes", len(raw))
	}

	packed, err := restruct.Pack(defaultEncoding, &h)
	if err != nil {
		return imxerr.Tag(imxerr.CorruptState, err)
	}
	copy(raw[:HeaderSize], packed)
	return nil
}

// EntriesPerSector returns the number of records of type t that fit in
// the payload area of a sector of the given total size.
func EntriesPerSector(sectorSize int, t RecordType) int {
	return (sectorSize - HeaderSize) / t.Size()
}

// PayloadOffset returns the byte offset of record index i (0-based)
// within a sector carrying records of type t.
func PayloadOffset(i int, t RecordType) int {
	return HeaderSize + i*t.Size()
}

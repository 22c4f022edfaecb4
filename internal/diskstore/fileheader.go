package diskstore

import (
	"hash/crc32"

	"github.com/go-restruct/restruct"

	"github.com/imxstore/imx/internal/imxerr"
	"github.com/imxstore/imx/internal/sector"
)

// magic is the 4-byte signature every disk file starts with.
var magic = [4]byte{'I', 'M', 'X', 'S'}

const (
	versionV1 = 1
	versionV2 = 2
)

// headerSize is the fixed byte size of fileHeader's bit-exact on-disk
// layout.
const headerSize = 48

// fileHeader is the fixed-layout header at the front of every disk
// file: a plain struct, field order fixing the layout, unpacked with
// go-restruct.
//
// The payload checksum is carved out of the reserved region; the
// Reserved field that remains is 13 bytes, which brings the packed
// header to exactly headerSize bytes. See DESIGN.md for the rationale.
type fileHeader struct {
	Magic           [4]byte
	Version         uint16
	SensorID        uint32
	SectorCount     uint16
	Stride          uint32
	RecordType      uint8
	EntriesPerSlot  uint16
	CreationTimeMS  uint64
	HeaderChecksum  uint32
	PayloadChecksum uint32
	Reserved        [13]byte
}

func newHeader(sensorID uint32, sectorCount uint16, stride uint32, rt sector.RecordType, entriesPerSlot uint16, creationTimeMS uint64, version uint16) fileHeader {
	return fileHeader{
		Magic:          magic,
		Version:        version,
		SensorID:       sensorID,
		SectorCount:    sectorCount,
		Stride:         stride,
		RecordType:     uint8(rt),
		EntriesPerSlot: entriesPerSlot,
		CreationTimeMS: creationTimeMS,
	}
}

// headerChecksum computes the checksum that covers every header field
// except HeaderChecksum itself.
func (h fileHeader) headerChecksum() (uint32, error) {
	clone := h
	clone.HeaderChecksum = 0
	raw, err := restruct.Pack(defaultEncoding, &clone)
	if err != nil {
		return 0, imxerr.Tag(imxerr.CorruptState, err)
	}
	return crc32.ChecksumIEEE(raw), nil
}

func (h *fileHeader) stampHeaderChecksum() error {
	sum, err := h.headerChecksum()
	if err != nil {
		return err
	}
	h.HeaderChecksum = sum
	return nil
}

func (h fileHeader) verifyHeaderChecksum() error {
	sum, err := h.headerChecksum()
	if err != nil {
		return err
	}
	if sum != h.HeaderChecksum {
		return imxerr.Tagf(imxerr.ChecksumMismatch, "header checksum mismatch: got 0x%08x want 0x%08x", sum, h.HeaderChecksum)
	}
	return nil
}

func encodeHeader(h fileHeader) ([]byte, error) {
	raw, err := restruct.Pack(defaultEncoding, &h)
	if err != nil {
		return nil, imxerr.Tag(imxerr.CorruptState, err)
	}
	if len(raw) != headerSize {
		return nil, imxerr.Tagf(imxerr.CorruptState, "unexpected header size: %d", len(raw))
	}
	return raw, nil
}

func crc32Of(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func decodeHeader(raw []byte) (fileHeader, error) {
	if len(raw) < headerSize {
		return fileHeader{}, imxerr.Tagf(imxerr.InvalidLength, "file too small to hold a header: %d bytes", len(raw))
	}

	var h fileHeader
	if err := restruct.Unpack(raw[:headerSize], defaultEncoding, &h); err != nil {
		return fileHeader{}, imxerr.Tag(imxerr.CorruptState, err)
	}

	if h.Magic != magic {
		return fileHeader{}, imxerr.Tagf(imxerr.ChecksumMismatch, "bad magic: %v", h.Magic)
	}
	if h.Version != versionV1 && h.Version != versionV2 {
		return fileHeader{}, imxerr.Tagf(imxerr.ChecksumMismatch, "unsupported version: %d", h.Version)
	}

	if err := h.verifyHeaderChecksum(); err != nil {
		return fileHeader{}, err
	}

	return h, nil
}

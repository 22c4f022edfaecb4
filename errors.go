package imx

import "github.com/imxstore/imx/internal/imxerr"

// ErrorKind is the public face of the error taxonomy: OK, NO_SPACE,
// INVALID_HANDLE, INVALID_LENGTH, NOT_FOUND, IO_ERROR,
// CHECKSUM_MISMATCH, CORRUPT_STATE. Every error returned by the engine
// carries one of these; callers classify failures with KindOf rather
// than matching on error values or strings.
type ErrorKind = imxerr.Kind

const (
	KindOK               = imxerr.OK
	KindNoSpace          = imxerr.NoSpace
	KindInvalidHandle    = imxerr.InvalidHandle
	KindInvalidLength    = imxerr.InvalidLength
	KindNotFound         = imxerr.NotFound
	KindIOError          = imxerr.IOError
	KindChecksumMismatch = imxerr.ChecksumMismatch
	KindCorruptState     = imxerr.CorruptState
)

// KindOf classifies err per the error-handling design's taxonomy. A
// nil error reports KindOK.
func KindOf(err error) ErrorKind {
	return imxerr.KindOf(err)
}

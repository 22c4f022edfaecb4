// Package imxerr provides the panic/recover-and-wrap error idiom used
// throughout the engine: every exported operation recovers at its
// boundary and converts a bare error or a panicking invariant violation
// into a Kind-tagged, stack-carrying error.
package imxerr

import (
	"fmt"

	"github.com/dsoprea/go-logging"
)

// Kind is one of the error-taxonomy members from the engine's error
// handling design. It is not a Go error type in its own right; it's
// attached to an error via Tag/KindOf.
type Kind int

const (
	// OK is not actually ever returned as an error; it exists so that
	// KindOf has a defined zero-ish answer for a nil error.
	OK Kind = iota
	NoSpace
	InvalidHandle
	InvalidLength
	NotFound
	IOError
	ChecksumMismatch
	CorruptState
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case NoSpace:
		return "NO_SPACE"
	case InvalidHandle:
		return "INVALID_HANDLE"
	case InvalidLength:
		return "INVALID_LENGTH"
	case NotFound:
		return "NOT_FOUND"
	case IOError:
		return "IO_ERROR"
	case ChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	case CorruptState:
		return "CORRUPT_STATE"
	default:
		return "UNKNOWN"
	}
}

// taggedError carries a Kind plus the sensor id and handle that the
// failure pertains to, per the error-handling design's requirement that
// "every failure carries the sensor id (if any) and the handle."
type taggedError struct {
	kind     Kind
	sensorID uint32
	handle   uint32
	haveSID  bool
	haveH    bool
	err      error
}

func (te *taggedError) Error() string {
	msg := fmt.Sprintf("%s: %s", te.kind, te.err.Error())
	if te.haveSID {
		msg = fmt.Sprintf("%s (sensor=%d)", msg, te.sensorID)
	}
	if te.haveH {
		msg = fmt.Sprintf("%s (handle=%d)", msg, te.handle)
	}
	return msg
}

func (te *taggedError) Unwrap() error {
	return te.err
}

// Tag wraps err (via log.Wrap, so a stack is attached on first wrap
// only) with the given Kind. A nil err returns nil.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{kind: kind, err: log.Wrap(err)}
}

// Tagf is Tag for a freshly-formatted error.
func Tagf(kind Kind, format string, args ...interface{}) error {
	return Tag(kind, fmt.Errorf(format, args...))
}

// WithSensor annotates err (if it is a *taggedError) with the sensor id
// the failure pertains to.
func WithSensor(err error, sensorID uint32) error {
	if te, ok := err.(*taggedError); ok {
		te.sensorID = sensorID
		te.haveSID = true
	}
	return err
}

// WithHandle annotates err (if it is a *taggedError) with the handle the
// failure pertains to.
func WithHandle(err error, handle uint32) error {
	if te, ok := err.(*taggedError); ok {
		te.handle = handle
		te.haveH = true
	}
	return err
}

// isTagged reports whether err is, or wraps, a *taggedError.
func isTagged(err error) bool {
	for e := err; e != nil; {
		if _, ok := e.(*taggedError); ok {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// KindOf extracts the Kind from err, if err (or something it wraps) is
// a *taggedError. A nil error reports OK. A plain, never-tagged error
// reports CorruptState: an untagged error reaching a caller is itself a
// bug in the engine.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	for e := err; e != nil; {
		if te, ok := e.(*taggedError); ok {
			return te.kind
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return CorruptState
}

// PanicIf panics with err if err is non-nil. Mirrors log.PanicIf; kept
// as a thin alias so call sites read uniformly.
func PanicIf(err error) {
	log.PanicIf(err)
}

// Panicf panics with a formatted error.
func Panicf(format string, args ...interface{}) {
	log.Panicf(format, args...)
}

// Recover is called in a deferred function at the top of every exported
// operation. On a panic it converts the recovered value into a
// Kind-tagged error (CorruptState unless the panic value already
// carries a Kind via Tag) and assigns it through errp. debug controls
// whether the panic is then re-raised (fail-stop) instead of swallowed.
func Recover(errp *error, debug bool) {
	errRaw := recover()
	if errRaw == nil {
		return
	}

	var err error
	if asErr, ok := errRaw.(error); ok == true {
		err = asErr
	} else {
		err = fmt.Errorf("non-error panic: %v", errRaw)
	}

	if isTagged(err) {
		*errp = err
	} else {
		// No explicit Kind was attached by the panicking code; treat
		// an uncategorized invariant panic as corrupt state.
		*errp = Tag(CorruptState, err)
	}

	if debug {
		panic(errRaw)
	}
}

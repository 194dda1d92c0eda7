package wal

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrChecksumMismatch = errors.New("envelope checksum mismatch")
	ErrShortEnvelope    = errors.New("envelope extends beyond available data")
	ErrUnknownFormat    = errors.New("unknown log format version")
	ErrPadding          = errors.New("zero padding")
	ErrTruncated        = errors.New("log truncated")
	ErrBadSequence      = errors.New("unexpected envelope type in entry")
	ErrUnknownEntry     = errors.New("unknown entry kind")
	ErrBadFileHeader    = errors.New("invalid log file header")
	ErrInvalidConfig    = errors.New("invalid log configuration")
	ErrPositionInEntry  = errors.New("log position is undefined while an entry is open")
	ErrLogUnhealthy     = errors.New("transaction log is unhealthy")
	ErrReadOnly         = errors.New("log files opened read-only")
	ErrAlreadyFlushed   = errors.New("flushable already flushed")
	ErrMissingLogFile   = errors.New("log version missing from the sequence")

	// ErrChainBroken is a checksum mismatch of an intact envelope that does
	// not continue the chain of its predecessor.
	ErrChainBroken = fmt.Errorf("%w: chain broken", ErrChecksumMismatch)
)

// CorruptedLogError reports a data integrity failure at an exact position.
type CorruptedLogError struct {
	Path     string
	Position LogPosition
	Err      error
}

func (e *CorruptedLogError) Error() string {
	return fmt.Sprintf("corrupted transaction log %s at version %d offset %d: %v",
		e.Path, e.Position.Version, e.Position.Offset, e.Err)
}

func (e *CorruptedLogError) Unwrap() error { return e.Err }

// ReplayError is used when replaying the log fails after the tail scan
// already validated the range. If Cont is true the caller may continue
// starting up without the replayed data.
type ReplayError struct {
	Msg  string
	Cont bool
	Err  error
}

func (e ReplayError) Error() string {
	s := e.Msg + ": error replaying transaction log. Cont=" + strconv.FormatBool(e.Cont)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e ReplayError) Unwrap() error { return e.Err }

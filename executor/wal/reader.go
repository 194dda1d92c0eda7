package wal

import (
	"errors"
	"fmt"
	"io"
)

// sectorSize is the unit a device writes atomically.
const sectorSize = 512

// EnvelopeReader reads the envelopes of one log version in order,
// verifying each checksum and the chain between them.
type EnvelopeReader struct {
	r       io.ReaderAt
	path    string
	version uint64
	seg     int64
	size    int64

	off    int64
	prev   uint32
	seeded bool

	// claimedEnd is the end of the envelope the last failure was reported
	// for, as far as its header could be trusted.
	claimedEnd int64
	hdr        [HeaderSize]byte
	payload    []byte
}

// NewEnvelopeReader reads r from off. When seeded is false the first
// envelope is trusted on its own checksum and starts the chain.
func NewEnvelopeReader(r io.ReaderAt, path string, version uint64, segmentSize int, size, off int64,
	prev uint32, seeded bool,
) *EnvelopeReader {
	return &EnvelopeReader{
		r:       r,
		path:    path,
		version: version,
		seg:     int64(segmentSize),
		size:    size,
		off:     off,
		prev:    prev,
		seeded:  seeded,
	}
}

// Offset is the file offset of the next envelope.
func (er *EnvelopeReader) Offset() int64 { return er.off }

// Prev is the checksum of the last envelope read, or the seed.
func (er *EnvelopeReader) Prev() uint32 { return er.prev }

// Next returns the next envelope. The payload is only valid until the next
// call. At the end of data it returns io.EOF; integrity failures are
// reported as *CorruptedLogError at the offset of the failing envelope.
func (er *EnvelopeReader) Next() (Envelope, error) {
	if err := er.skipPadding(); err != nil {
		return Envelope{}, err
	}
	er.claimedEnd = er.off
	if er.off >= er.size {
		return Envelope{}, io.EOF
	}
	at := er.off
	if er.size-at < HeaderSize {
		n := er.size - at
		if _, err := er.r.ReadAt(er.hdr[:n], at); err != nil && err != io.EOF {
			return Envelope{}, err
		}
		er.claimedEnd = er.size
		if isZero(er.hdr[:n]) {
			return Envelope{}, io.EOF
		}
		return Envelope{}, er.corrupt(at, ErrTruncated)
	}
	if _, err := er.r.ReadAt(er.hdr[:], at); err != nil {
		return Envelope{}, err
	}
	h, err := DecodeHeader(er.hdr[:])
	if errors.Is(err, ErrPadding) {
		return Envelope{}, io.EOF
	}
	er.claimedEnd = at + HeaderSize
	if err != nil {
		return Envelope{}, er.corrupt(at, err)
	}
	end := at + HeaderSize + int64(h.PayloadLength)
	if segEnd := at - at%er.seg + er.seg; end > segEnd {
		return Envelope{}, er.corrupt(at, fmt.Errorf("%w: envelope of %d bytes crosses segment end",
			ErrChecksumMismatch, h.PayloadLength))
	}
	er.claimedEnd = end
	if end > er.size {
		return Envelope{}, er.corrupt(at, ErrTruncated)
	}
	if cap(er.payload) < int(h.PayloadLength) {
		er.payload = make([]byte, h.PayloadLength)
	}
	payload := er.payload[:h.PayloadLength]
	if _, err := er.r.ReadAt(payload, at+HeaderSize); err != nil && !(err == io.EOF && len(payload) == 0) {
		return Envelope{}, err
	}
	var sum Checksum
	sum.Reset()
	sum.Write(er.hdr[typeOffset:])
	sum.Write(payload)
	if sum.Sum32() != h.Checksum {
		return Envelope{}, er.corrupt(at, ErrChecksumMismatch)
	}
	if er.seeded && h.PreviousChecksum != er.prev {
		return Envelope{}, er.corrupt(at, fmt.Errorf("%w, expected previous %08x got %08x",
			ErrChainBroken, er.prev, h.PreviousChecksum))
	}
	er.prev = h.Checksum
	er.seeded = true
	er.off = end
	return Envelope{
		Checksum:         h.Checksum,
		Type:             h.Type,
		PayloadLength:    h.PayloadLength,
		FormatVersion:    h.FormatVersion,
		PreviousChecksum: h.PreviousChecksum,
		Payload:          payload,
	}, nil
}

// skipPadding moves past the zero tail of a segment too short for an
// envelope.
func (er *EnvelopeReader) skipPadding() error {
	inSeg := er.off % er.seg
	if inSeg == 0 {
		return nil
	}
	rem := er.seg - inSeg
	if rem > HeaderSize {
		return nil
	}
	if rem > er.size-er.off {
		rem = er.size - er.off
	}
	if rem > 0 {
		pad := er.hdr[:rem]
		if _, err := er.r.ReadAt(pad, er.off); err != nil && err != io.EOF {
			return err
		}
		if !isZero(pad) {
			er.claimedEnd = er.off + rem
			return er.corrupt(er.off, fmt.Errorf("%w: non-zero segment padding", ErrChecksumMismatch))
		}
	}
	er.off = er.off - inSeg + er.seg
	return nil
}

// ZeroFrom reports whether every byte of the file from off on is zero.
func (er *EnvelopeReader) ZeroFrom(off int64) (bool, error) {
	return zeroFrom(er.r, er.size, off)
}

// Torn reports whether err, the failure of the last envelope read, is the
// trace of an interrupted write rather than damage. A crash leaves an
// envelope running past the end of the file, or cut short by unwritten
// sectors that stay zero up to the end of the file. Sectors are written
// whole, so zeros starting inside a sector are damage.
func (er *EnvelopeReader) Torn(err error) (bool, error) {
	var corrupt *CorruptedLogError
	if !errors.As(err, &corrupt) || errors.Is(err, ErrChainBroken) {
		return false, nil
	}
	if errors.Is(err, ErrTruncated) {
		return er.ZeroFrom(er.claimedEnd)
	}
	sector := (er.claimedEnd - 1) / sectorSize * sectorSize
	if sector <= corrupt.Position.Offset {
		return false, nil
	}
	return er.ZeroFrom(sector)
}

func zeroFrom(r io.ReaderAt, size, off int64) (bool, error) {
	var chunk [32 << 10]byte
	for off < size {
		n := int64(len(chunk))
		if size-off < n {
			n = size - off
		}
		if _, err := r.ReadAt(chunk[:n], off); err != nil && err != io.EOF {
			return false, err
		}
		if !isZero(chunk[:n]) {
			return false, nil
		}
		off += n
	}
	return true, nil
}

// ClaimedEnd is where the envelope of the last failure would have ended.
func (er *EnvelopeReader) ClaimedEnd() int64 { return er.claimedEnd }

func (er *EnvelopeReader) corrupt(off int64, err error) error {
	return &CorruptedLogError{
		Path:     er.path,
		Position: LogPosition{Version: er.version, Offset: off},
		Err:      err,
	}
}

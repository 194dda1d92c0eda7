// Package wal implements the on-disk format of the transaction log:
// checksum chained envelopes packed into fixed size segments, the
// segmented writer that produces them, file rotation, and the readers
// used by recovery.
//
// Envelope layout (format version 1, little endian):
//
//	offset 0:  u32 checksum          xxhash64 of bytes [4, 14+length) folded to 32 bits
//	offset 4:  u8  type              Zero=0 Full=1 Begin=2 Middle=3 End=4
//	offset 5:  u32 payload length
//	offset 9:  u8  format version
//	offset 10: u32 previous checksum checksum of the preceding envelope
//	offset 14: payload
//
// A logical entry is written either as one Full envelope or as
// Begin Middle* End. Envelopes never straddle a segment boundary; when
// fewer than HeaderSize+1 bytes remain in a segment the remainder is
// zero padding. Because each checksum covers the previous checksum the
// envelopes of a log form a hash chain.
package wal

import (
	"encoding/binary"
	"fmt"
)

type EnvelopeType uint8

const (
	EnvelopeZero EnvelopeType = iota
	EnvelopeFull
	EnvelopeBegin
	EnvelopeMiddle
	EnvelopeEnd
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeZero:
		return "ZERO"
	case EnvelopeFull:
		return "FULL"
	case EnvelopeBegin:
		return "BEGIN"
	case EnvelopeMiddle:
		return "MIDDLE"
	case EnvelopeEnd:
		return "END"
	}
	return fmt.Sprintf("EnvelopeType(%d)", uint8(t))
}

func (t EnvelopeType) valid() bool {
	return t >= EnvelopeFull && t <= EnvelopeEnd
}

const (
	// FormatVersion is the only envelope layout this package reads and writes.
	FormatVersion uint8 = 1

	HeaderSize = 14

	checksumOffset     = 0
	typeOffset         = 4
	lengthOffset       = 5
	versionOffset      = 9
	prevChecksumOffset = 10
)

var byteOrder = binary.LittleEndian

// Envelope is one physical record of the log.
type Envelope struct {
	Checksum         uint32
	Type             EnvelopeType
	PayloadLength    uint32
	FormatVersion    uint8
	PreviousChecksum uint32
	Payload          []byte
}

// Size is the number of bytes the envelope occupies on disk.
func (e Envelope) Size() int {
	return HeaderSize + int(e.PayloadLength)
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{%s len=%d checksum=%08x prev=%08x}",
		e.Type, e.PayloadLength, e.Checksum, e.PreviousChecksum)
}

// AppendEnvelope encodes an envelope to dst and returns the extended slice.
func AppendEnvelope(dst []byte, typ EnvelopeType, version uint8, payload []byte, prev uint32) []byte {
	off := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	dst = append(dst, payload...)
	putHeader(dst[off:], typ, uint32(len(payload)), version, prev)
	byteOrder.PutUint32(dst[off+checksumOffset:], checksum(dst[off+typeOffset:]))
	return dst
}

// putHeader writes every header field except the checksum.
func putHeader(p []byte, typ EnvelopeType, length uint32, version uint8, prev uint32) {
	p[typeOffset] = byte(typ)
	byteOrder.PutUint32(p[lengthOffset:], length)
	p[versionOffset] = version
	byteOrder.PutUint32(p[prevChecksumOffset:], prev)
}

// EnvelopeHeader is the fixed part of an envelope decoded without its payload.
type EnvelopeHeader struct {
	Checksum         uint32
	Type             EnvelopeType
	PayloadLength    uint32
	FormatVersion    uint8
	PreviousChecksum uint32
}

// DecodeHeader decodes the fixed header. It returns ErrPadding for an all
// zero header and ErrUnknownFormat when the version byte is not supported;
// the payload length is not to be trusted in either case.
func DecodeHeader(p []byte) (EnvelopeHeader, error) {
	if len(p) < HeaderSize {
		return EnvelopeHeader{}, ErrShortEnvelope
	}
	if isZero(p[:HeaderSize]) {
		return EnvelopeHeader{}, ErrPadding
	}
	h := EnvelopeHeader{
		Checksum:         byteOrder.Uint32(p[checksumOffset:]),
		Type:             EnvelopeType(p[typeOffset]),
		PayloadLength:    byteOrder.Uint32(p[lengthOffset:]),
		FormatVersion:    p[versionOffset],
		PreviousChecksum: byteOrder.Uint32(p[prevChecksumOffset:]),
	}
	if h.FormatVersion != FormatVersion {
		return h, fmt.Errorf("%w: version %d", ErrUnknownFormat, h.FormatVersion)
	}
	if !h.Type.valid() {
		return h, fmt.Errorf("%w: envelope type %d", ErrChecksumMismatch, h.Type)
	}
	return h, nil
}

// DecodeEnvelope decodes and verifies one envelope at the start of p. The
// returned payload aliases p.
func DecodeEnvelope(p []byte) (Envelope, error) {
	h, err := DecodeHeader(p)
	if err != nil {
		return Envelope{}, err
	}
	end := HeaderSize + int(h.PayloadLength)
	if int(h.PayloadLength) < 0 || len(p) < end {
		return Envelope{}, ErrShortEnvelope
	}
	var sum Checksum
	sum.Reset()
	sum.Write(p[typeOffset:end])
	if sum.Sum32() != h.Checksum {
		return Envelope{}, ErrChecksumMismatch
	}
	return Envelope{
		Checksum:         h.Checksum,
		Type:             h.Type,
		PayloadLength:    h.PayloadLength,
		FormatVersion:    h.FormatVersion,
		PreviousChecksum: h.PreviousChecksum,
		Payload:          p[HeaderSize:end],
	}, nil
}

func isZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

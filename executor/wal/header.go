package wal

import (
	"fmt"
	"io"
)

const (
	fileMagic uint32 = 0x474c5854 // "TXLG"

	// FileHeaderSize is the encoded size of FileHeader; the rest of
	// segment 0 is zero.
	FileHeaderSize = 44
)

// StoreID identifies the store a log file belongs to.
type StoreID struct {
	Random       uint64 `msgpack:"random"`
	CreationTime int64  `msgpack:"created"`
}

func (id StoreID) IsZero() bool { return id == StoreID{} }

func (id StoreID) String() string {
	return fmt.Sprintf("StoreID{%016x, %d}", id.Random, id.CreationTime)
}

// FileHeader occupies the start of segment 0 of every log file.
type FileHeader struct {
	FormatVersion uint8
	SegmentSize   int
	Version       uint64
	// PreviousChecksum is the checksum of the last envelope of the
	// previous version, seeding the chain of this file.
	PreviousChecksum uint32
	StoreID          StoreID
}

func (h FileHeader) encode() []byte {
	p := make([]byte, FileHeaderSize)
	byteOrder.PutUint32(p[0:], fileMagic)
	p[4] = h.FormatVersion
	byteOrder.PutUint32(p[8:], uint32(h.SegmentSize))
	byteOrder.PutUint64(p[12:], h.Version)
	byteOrder.PutUint32(p[20:], h.PreviousChecksum)
	byteOrder.PutUint64(p[24:], h.StoreID.Random)
	byteOrder.PutUint64(p[32:], uint64(h.StoreID.CreationTime))
	byteOrder.PutUint32(p[40:], checksum(p[:40]))
	return p
}

func decodeFileHeader(p []byte) (FileHeader, error) {
	if len(p) < FileHeaderSize {
		return FileHeader{}, fmt.Errorf("%w: short header (%d bytes)", ErrBadFileHeader, len(p))
	}
	if m := byteOrder.Uint32(p[0:]); m != fileMagic {
		return FileHeader{}, fmt.Errorf("%w: bad magic %08x", ErrBadFileHeader, m)
	}
	if sum := byteOrder.Uint32(p[40:]); sum != checksum(p[:40]) {
		return FileHeader{}, fmt.Errorf("%w: header checksum mismatch", ErrBadFileHeader)
	}
	h := FileHeader{
		FormatVersion:    p[4],
		SegmentSize:      int(byteOrder.Uint32(p[8:])),
		Version:          byteOrder.Uint64(p[12:]),
		PreviousChecksum: byteOrder.Uint32(p[20:]),
		StoreID: StoreID{
			Random:       byteOrder.Uint64(p[24:]),
			CreationTime: int64(byteOrder.Uint64(p[32:])),
		},
	}
	if h.FormatVersion != FormatVersion {
		return h, fmt.Errorf("%w: version %d", ErrUnknownFormat, h.FormatVersion)
	}
	if err := validateSegmentSize(h.SegmentSize); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadFileHeader, err)
	}
	return h, nil
}

// ReadFileHeader reads and validates the header at the start of r.
func ReadFileHeader(r io.ReaderAt) (FileHeader, error) {
	var buf [FileHeaderSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return FileHeader{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return FileHeader{}, err
	}
	return decodeFileHeader(buf[:])
}

// writeFileHeader writes a full header segment at offset 0.
func writeFileHeader(w io.WriterAt, h FileHeader) error {
	seg := make([]byte, h.SegmentSize)
	copy(seg, h.encode())
	_, err := w.WriteAt(seg, 0)
	return err
}

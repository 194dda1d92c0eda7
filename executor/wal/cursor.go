package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// EntryCursor reassembles logical entries from the envelopes of
// consecutive log versions.
//
// Next returns io.EOF at the end of the valid log. A torn envelope or an
// unfinished entry running into the end of the newest version is where a
// crash interrupted the writer; it ends the log the same way and is
// reported by Torn. Any other integrity failure is a *CorruptedLogError.
type EntryCursor struct {
	files    *LogFiles
	cfp      *CachedFP
	versions []uint64
	idx      int
	rd       *EnvelopeReader
	limit    *LogPosition

	seed       uint32
	seeded     bool
	pos        LogPosition
	last       uint32
	chainKnown bool
	torn       *LogPosition
	eof        bool

	inEntry    bool
	entryStart LogPosition
	acc        []byte
}

// OpenEntryCursor positions a cursor at start, which must be the end of an
// entry or the start of a version. An offset inside the header segment
// means the first data offset. Unless start is the beginning of a version
// the first envelope read is trusted on its own checksum.
func OpenEntryCursor(files *LogFiles, start LogPosition) (*EntryCursor, error) {
	return openEntryCursor(files, start, 0, false)
}

// OpenSeededCursor is OpenEntryCursor for a start position whose chain
// value is known, as recorded by a checkpoint.
func OpenSeededCursor(files *LogFiles, start LogPosition, prev uint32) (*EntryCursor, error) {
	return openEntryCursor(files, start, prev, true)
}

func openEntryCursor(files *LogFiles, start LogPosition, seed uint32, seeded bool) (*EntryCursor, error) {
	all, err := files.Versions()
	if err != nil {
		return nil, err
	}
	c := &EntryCursor{files: files, cfp: NewCachedFP(files), seed: seed, seeded: seeded}
	for _, v := range all {
		if v >= start.Version {
			c.versions = append(c.versions, v)
		}
	}
	if len(c.versions) == 0 || c.versions[0] != start.Version {
		return nil, fmt.Errorf("%w: log version %d: %v", ErrMissingLogFile, start.Version, os.ErrNotExist)
	}
	if err := c.open(start.Offset); err != nil {
		torn, terr := c.tornCreation(start.Version, err)
		if torn {
			c.pos, c.last, c.chainKnown = start, seed, seeded
			c.tornAt(LogPosition{Version: start.Version})
			c.eof = true
			return c, nil
		}
		c.cfp.Close()
		if terr != nil {
			return nil, terr
		}
		return nil, err
	}
	return c, nil
}

// tornCreation reports whether err is the trace of a crash while the
// newest version was created: its header is short or invalid and nothing
// was ever written past the header segment. Create syncs the header
// before any data is appended, so a bad header in front of data is damage.
func (c *EntryCursor) tornCreation(version uint64, err error) (bool, error) {
	var corrupt *CorruptedLogError
	if !c.newest() || !errors.As(err, &corrupt) || corrupt.Position.Offset != 0 ||
		!(errors.Is(err, ErrTruncated) || errors.Is(err, ErrBadFileHeader)) {
		return false, nil
	}
	return c.files.emptyPastHeader(version)
}

// SetLimit makes the cursor end at pos, which must be an entry boundary.
func (c *EntryCursor) SetLimit(pos LogPosition) {
	c.limit = &pos
}

// Position is the end of the last entry returned.
func (c *EntryCursor) Position() LogPosition { return c.pos }

// LastChecksum is the chain value at Position. It is only meaningful once
// ChainKnown is true.
func (c *EntryCursor) LastChecksum() uint32 { return c.last }

func (c *EntryCursor) ChainKnown() bool { return c.chainKnown }

// Torn is the position of the crash artifact that ended the log, if any.
func (c *EntryCursor) Torn() *LogPosition { return c.torn }

// NewestVersion is the highest version the cursor reads.
func (c *EntryCursor) NewestVersion() uint64 { return c.versions[len(c.versions)-1] }

func (c *EntryCursor) Close() error {
	return c.cfp.Close()
}

func (c *EntryCursor) open(off int64) error {
	version := c.versions[c.idx]
	fp, h, size, err := c.cfp.GetFP(version)
	if err != nil {
		return err
	}
	first := int64(h.SegmentSize)
	if size < first {
		return &CorruptedLogError{
			Path:     fp.Name(),
			Position: LogPosition{Version: version},
			Err:      fmt.Errorf("%w: header segment ends at %d", ErrTruncated, size),
		}
	}
	seeded := c.seeded && c.idx == 0
	prev := c.seed
	if off <= first {
		off = first
		seeded = true
		prev = h.PreviousChecksum
		if c.chainKnown && prev != c.last {
			return &CorruptedLogError{
				Path:     fp.Name(),
				Position: LogPosition{Version: version, Offset: first},
				Err: fmt.Errorf("%w: header continues chain %08x, previous version ended with %08x",
					ErrChecksumMismatch, prev, c.last),
			}
		}
	}
	if off > size {
		return &CorruptedLogError{
			Path:     fp.Name(),
			Position: LogPosition{Version: version, Offset: off},
			Err:      fmt.Errorf("%w: file ends at %d", ErrTruncated, size),
		}
	}
	c.rd = NewEnvelopeReader(fp, fp.Name(), version, h.SegmentSize, size, off, prev, seeded)
	c.pos = LogPosition{Version: version, Offset: off}
	c.last = prev
	c.chainKnown = seeded
	return nil
}

func (c *EntryCursor) newest() bool {
	return c.idx == len(c.versions)-1
}

// Next returns the next entry and the position it starts at.
func (c *EntryCursor) Next() (Entry, LogPosition, error) {
	for {
		if c.eof || (c.limit != nil && !c.pos.Before(*c.limit) && !c.inEntry) {
			return nil, LogPosition{}, io.EOF
		}
		env, err := c.rd.Next()
		if err == io.EOF {
			if err := c.endOfData(); err != nil {
				if err == io.EOF {
					c.eof = true
				}
				return nil, LogPosition{}, err
			}
			continue
		}
		if err != nil {
			var corrupt *CorruptedLogError
			if errors.As(err, &corrupt) && c.newest() {
				torn, terr := c.rd.Torn(err)
				if terr != nil {
					return nil, LogPosition{}, terr
				}
				if torn {
					c.tornAt(corrupt.Position)
					c.eof = true
					return nil, LogPosition{}, io.EOF
				}
			}
			return nil, LogPosition{}, err
		}

		at := LogPosition{Version: c.versions[c.idx], Offset: c.rd.Offset() - int64(env.Size())}
		switch env.Type {
		case EnvelopeFull:
			if c.inEntry {
				return nil, LogPosition{}, c.badSequence(at, env.Type)
			}
			c.entryStart = at
			c.acc = append(c.acc[:0], env.Payload...)
		case EnvelopeBegin:
			if c.inEntry {
				return nil, LogPosition{}, c.badSequence(at, env.Type)
			}
			c.inEntry = true
			c.entryStart = at
			c.acc = append(c.acc[:0], env.Payload...)
			continue
		case EnvelopeMiddle:
			if !c.inEntry {
				return nil, LogPosition{}, c.badSequence(at, env.Type)
			}
			c.acc = append(c.acc, env.Payload...)
			continue
		case EnvelopeEnd:
			if !c.inEntry {
				return nil, LogPosition{}, c.badSequence(at, env.Type)
			}
			c.acc = append(c.acc, env.Payload...)
			c.inEntry = false
		}

		e, err := DecodeEntry(c.acc)
		if err != nil {
			return nil, LogPosition{}, &CorruptedLogError{Path: c.rd.path, Position: c.entryStart, Err: err}
		}
		c.pos = LogPosition{Version: at.Version, Offset: c.rd.Offset()}
		c.last = env.Checksum
		c.chainKnown = true
		return e, c.entryStart, nil
	}
}

// endOfData handles the end of the data of the current version: it checks
// that nothing but zeros follows and moves on to the next version.
func (c *EntryCursor) endOfData() error {
	version := c.versions[c.idx]
	end := c.rd.ClaimedEnd()
	zero, err := c.rd.ZeroFrom(end)
	if err != nil {
		return err
	}
	if !zero {
		return &CorruptedLogError{
			Path:     c.rd.path,
			Position: LogPosition{Version: version, Offset: end},
			Err:      fmt.Errorf("%w: non-zero bytes after the end of data", ErrChecksumMismatch),
		}
	}
	if c.inEntry {
		if c.newest() {
			c.tornAt(c.entryStart)
			return io.EOF
		}
		return &CorruptedLogError{Path: c.rd.path, Position: c.entryStart, Err: ErrTruncated}
	}
	if c.newest() {
		return io.EOF
	}
	// Versions skipped by recovery leave gaps; the next header has to
	// continue the chain across them.
	next := c.versions[c.idx+1]
	if next != version+1 && !c.chainKnown {
		return &CorruptedLogError{
			Path:     c.files.Path(version + 1),
			Position: LogPosition{Version: version + 1},
			Err:      fmt.Errorf("%w: found version %d after %d", ErrMissingLogFile, next, version),
		}
	}
	c.idx++
	if err := c.open(0); err != nil {
		torn, terr := c.tornCreation(next, err)
		if terr != nil {
			return terr
		}
		if torn {
			c.idx--
			c.tornAt(LogPosition{Version: next})
			return io.EOF
		}
		return err
	}
	return nil
}

func (c *EntryCursor) tornAt(pos LogPosition) {
	c.inEntry = false
	c.torn = &pos
}

func (c *EntryCursor) badSequence(at LogPosition, typ EnvelopeType) error {
	return &CorruptedLogError{
		Path:     c.rd.path,
		Position: at,
		Err:      fmt.Errorf("%w: %s", ErrBadSequence, typ),
	}
}

package wal

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/alpacahq/txlog/metrics"
	"github.com/alpacahq/txlog/utils/log"
)

type entryState int

const (
	stateIdle entryState = iota
	stateFirstEnvelope
	stateContinuation
)

// Writer packs the payload of logical entries into envelopes inside a
// segment aligned buffer and hands sealed bytes off for flushing.
//
// The buffer window covers the file range [base, base+len(buf)). Inside it
//
//	flushed <= sealed <= envStart <= cursor
//
// where [flushed, sealed) are sealed bytes not yet handed to a Flushable and
// [envStart, cursor) is the envelope currently being filled. A Writer is not
// safe for concurrent use, except that Flushable.Flush may run concurrently
// with Append.
type Writer struct {
	files *LogFiles
	rot   *RotationManager
	seg   int

	buf      []byte
	base     int64
	cursor   int
	envStart int
	sealed   int
	flushed  int

	state   entryState
	prev    uint32
	version uint64
	ch      Channel
	closed  bool

	inflight sync.WaitGroup
	failed   *atomic.Bool
	failure  *atomic.Error
}

// NewWriter creates the next version and starts writing at its first data
// segment. prevChecksum is the chain value the new file continues from.
func NewWriter(files *LogFiles, rot *RotationManager, prevChecksum uint32) (*Writer, error) {
	version := rot.NextVersion()
	f, err := files.Create(version, prevChecksum)
	if err != nil {
		return nil, err
	}
	w := newWriter(files, rot)
	w.ch = f
	w.version = version
	w.prev = prevChecksum
	w.base = files.Config().FirstDataOffset()
	return w, nil
}

// OpenWriter resumes writing an existing version at pos, discarding any
// bytes after it. lastChecksum is the chain value at pos.
func OpenWriter(files *LogFiles, rot *RotationManager, pos LogPosition, lastChecksum uint32) (*Writer, error) {
	if first := files.Config().FirstDataOffset(); pos.Offset < first {
		pos.Offset = first
	}
	f, h, err := files.OpenForAppend(pos)
	if err != nil {
		return nil, err
	}
	if pos.Offset == files.Config().FirstDataOffset() {
		lastChecksum = h.PreviousChecksum
	}
	rot.Observe(pos.Version)
	w := newWriter(files, rot)
	w.ch = f
	w.version = pos.Version
	w.prev = lastChecksum
	inSeg := int(pos.Offset % int64(w.seg))
	w.base = pos.Offset - int64(inSeg)
	w.cursor, w.envStart, w.sealed, w.flushed = inSeg, inSeg, inSeg, inSeg
	log.Info("resuming transaction log at %s", pos)
	return w, nil
}

func newWriter(files *LogFiles, rot *RotationManager) *Writer {
	cfg := files.Config()
	metrics.WriterHealthy.Set(1)
	return &Writer{
		files:   files,
		rot:     rot,
		seg:     cfg.SegmentSize,
		buf:     make([]byte, cfg.BufferSize),
		failed:  atomic.NewBool(false),
		failure: atomic.NewError(nil),
	}
}

// Append adds p to the entry in progress, opening one if the writer is idle.
func (w *Writer) Append(p []byte) error {
	if err := w.healthy(); err != nil {
		return err
	}
	if w.state == stateIdle {
		if err := w.beginEnvelope(); err != nil {
			return w.fail(err)
		}
		w.state = stateFirstEnvelope
	}
	for len(p) > 0 {
		room := w.segmentEnd(w.envStart) - w.cursor
		if room == 0 {
			typ := EnvelopeMiddle
			if w.state == stateFirstEnvelope {
				typ = EnvelopeBegin
			}
			w.seal(typ)
			w.state = stateContinuation
			if err := w.beginEnvelope(); err != nil {
				return w.fail(err)
			}
			continue
		}
		if room > len(p) {
			room = len(p)
		}
		n := copy(w.buf[w.cursor:w.cursor+room], p)
		w.cursor += n
		p = p[n:]
	}
	return nil
}

// EndEntry seals the entry in progress. Ending an entry nobody appended to
// writes an empty Full envelope.
func (w *Writer) EndEntry() error {
	if err := w.healthy(); err != nil {
		return err
	}
	switch w.state {
	case stateIdle:
		if err := w.beginEnvelope(); err != nil {
			return w.fail(err)
		}
		w.seal(EnvelopeFull)
	case stateFirstEnvelope:
		w.seal(EnvelopeFull)
	case stateContinuation:
		w.seal(EnvelopeEnd)
	}
	w.state = stateIdle
	return nil
}

// WriteEntry encodes e and writes it as one complete entry.
func (w *Writer) WriteEntry(e Entry) error {
	p, err := EncodeEntry(nil, e)
	if err != nil {
		return err
	}
	if err := w.Append(p); err != nil {
		return err
	}
	return w.EndEntry()
}

// Position is the end of the last sealed entry. It is undefined while an
// entry is open.
func (w *Writer) Position() (LogPosition, error) {
	if w.state != stateIdle {
		return LogPosition{}, ErrPositionInEntry
	}
	return LogPosition{Version: w.version, Offset: w.base + int64(w.cursor)}, nil
}

// LastChecksum is the checksum of the last sealed envelope.
func (w *Writer) LastChecksum() uint32 {
	return w.prev
}

func (w *Writer) Version() uint64 {
	return w.version
}

// PrepareForFlush rotates the file if due and hands every sealed byte not
// yet handed off to a Flushable. Every returned Flushable must be flushed.
func (w *Writer) PrepareForFlush() (*Flushable, error) {
	if err := w.healthy(); err != nil {
		return nil, err
	}
	end := w.base + int64(w.sealed)
	if w.state == stateIdle && w.rot.ShouldRotate(end) && end > w.files.Config().FirstDataOffset() {
		if err := w.rotate(); err != nil {
			return nil, w.fail(err)
		}
	}
	f := &Flushable{
		w:    w,
		ch:   w.ch,
		data: w.buf[w.flushed:w.sealed],
		off:  w.base + int64(w.flushed),
	}
	w.flushed = w.sealed
	w.inflight.Add(1)
	return f, nil
}

// Flush is PrepareForFlush followed by Flushable.Flush.
func (w *Writer) Flush() error {
	f, err := w.PrepareForFlush()
	if err != nil {
		return err
	}
	return f.Flush()
}

// Close writes out every sealed byte and closes the file. An envelope still
// being filled is discarded.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.state != stateIdle {
		log.Warn("closing transaction log with an unfinished entry, discarding %d unsealed bytes",
			w.cursor-w.envStart)
		w.cursor = w.envStart
		w.state = stateIdle
	}
	w.inflight.Wait()
	var err error
	if !w.failed.Load() {
		err = multierr.Append(w.writeSealed(), w.ch.Sync())
	}
	return multierr.Append(err, w.ch.Close())
}

// beginEnvelope reserves a header at the cursor, padding the rest of the
// segment first when it cannot hold a header and at least one payload byte.
func (w *Writer) beginEnvelope() error {
	if rem := w.segmentEnd(w.cursor) - w.cursor; rem <= HeaderSize {
		clear(w.buf[w.cursor : w.cursor+rem])
		w.cursor += rem
		w.sealed = w.cursor
	}
	if w.cursor == len(w.buf) {
		if err := w.recycle(); err != nil {
			return err
		}
	}
	w.envStart = w.cursor
	w.cursor += HeaderSize
	return nil
}

func (w *Writer) seal(typ EnvelopeType) {
	env := w.buf[w.envStart:w.cursor]
	putHeader(env, typ, uint32(len(env)-HeaderSize), FormatVersion, w.prev)
	sum := checksum(env[typeOffset:])
	byteOrder.PutUint32(env[checksumOffset:], sum)
	w.prev = sum
	w.sealed = w.cursor
	w.envStart = w.cursor
	metrics.EnvelopesWrittenTotal.WithLabelValues(typ.String()).Inc()
}

// recycle drains a full buffer synchronously and moves the window forward.
func (w *Writer) recycle() error {
	w.inflight.Wait()
	if w.failed.Load() {
		return w.failure.Load()
	}
	if err := w.writeSealed(); err != nil {
		return err
	}
	w.base += int64(len(w.buf))
	w.cursor, w.envStart, w.sealed, w.flushed = 0, 0, 0, 0
	return nil
}

// rotate pads and closes the current version and continues in a new one.
func (w *Writer) rotate() error {
	w.inflight.Wait()
	if w.failed.Load() {
		return w.failure.Load()
	}
	if inSeg := w.cursor % w.seg; inSeg != 0 {
		end := w.cursor - inSeg + w.seg
		clear(w.buf[w.cursor:end])
		w.cursor = end
		w.sealed = end
	}
	if err := w.writeSealed(); err != nil {
		return err
	}
	if err := w.ch.Sync(); err != nil {
		return err
	}
	if err := w.ch.Close(); err != nil {
		return err
	}
	old := w.version
	version := w.rot.NextVersion()
	f, err := w.files.Create(version, w.prev)
	if err != nil {
		return err
	}
	w.ch = f
	w.version = version
	w.base = w.files.Config().FirstDataOffset()
	w.cursor, w.envStart, w.sealed, w.flushed = 0, 0, 0, 0
	metrics.RotationsTotal.Inc()
	log.Info("rotated transaction log from version %d to %d", old, version)
	return nil
}

func (w *Writer) writeSealed() error {
	if w.sealed == w.flushed {
		return nil
	}
	if _, err := w.ch.WriteAt(w.buf[w.flushed:w.sealed], w.base+int64(w.flushed)); err != nil {
		return err
	}
	w.flushed = w.sealed
	return nil
}

func (w *Writer) segmentEnd(off int) int {
	return off - off%w.seg + w.seg
}

func (w *Writer) healthy() error {
	if w.failed.Load() {
		return fmt.Errorf("%w: %v", ErrLogUnhealthy, w.failure.Load())
	}
	if w.closed {
		return fmt.Errorf("%w: writer closed", ErrLogUnhealthy)
	}
	return nil
}

// fail marks the writer unhealthy. The first failure is kept.
func (w *Writer) fail(err error) error {
	if w.failed.CompareAndSwap(false, true) {
		w.failure.Store(err)
		metrics.WriterHealthy.Set(0)
		log.Error("transaction log writer failed: %v", err)
	}
	return fmt.Errorf("%w: %v", ErrLogUnhealthy, err)
}

// Healthy reports whether the writer still accepts appends.
func (w *Writer) Healthy() bool {
	return !w.failed.Load() && !w.closed
}

package wal

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/alpacahq/txlog/metrics"
)

// Flushable is a range of sealed envelopes handed off by PrepareForFlush.
// Flush may run concurrently with further appends to the writer; the
// writer does not reuse the range until Flush returned.
type Flushable struct {
	w    *Writer
	ch   Channel
	data []byte
	off  int64
	done atomic.Bool
}

// Len is the number of bytes the flushable writes.
func (f *Flushable) Len() int { return len(f.data) }

// Flush writes the range and fsyncs the file. It can be called once.
func (f *Flushable) Flush() error {
	if !f.done.CompareAndSwap(false, true) {
		return ErrAlreadyFlushed
	}
	defer f.w.inflight.Done()
	if f.w.failed.Load() {
		return fmt.Errorf("%w: %v", ErrLogUnhealthy, f.w.failure.Load())
	}
	start := time.Now()
	if len(f.data) > 0 {
		if _, err := f.ch.WriteAt(f.data, f.off); err != nil {
			return f.w.fail(err)
		}
	}
	if err := f.ch.Sync(); err != nil {
		return f.w.fail(err)
	}
	metrics.BytesFlushedTotal.Add(float64(len(f.data)))
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	return nil
}

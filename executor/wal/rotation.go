package wal

import (
	"math"

	"go.uber.org/atomic"
)

// RotationManager decides when the writer moves on to a new log version
// and hands out version numbers.
type RotationManager struct {
	segmentSize  int
	rotationSize *atomic.Uint64
	lastVersion  *atomic.Uint64
	oldestNeeded *atomic.Uint64
}

// NewRotationManager seeds the version counter with the highest version
// ever observed, so NextVersion never reuses one.
func NewRotationManager(cfg Config, highestVersion uint64) *RotationManager {
	return &RotationManager{
		segmentSize:  cfg.SegmentSize,
		rotationSize: atomic.NewUint64(cfg.RotationThreshold),
		lastVersion:  atomic.NewUint64(highestVersion),
		oldestNeeded: atomic.NewUint64(0),
	}
}

// RotationSize is the file size that triggers rotation, 0 when disabled.
func (r *RotationManager) RotationSize() uint64 {
	return r.rotationSize.Load()
}

// SetRotationSize changes the threshold of a running log.
func (r *RotationManager) SetRotationSize(n uint64) error {
	if err := validateRotationThreshold(n, r.segmentSize); err != nil {
		return err
	}
	r.rotationSize.Store(n)
	return nil
}

// ShouldRotate reports whether a file that has grown to pos bytes is due
// for rotation.
func (r *RotationManager) ShouldRotate(pos int64) bool {
	limit := r.rotationSize.Load()
	if limit == 0 {
		limit = math.MaxUint64
	}
	return pos >= 0 && uint64(pos) >= limit
}

// NextVersion reserves the next unused version.
func (r *RotationManager) NextVersion() uint64 {
	return r.lastVersion.Inc()
}

// Observe raises the version counter to at least v.
func (r *RotationManager) Observe(v uint64) {
	for {
		cur := r.lastVersion.Load()
		if v <= cur || r.lastVersion.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (r *RotationManager) LastVersion() uint64 {
	return r.lastVersion.Load()
}

// Checkpointed records that everything before pos is durable in storage,
// so versions older than pos.Version are no longer needed for recovery.
func (r *RotationManager) Checkpointed(pos LogPosition) {
	for {
		cur := r.oldestNeeded.Load()
		if pos.Version <= cur || r.oldestNeeded.CompareAndSwap(cur, pos.Version) {
			return
		}
	}
}

// OldestNeeded is the lowest version recovery may still have to read.
func (r *RotationManager) OldestNeeded() uint64 {
	return r.oldestNeeded.Load()
}

package wal

import (
	"fmt"
	"math/bits"
	"path/filepath"
)

const (
	MinSegmentSize = 64
	MaxSegmentSize = 1 << 30
)

// Config is the single tagged configuration consumed by the writer, the
// readers and the tail scanner. Build it with a Builder.
type Config struct {
	Dir               string
	SegmentSize       int
	BufferSize        int
	RotationThreshold uint64
	// FailOnCorruptedLogFiles makes the tail scan fatal on corruption
	// instead of truncating the logical tail.
	FailOnCorruptedLogFiles bool
	// Preallocate is advisory; it is ignored where unsupported.
	Preallocate bool
	// ReadOnly log files refuse creation, truncation and quarantine.
	ReadOnly bool
	StoreID  StoreID
	// KeepLogFiles is how many versions older than the oldest needed one
	// are kept; negative keeps everything.
	KeepLogFiles int
}

// FirstDataOffset is the offset of the first envelope in every file.
func (c Config) FirstDataOffset() int64 {
	return int64(c.SegmentSize)
}

// Builder validates a Config eagerly, before any I/O happens.
type Builder struct {
	cfg Config
}

func NewBuilder(dir string) *Builder {
	return &Builder{cfg: Config{
		Dir:                     dir,
		SegmentSize:             128 << 10,
		BufferSize:              512 << 10,
		RotationThreshold:       256 << 20,
		FailOnCorruptedLogFiles: true,
		KeepLogFiles:            -1,
	}}
}

func (b *Builder) WithSegmentSize(n int) *Builder {
	b.cfg.SegmentSize = n
	return b
}

func (b *Builder) WithBufferSize(n int) *Builder {
	b.cfg.BufferSize = n
	return b
}

// WithRotationThreshold sets the file size that triggers rotation; 0 disables rotation.
func (b *Builder) WithRotationThreshold(n uint64) *Builder {
	b.cfg.RotationThreshold = n
	return b
}

func (b *Builder) WithFailOnCorruptedLogFiles(fail bool) *Builder {
	b.cfg.FailOnCorruptedLogFiles = fail
	return b
}

func (b *Builder) WithPreallocation(preallocate bool) *Builder {
	b.cfg.Preallocate = preallocate
	return b
}

func (b *Builder) WithStoreID(id StoreID) *Builder {
	b.cfg.StoreID = id
	return b
}

func (b *Builder) WithKeepLogFiles(n int) *Builder {
	b.cfg.KeepLogFiles = n
	return b
}

func (b *Builder) ReadOnly() *Builder {
	b.cfg.ReadOnly = true
	return b
}

func (b *Builder) Build() (Config, error) {
	c := b.cfg
	if c.Dir == "" {
		return Config{}, fmt.Errorf("%w: empty log directory", ErrInvalidConfig)
	}
	c.Dir = filepath.Clean(c.Dir)
	if err := validateSegmentSize(c.SegmentSize); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.BufferSize <= 0 || c.BufferSize%c.SegmentSize != 0 {
		return Config{}, fmt.Errorf("%w: buffer size %d is not a positive multiple of segment size %d",
			ErrInvalidConfig, c.BufferSize, c.SegmentSize)
	}
	if err := validateRotationThreshold(c.RotationThreshold, c.SegmentSize); err != nil {
		return Config{}, err
	}
	return c, nil
}

func validateSegmentSize(n int) error {
	if n < MinSegmentSize || n > MaxSegmentSize {
		return fmt.Errorf("segment size %d out of range [%d, %d]", n, MinSegmentSize, MaxSegmentSize)
	}
	if bits.OnesCount(uint(n)) != 1 {
		return fmt.Errorf("segment size %d is not a power of two", n)
	}
	return nil
}

func validateRotationThreshold(n uint64, segmentSize int) error {
	if n%uint64(segmentSize) != 0 {
		return fmt.Errorf("%w: rotation threshold %d is not a multiple of segment size %d",
			ErrInvalidConfig, n, segmentSize)
	}
	return nil
}

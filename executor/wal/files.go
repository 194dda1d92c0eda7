package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alpacahq/txlog/utils/log"
)

const (
	walFilePerm      = 0o600
	walDirPerm       = 0o700
	quarantineSuffix = ".quarantined"
)

// Channel is the file handle the writer flushes to.
type Channel interface {
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
	Name() string
}

// LogFiles is the set of versioned log files in one directory.
type LogFiles struct {
	cfg    Config
	finder *Finder
}

func NewLogFiles(cfg Config) *LogFiles {
	return &LogFiles{cfg: cfg, finder: NewFinder(os.ReadDir)}
}

func (lf *LogFiles) Config() Config { return lf.cfg }

func (lf *LogFiles) Path(version uint64) string {
	return filepath.Join(lf.cfg.Dir, LogFileName(version))
}

// Versions lists the existing versions in ascending order.
func (lf *LogFiles) Versions() ([]uint64, error) {
	return lf.finder.Find(lf.cfg.Dir)
}

func (lf *LogFiles) Exists(version uint64) bool {
	_, err := os.Stat(lf.Path(version))
	return err == nil
}

// Create creates a new version with a fresh header segment.
func (lf *LogFiles) Create(version uint64, prevChecksum uint32) (*os.File, error) {
	if lf.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	if err := os.MkdirAll(lf.cfg.Dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := lf.Path(version)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, walFilePerm)
	if err != nil {
		return nil, fmt.Errorf("create log version %d: %w", version, err)
	}
	h := FileHeader{
		FormatVersion:    FormatVersion,
		SegmentSize:      lf.cfg.SegmentSize,
		Version:          version,
		PreviousChecksum: prevChecksum,
		StoreID:          lf.cfg.StoreID,
	}
	if err := writeFileHeader(f, h); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header of log version %d: %w", version, err)
	}
	lf.preallocate(f)
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync log version %d: %w", version, err)
	}
	if err := syncDir(lf.cfg.Dir); err != nil {
		f.Close()
		return nil, err
	}
	log.Info("created log file %s", path)
	return f, nil
}

// OpenForAppend opens an existing version for writing at pos. Everything
// after pos is discarded.
func (lf *LogFiles) OpenForAppend(pos LogPosition) (*os.File, FileHeader, error) {
	if lf.cfg.ReadOnly {
		return nil, FileHeader{}, ErrReadOnly
	}
	f, err := os.OpenFile(lf.Path(pos.Version), os.O_RDWR, walFilePerm)
	if err != nil {
		return nil, FileHeader{}, fmt.Errorf("open log version %d: %w", pos.Version, err)
	}
	h, err := ReadFileHeader(f)
	if err != nil {
		f.Close()
		return nil, FileHeader{}, &CorruptedLogError{Path: f.Name(), Position: LogPosition{Version: pos.Version}, Err: err}
	}
	if h.SegmentSize != lf.cfg.SegmentSize {
		f.Close()
		return nil, FileHeader{}, fmt.Errorf("%w: log version %d has segment size %d, configured %d",
			ErrInvalidConfig, pos.Version, h.SegmentSize, lf.cfg.SegmentSize)
	}
	if err := f.Truncate(pos.Offset); err != nil {
		f.Close()
		return nil, FileHeader{}, fmt.Errorf("truncate log version %d to %d: %w", pos.Version, pos.Offset, err)
	}
	lf.preallocate(f)
	return f, h, nil
}

// OpenReader opens a version read-only and validates its header.
func (lf *LogFiles) OpenReader(version uint64) (*os.File, FileHeader, error) {
	f, err := os.Open(lf.Path(version))
	if err != nil {
		return nil, FileHeader{}, err
	}
	h, err := ReadFileHeader(f)
	if err != nil {
		f.Close()
		return nil, FileHeader{}, &CorruptedLogError{Path: f.Name(), Position: LogPosition{Version: version}, Err: err}
	}
	if h.Version != version {
		f.Close()
		return nil, FileHeader{}, &CorruptedLogError{
			Path:     f.Name(),
			Position: LogPosition{Version: version},
			Err:      fmt.Errorf("%w: header names version %d", ErrBadFileHeader, h.Version),
		}
	}
	return f, h, nil
}

// emptyPastHeader reports whether version holds nothing but zeros after its
// header segment.
func (lf *LogFiles) emptyPastHeader(version uint64) (bool, error) {
	f, err := os.Open(lf.Path(version))
	if err != nil {
		return false, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	return zeroFrom(f, fi.Size(), lf.cfg.FirstDataOffset())
}

// Quarantine renames versions so they are no longer part of the log.
func (lf *LogFiles) Quarantine(versions []uint64) error {
	if lf.cfg.ReadOnly {
		return ErrReadOnly
	}
	for _, v := range versions {
		from := lf.Path(v)
		if err := os.Rename(from, from+quarantineSuffix); err != nil {
			return fmt.Errorf("quarantine log version %d: %w", v, err)
		}
		log.Warn("quarantined %s", from)
	}
	return syncDir(lf.cfg.Dir)
}

// Remove deletes one version.
func (lf *LogFiles) Remove(version uint64) error {
	if lf.cfg.ReadOnly {
		return ErrReadOnly
	}
	if err := os.Remove(lf.Path(version)); err != nil {
		return fmt.Errorf("cannot remove log version %d: %w", version, err)
	}
	return nil
}

func (lf *LogFiles) preallocate(f *os.File) {
	if !lf.cfg.Preallocate || lf.cfg.RotationThreshold == 0 {
		return
	}
	if err := preallocate(f, int64(lf.cfg.RotationThreshold)); err != nil {
		log.Warn("failed to preallocate %s, continuing without: %v", f.Name(), err)
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open log directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync log directory: %w", err)
	}
	return nil
}

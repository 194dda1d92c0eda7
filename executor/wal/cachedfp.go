package wal

import (
	"fmt"
	"os"
)

// CachedFP keeps the file of one log version open while a cursor walks
// through it and swaps it when the cursor moves on.
type CachedFP struct {
	files   *LogFiles
	version uint64
	fp      *os.File
	header  FileHeader
	size    int64
}

func NewCachedFP(files *LogFiles) *CachedFP {
	return &CachedFP{files: files}
}

// GetFP returns the open file of version with its validated header and
// size.
func (cfp *CachedFP) GetFP(version uint64) (fp *os.File, h FileHeader, size int64, err error) {
	if cfp.fp != nil && version == cfp.version {
		return cfp.fp, cfp.header, cfp.size, nil
	}
	if err := cfp.Close(); err != nil {
		return nil, FileHeader{}, 0, err
	}
	fp, h, err = cfp.files.OpenReader(version)
	if err != nil {
		return nil, FileHeader{}, 0, fmt.Errorf("open cached log version: %w", err)
	}
	fi, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, FileHeader{}, 0, fmt.Errorf("stat cached log version: %w", err)
	}
	cfp.fp, cfp.version, cfp.header, cfp.size = fp, version, h, fi.Size()
	return fp, h, cfp.size, nil
}

func (cfp *CachedFP) Close() error {
	if cfp.fp == nil {
		return nil
	}
	err := cfp.fp.Close()
	cfp.fp = nil
	return err
}

func (cfp *CachedFP) String() string {
	return fmt.Sprintf("CachedFP(version: %d)", cfp.version)
}

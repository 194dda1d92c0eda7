package wal

import (
	xxhash "github.com/cespare/xxhash/v2"
)

// Checksum accumulates the 32 bit envelope checksum. It is a value type:
// declare one per envelope, Reset it, and feed it the hashed regions.
type Checksum struct {
	d xxhash.Digest
}

func (c *Checksum) Reset() { c.d.Reset() }

func (c *Checksum) Write(p []byte) {
	_, _ = c.d.Write(p)
}

// Sum32 folds the 64 bit xxhash state to 32 bits.
func (c *Checksum) Sum32() uint32 {
	return fold(c.d.Sum64())
}

func checksum(p []byte) uint32 {
	return fold(xxhash.Sum64(p))
}

func fold(h uint64) uint32 {
	return uint32(h>>32) ^ uint32(h)
}

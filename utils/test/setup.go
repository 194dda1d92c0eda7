package test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// FlipByte inverts the byte at off of the file at path.
func FlipByte(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.Nil(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.Nil(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, off)
	require.Nil(t, err)
}

// WriteAt overwrites the file at path with p at off, growing it if needed.
func WriteAt(t *testing.T, path string, off int64, p []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.Nil(t, err)
	defer f.Close()
	_, err = f.WriteAt(p, off)
	require.Nil(t, err)
}

// Truncate cuts the file at path to size bytes, or extends it with zeros.
func Truncate(t *testing.T, path string, size int64) {
	t.Helper()
	require.Nil(t, os.Truncate(path, size))
}

func FileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.Nil(t, err)
	return fi.Size()
}

func ReadFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.Nil(t, err)
	return b
}

// CopyFile copies src to dst, replacing dst.
func CopyFile(t *testing.T, src, dst string) {
	t.Helper()
	require.Nil(t, os.WriteFile(dst, ReadFile(t, src), 0o600))
}

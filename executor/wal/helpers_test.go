package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSegment = 64

func setup(t *testing.T, bufferSegments int, rotation uint64) (*LogFiles, *RotationManager) {
	t.Helper()
	cfg, err := NewBuilder(t.TempDir()).
		WithSegmentSize(testSegment).
		WithBufferSize(bufferSegments * testSegment).
		WithRotationThreshold(rotation).
		Build()
	require.Nil(t, err)
	return NewLogFiles(cfg), NewRotationManager(cfg, 0)
}

// command builds a command entry whose encoded payload is 13+n bytes.
func command(tx int64, n int) *CommandEntry {
	return &CommandEntry{TransactionID: tx, Commands: bytes.Repeat([]byte{byte(tx)}, n)}
}

func writeEntries(t *testing.T, w *Writer, entries ...Entry) {
	t.Helper()
	for _, e := range entries {
		require.Nil(t, w.WriteEntry(e))
	}
	require.Nil(t, w.Flush())
}

func readAll(t *testing.T, files *LogFiles, start LogPosition) ([]Entry, *EntryCursor) {
	t.Helper()
	c, err := OpenEntryCursor(files, start)
	require.Nil(t, err)
	t.Cleanup(func() { c.Close() })
	var ret []Entry
	for {
		e, _, err := c.Next()
		if err == io.EOF {
			return ret, c
		}
		require.Nil(t, err)
		ret = append(ret, e)
	}
}

type envelopeAt struct {
	off int64
	env Envelope
}

// envelopes reads every envelope of one version.
func envelopes(t *testing.T, files *LogFiles, version uint64) []envelopeAt {
	t.Helper()
	f, h, err := files.OpenReader(version)
	require.Nil(t, err)
	defer f.Close()
	fi, err := f.Stat()
	require.Nil(t, err)
	rd := NewEnvelopeReader(f, f.Name(), version, h.SegmentSize, fi.Size(), int64(h.SegmentSize),
		h.PreviousChecksum, true)
	var ret []envelopeAt
	for {
		env, err := rd.Next()
		if err == io.EOF {
			return ret
		}
		require.Nil(t, err)
		env.Payload = append([]byte{}, env.Payload...)
		ret = append(ret, envelopeAt{off: rd.Offset() - int64(env.Size()), env: env})
	}
}

func types(envs []envelopeAt) []EnvelopeType {
	ret := make([]EnvelopeType, len(envs))
	for i, e := range envs {
		ret[i] = e.env.Type
	}
	return ret
}

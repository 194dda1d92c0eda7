package executor_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alpacahq/txlog/executor"
	"github.com/alpacahq/txlog/executor/wal"
)

type applied struct {
	entry wal.Entry
	mode  executor.ApplyMode
}

// recordingStorage is a storage engine that remembers what it was asked to
// apply.
type recordingStorage struct {
	mu      sync.Mutex
	applied []applied
	flushes int
}

func (s *recordingStorage) Apply(_ context.Context, e wal.Entry, mode executor.ApplyMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, applied{entry: e, mode: mode})
	return nil
}

func (s *recordingStorage) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *recordingStorage) entries(mode executor.ApplyMode) []wal.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []wal.Entry
	for _, a := range s.applied {
		if a.mode == mode {
			ret = append(ret, a.entry)
		}
	}
	return ret
}

func (s *recordingStorage) kinds(mode executor.ApplyMode) []string {
	var ret []string
	for _, e := range s.entries(mode) {
		ret = append(ret, e.Kind().String())
	}
	return ret
}

const testSegment = 64

func testConfig(t *testing.T, dir string, rotation uint64, fail bool) wal.Config {
	t.Helper()
	cfg, err := wal.NewBuilder(dir).
		WithSegmentSize(testSegment).
		WithBufferSize(4 * testSegment).
		WithRotationThreshold(rotation).
		WithFailOnCorruptedLogFiles(fail).
		Build()
	require.Nil(t, err)
	return cfg
}

func newIDs() *executor.InMemoryTransactionIDStore {
	return executor.NewInMemoryTransactionIDStore(wal.TransactionID{}, wal.LogPosition{})
}

func startup(t *testing.T, cfg wal.Config) (*executor.InstanceMetadata, *recordingStorage, *executor.InMemoryTransactionIDStore) {
	t.Helper()
	storage := &recordingStorage{}
	ids := newIDs()
	inst, err := executor.Startup(context.Background(), cfg, storage, ids)
	require.Nil(t, err)
	return inst, storage, ids
}

func commit(t *testing.T, txLog *executor.TransactionLog, commands ...string) wal.TransactionID {
	t.Helper()
	batch := executor.TransactionBatch{Timestamp: 1000, ConsensusIndex: 1}
	for _, c := range commands {
		batch.Commands = append(batch.Commands, []byte(c))
	}
	tx, _, err := txLog.Commit(context.Background(), batch)
	require.Nil(t, err)
	return tx
}

// logEntries reads the whole log of cfg from its oldest version.
func logEntries(t *testing.T, cfg wal.Config) []wal.Entry {
	t.Helper()
	files := wal.NewLogFiles(cfg)
	versions, err := files.Versions()
	require.Nil(t, err)
	require.NotEmpty(t, versions)
	c, err := wal.OpenEntryCursor(files, wal.LogPosition{Version: versions[0]})
	require.Nil(t, err)
	defer c.Close()
	var ret []wal.Entry
	for {
		e, _, err := c.Next()
		if err == io.EOF {
			return ret
		}
		require.Nil(t, err)
		ret = append(ret, e)
	}
}

func kinds(entries []wal.Entry) []string {
	ret := make([]string, len(entries))
	for i, e := range entries {
		ret[i] = e.Kind().String()
	}
	return ret
}

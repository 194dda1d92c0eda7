package executor_test

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/txlog/executor"
	"github.com/alpacahq/txlog/executor/wal"
	"github.com/alpacahq/txlog/utils/test"
)

func TestRecoveryReplaysCommitsAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, t.TempDir(), 0, true)

	storage := &recordingStorage{}
	ids := executor.NewInMemoryTransactionIDStore(wal.TransactionID{ID: 9}, wal.LogPosition{})
	inst, err := executor.Startup(ctx, cfg, storage, ids)
	require.Nil(t, err)
	cp, err := inst.Log.Checkpoint(ctx, executor.ReasonExplicit)
	require.Nil(t, err)
	for i := 0; i < 3; i++ {
		commit(t, inst.Log, "set a 1", "set b 2")
	}
	end, err := inst.Log.Position()
	require.Nil(t, err)
	// crash: the log is abandoned without a shutdown checkpoint

	storage2 := &recordingStorage{}
	ids2 := executor.NewInMemoryTransactionIDStore(cp.TransactionID, cp.Position)
	inst2, err := executor.Startup(ctx, cfg, storage2, ids2)
	require.Nil(t, err)

	tail := inst2.Tail
	assert.True(t, tail.RecoveryRequired)
	assert.False(t, tail.Corrupted)
	assert.Equal(t, int64(10), tail.FirstTxIDAfterCheckpoint)
	require.NotNil(t, tail.LastCheckpoint)
	assert.Equal(t, cp.Position, tail.LastCheckpoint.Position)
	assert.Equal(t, end, tail.EndPosition)

	var committed []int64
	for _, e := range storage2.entries(executor.ModeRecovery) {
		if c, ok := e.(*wal.CommitEntry); ok {
			committed = append(committed, c.Transaction.ID)
		}
	}
	assert.Equal(t, []int64{10, 11, 12}, committed)
	assert.Len(t, storage2.entries(executor.ModeRecovery), 12)
	assert.Empty(t, storage2.entries(executor.ModeReverseRecovery))
	assert.Equal(t, int64(12), ids2.LastCommittedTransaction().ID)
	assert.Equal(t, int64(13), ids2.NextTransactionID())

	last, err := wal.NewCheckpointFile(cfg.Dir, true).Last()
	require.Nil(t, err)
	assert.Equal(t, executor.ReasonRecovery, last.Reason)
	assert.Equal(t, end, last.Position)
	assert.Equal(t, int64(12), last.TransactionID.ID)

	require.Nil(t, inst2.Log.Close(ctx))

	// a clean shutdown leaves nothing to recover
	inst3, storage3, _ := startup(t, cfg)
	defer inst3.Log.Close(ctx)
	assert.False(t, inst3.Tail.RecoveryRequired)
	assert.Equal(t, wal.NoTransactionID, inst3.Tail.FirstTxIDAfterCheckpoint)
	assert.Empty(t, storage3.applied)
}

func TestRecoveryRollsBackTornCommit(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 0, true)
	files := wal.NewLogFiles(cfg)
	w, err := wal.NewWriter(files, wal.NewRotationManager(cfg, 0), 0)
	require.Nil(t, err)
	require.Nil(t, w.WriteEntry(&wal.StartEntry{TransactionID: 5, Timestamp: 1}))
	require.Nil(t, w.WriteEntry(&wal.CommandEntry{TransactionID: 5, Commands: []byte("x")}))
	beforeCommit, err := w.Position()
	require.Nil(t, err)
	require.Nil(t, w.WriteEntry(&wal.CommitEntry{Transaction: wal.TransactionID{ID: 5}}))
	require.Nil(t, w.Flush())
	require.Nil(t, w.Close())
	// the crash hit while the header of the Commit envelope was written
	commitAt := wal.LogPosition{Version: 1, Offset: nextEnvelope(beforeCommit)}
	test.Truncate(t, files.Path(1), commitAt.Offset+7)

	inst, storage, ids := startup(t, cfg)
	defer inst.Log.Close(context.Background())

	tail := inst.Tail
	assert.True(t, tail.RecoveryRequired)
	assert.False(t, tail.Corrupted)
	assert.Equal(t, int64(5), tail.FirstTxIDAfterCheckpoint)
	assert.Equal(t, beforeCommit, tail.EndPosition)
	require.NotNil(t, tail.TornPosition)
	assert.Equal(t, commitAt, *tail.TornPosition)

	assert.Equal(t, []string{"START", "COMMAND"}, storage.kinds(executor.ModeRecovery))
	rollbacks := storage.entries(executor.ModeReverseRecovery)
	require.Len(t, rollbacks, 1)
	assert.Equal(t, int64(5), rollbacks[0].TxID())
	assert.Equal(t, wal.KindRollback, rollbacks[0].Kind())
	assert.Equal(t, int64(0), ids.LastCommittedTransaction().ID)

	assert.Equal(t, []string{"START", "COMMAND", "ROLLBACK", "CHECKPOINT"}, kinds(logEntries(t, cfg)))

	// nothing committed after the checkpoint: the closed transaction is
	// moved to the recovery checkpoint
	last, err := wal.NewCheckpointFile(cfg.Dir, true).Last()
	require.Nil(t, err)
	assert.Equal(t, executor.ReasonRecovery, last.Reason)
	_, closedAt := ids.LastClosedTransaction()
	assert.Equal(t, last.Position, closedAt)
}

func TestReplayFailsWhenLogChangedAfterScan(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 0, true)
	starts := writeTransactions(t, cfg, 3)
	meta, err := executor.NewTailScanner(cfg).Scan()
	require.Nil(t, err)
	require.True(t, meta.RecoveryRequired)

	files := wal.NewLogFiles(cfg)
	test.Truncate(t, files.Path(1), starts[1].Offset)
	_, err = executor.NewRecoveryApplier(files, &recordingStorage{}).Replay(context.Background(), meta)
	var replay wal.ReplayError
	require.True(t, errors.As(err, &replay), "got %v", err)
	assert.False(t, replay.Cont)
	assert.True(t, errors.Is(err, executor.ErrRecoveryEnvironmentChanged))
}

// writeTransactions writes complete transactions with a raw writer and
// returns the position after the Start entry of each.
func writeTransactions(t *testing.T, cfg wal.Config, n int) []wal.LogPosition {
	t.Helper()
	files := wal.NewLogFiles(cfg)
	w, err := wal.NewWriter(files, wal.NewRotationManager(cfg, 0), 0)
	require.Nil(t, err)
	var starts []wal.LogPosition
	for id := int64(1); id <= int64(n); id++ {
		require.Nil(t, w.WriteEntry(&wal.StartEntry{TransactionID: id}))
		pos, err := w.Position()
		require.Nil(t, err)
		starts = append(starts, pos)
		require.Nil(t, w.WriteEntry(&wal.CommandEntry{TransactionID: id, Commands: []byte("set k v")}))
		require.Nil(t, w.WriteEntry(&wal.CommitEntry{Transaction: wal.TransactionID{ID: id}}))
		require.Nil(t, w.Flush())
	}
	require.Nil(t, w.Close())
	return starts
}

// nextEnvelope is the offset of the envelope written at pos.
func nextEnvelope(pos wal.LogPosition) int64 {
	if rem := testSegment - pos.Offset%testSegment; rem <= wal.HeaderSize {
		return pos.Offset + rem
	}
	return pos.Offset
}

func TestRecoveryCorruptionPolicy(t *testing.T) {
	dir := t.TempDir()
	starts := writeTransactions(t, testConfig(t, dir, 0, true), 3)
	// damage the Command of transaction 2
	test.FlipByte(t, wal.NewLogFiles(testConfig(t, dir, 0, true)).Path(1), nextEnvelope(starts[1])+wal.HeaderSize)

	t.Run("strict", func(t *testing.T) {
		strict := testConfig(t, dir, 0, true)
		_, err := executor.NewTailScanner(strict).Scan()
		var corrupt *wal.CorruptedLogError
		require.True(t, errors.As(err, &corrupt), "got %v", err)
		assert.Equal(t, nextEnvelope(starts[1]), corrupt.Position.Offset)

		_, err = executor.Startup(context.Background(), strict, &recordingStorage{}, newIDs())
		assert.True(t, errors.As(err, &corrupt))
	})

	t.Run("lenient", func(t *testing.T) {
		lenient := testConfig(t, dir, 0, false)
		inst, storage, ids := startup(t, lenient)
		defer inst.Log.Close(context.Background())

		tail := inst.Tail
		assert.True(t, tail.Corrupted)
		assert.True(t, tail.RecoveryRequired)
		require.NotNil(t, tail.CorruptionPosition)
		assert.Equal(t, starts[1], tail.EndPosition)
		assert.Equal(t, int64(1), tail.FirstTxIDAfterCheckpoint)

		assert.Equal(t, []string{"START", "COMMAND", "COMMIT", "START"}, storage.kinds(executor.ModeRecovery))
		assert.Equal(t, []string{"ROLLBACK"}, storage.kinds(executor.ModeReverseRecovery))
		assert.Equal(t, int64(1), ids.LastCommittedTransaction().ID)

		entries := logEntries(t, lenient)
		assert.Equal(t, []string{"START", "COMMAND", "COMMIT", "START", "ROLLBACK", "CHECKPOINT"}, kinds(entries))
		assert.Equal(t, int64(2), entries[4].TxID())
	})
}

func TestRecoveryDamagedLastCommitIsCorruption(t *testing.T) {
	dir := t.TempDir()
	strict := testConfig(t, dir, 0, true)
	writeTransactions(t, strict, 3)
	files := wal.NewLogFiles(strict)
	// the Commit of transaction 3 is complete and only zeros follow it
	commitAt := lastEnvelope(t, files, 1)
	test.FlipByte(t, files.Path(1), commitAt+wal.HeaderSize)

	meta, err := executor.NewTailScanner(strict).Scan()
	var corrupt *wal.CorruptedLogError
	require.True(t, errors.As(err, &corrupt), "got %v", err)
	assert.Equal(t, wal.LogPosition{Version: 1, Offset: commitAt}, corrupt.Position)
	assert.Nil(t, meta.TornPosition)

	_, err = executor.Startup(context.Background(), strict, &recordingStorage{}, newIDs())
	assert.True(t, errors.As(err, &corrupt), "got %v", err)

	inst, storage, ids := startup(t, testConfig(t, dir, 0, false))
	defer inst.Log.Close(context.Background())
	assert.True(t, inst.Tail.Corrupted)
	assert.Nil(t, inst.Tail.TornPosition)
	assert.Equal(t, []string{"ROLLBACK"}, storage.kinds(executor.ModeReverseRecovery))
	assert.Equal(t, int64(2), ids.LastCommittedTransaction().ID)
}

func TestRecoveryQuarantinesVersionsAfterCorruption(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, t.TempDir(), 4*testSegment, false)
	files := wal.NewLogFiles(cfg)

	inst, _, _ := startup(t, cfg)
	for i := 0; i < 6; i++ {
		commit(t, inst.Log, "0123456789012345678901234567890123456789")
	}
	before, err := files.Versions()
	require.Nil(t, err)
	require.True(t, len(before) >= 3, "versions %v", before)
	highest := before[len(before)-1]
	// crash, then damage the last envelope of the oldest version
	test.FlipByte(t, files.Path(1), lastEnvelope(t, files, 1)+wal.HeaderSize)

	inst2, _, _ := startup(t, cfg)
	assert.True(t, inst2.Tail.Corrupted)
	assert.Equal(t, uint64(1), inst2.Tail.EndPosition.Version)
	for _, v := range before[1:] {
		_, err := os.Stat(files.Path(v) + ".quarantined")
		assert.Nil(t, err, "version %d", v)
	}

	for i := 0; i < 3; i++ {
		commit(t, inst2.Log, "0123456789012345678901234567890123456789")
	}
	require.Nil(t, inst2.Log.Close(ctx))

	after, err := files.Versions()
	require.Nil(t, err)
	require.True(t, len(after) >= 2, "versions %v", after)
	assert.Equal(t, uint64(1), after[0])
	assert.True(t, after[1] > highest, "versions %v after %v", after, before)

	// the log still reads as one chain across the quarantined gap
	entries := logEntries(t, cfg)
	assert.Equal(t, "CHECKPOINT", entries[len(entries)-1].Kind().String())

	inst3, storage3, _ := startup(t, cfg)
	defer inst3.Log.Close(ctx)
	assert.False(t, inst3.Tail.RecoveryRequired)
	assert.Empty(t, storage3.applied)
}

func lastEnvelope(t *testing.T, files *wal.LogFiles, version uint64) int64 {
	t.Helper()
	f, h, err := files.OpenReader(version)
	require.Nil(t, err)
	defer f.Close()
	fi, err := f.Stat()
	require.Nil(t, err)
	rd := wal.NewEnvelopeReader(f, f.Name(), version, h.SegmentSize, fi.Size(),
		int64(h.SegmentSize), h.PreviousChecksum, true)
	last := int64(-1)
	for {
		env, err := rd.Next()
		if err == io.EOF {
			require.True(t, last >= 0)
			return last
		}
		require.Nil(t, err)
		last = rd.Offset() - int64(env.Size())
	}
}

func TestRecoveryWithMissingLogFiles(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, t.TempDir(), 0, true)
	inst, _, _ := startup(t, cfg)
	commit(t, inst.Log, "a")
	commit(t, inst.Log, "b")
	require.Nil(t, inst.Log.Close(ctx))

	files := wal.NewLogFiles(cfg)
	versions, err := files.Versions()
	require.Nil(t, err)
	for _, v := range versions {
		require.Nil(t, os.Remove(files.Path(v)))
	}

	inst2, storage, ids := startup(t, cfg)
	defer inst2.Log.Close(ctx)
	assert.True(t, inst2.Tail.FilesMissing)
	assert.True(t, inst2.Tail.RecoveryRequired)
	assert.Empty(t, storage.entries(executor.ModeRecovery))

	pos, err := inst2.Log.Position()
	require.Nil(t, err)
	assert.True(t, pos.Version > versions[len(versions)-1])
	_, closedAt := ids.LastClosedTransaction()
	assert.Equal(t, pos.Version, closedAt.Version)

	last, err := wal.NewCheckpointFile(cfg.Dir, true).Last()
	require.Nil(t, err)
	assert.Equal(t, executor.ReasonFilesMissing, last.Reason)
}

func TestRecoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, t.TempDir(), 0, true)
	inst, _, _ := startup(t, cfg)
	commit(t, inst.Log, "a")

	storage := &recordingStorage{}
	txLog := executor.NewTransactionLog(cfg, storage, newIDs())
	require.Nil(t, txLog.Recover(ctx))
	n := len(storage.applied)
	assert.Equal(t, 3, n)
	require.Nil(t, txLog.Recover(ctx))
	assert.Len(t, storage.applied, n)
	require.Nil(t, txLog.Close(ctx))
	require.Nil(t, txLog.Close(ctx))
}

func TestIncompatibleStore(t *testing.T) {
	dir := t.TempDir()
	a, err := wal.NewBuilder(dir).WithSegmentSize(testSegment).WithBufferSize(testSegment).
		WithStoreID(wal.StoreID{Random: 1, CreationTime: 1}).Build()
	require.Nil(t, err)
	inst, _, _ := startup(t, a)
	require.Nil(t, inst.Log.Close(context.Background()))

	b, err := wal.NewBuilder(dir).WithSegmentSize(testSegment).WithBufferSize(testSegment).
		WithStoreID(wal.StoreID{Random: 2, CreationTime: 1}).Build()
	require.Nil(t, err)
	_, err = executor.Startup(context.Background(), b, &recordingStorage{}, newIDs())
	var incompatible executor.IncompatibleStoreError
	assert.True(t, errors.As(err, &incompatible), "got %v", err)
}

func TestReadOnlyStartup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	inst, _, _ := startup(t, testConfig(t, dir, 0, true))
	commit(t, inst.Log, "a")
	// crash

	ro, err := wal.NewBuilder(dir).WithSegmentSize(testSegment).WithBufferSize(testSegment).ReadOnly().Build()
	require.Nil(t, err)
	_, err = executor.Startup(ctx, ro, &recordingStorage{}, newIDs())
	var unrecoverable executor.UnrecoverableLogError
	assert.True(t, errors.As(err, &unrecoverable), "got %v", err)

	inst2, _, _ := startup(t, testConfig(t, dir, 0, true))
	require.Nil(t, inst2.Log.Close(ctx))

	inst3, err := executor.Startup(ctx, ro, &recordingStorage{}, newIDs())
	require.Nil(t, err)
	_, err = inst3.Log.Append(&wal.RollbackEntry{TransactionID: 1})
	assert.True(t, errors.Is(err, wal.ErrReadOnly))
}

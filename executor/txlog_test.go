package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/alpacahq/txlog/executor"
	"github.com/alpacahq/txlog/executor/wal"
	"github.com/alpacahq/txlog/utils"
	"github.com/alpacahq/txlog/utils/log"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type TransactionLogSuite struct {
	Dir     string
	Config  wal.Config
	Storage *recordingStorage
	IDs     *executor.InMemoryTransactionIDStore
	Log     *executor.TransactionLog
}

var _ = Suite(&TransactionLogSuite{})

func (s *TransactionLogSuite) SetUpTest(c *C) {
	s.Dir = c.MkDir()
	var err error
	s.Config, err = wal.NewBuilder(s.Dir).
		WithSegmentSize(testSegment).
		WithBufferSize(4 * testSegment).
		WithRotationThreshold(8 * testSegment).
		Build()
	c.Assert(err, IsNil)
	s.Storage = &recordingStorage{}
	s.IDs = executor.NewInMemoryTransactionIDStore(wal.TransactionID{}, wal.LogPosition{})
	inst, err := executor.Startup(context.Background(), s.Config, s.Storage, s.IDs)
	c.Assert(err, IsNil)
	s.Log = inst.Log
}

func (s *TransactionLogSuite) TearDownTest(c *C) {
	c.Assert(s.Log.Close(context.Background()), IsNil)
}

func (s *TransactionLogSuite) batch(commands ...string) executor.TransactionBatch {
	b := executor.TransactionBatch{Timestamp: 42, ConsensusIndex: 7}
	for _, cmd := range commands {
		b.Commands = append(b.Commands, []byte(cmd))
	}
	return b
}

func (s *TransactionLogSuite) TestCommit(c *C) {
	ctx := context.Background()
	tx1, pos1, err := s.Log.Commit(ctx, s.batch("a", "b"))
	c.Assert(err, IsNil)
	tx2, pos2, err := s.Log.Commit(ctx, s.batch("c"))
	c.Assert(err, IsNil)

	c.Assert(tx1.ID, Equals, int64(1))
	c.Assert(tx2.ID, Equals, int64(2))
	c.Assert(tx2.CommitTimestamp, Equals, int64(42))
	c.Assert(tx2.ConsensusIndex, Equals, int64(7))
	c.Assert(pos1.Before(pos2), Equals, true)

	c.Assert(s.Storage.kinds(executor.ModeInternal), DeepEquals,
		[]string{"START", "COMMAND", "COMMAND", "COMMIT", "START", "COMMAND", "COMMIT"})
	c.Assert(s.IDs.LastCommittedTransaction(), Equals, tx2)
	closed, at := s.IDs.LastClosedTransaction()
	c.Assert(closed, Equals, tx2)
	c.Assert(at, Equals, pos2)

	start := s.Storage.entries(executor.ModeInternal)[4].(*wal.StartEntry)
	c.Assert(start.LastCommittedTxWhenStarted, Equals, int64(1))
}

func (s *TransactionLogSuite) TestCommitEmptyBatch(c *C) {
	_, _, err := s.Log.Commit(context.Background(), s.batch())
	c.Assert(errors.Is(err, executor.ErrEmptyBatch), Equals, true)
	c.Assert(s.Storage.entries(executor.ModeInternal), HasLen, 0)
}

func (s *TransactionLogSuite) TestConcurrentCommits(c *C) {
	ctx := context.Background()
	var wg sync.WaitGroup
	ids := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, _, err := s.Log.Commit(ctx, s.batch("x"))
			if err == nil {
				ids <- tx.ID
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[int64]bool{}
	for id := range ids {
		seen[id] = true
	}
	c.Assert(seen, HasLen, 20)

	// every transaction is contiguous in the log
	open := int64(0)
	for _, e := range s.Storage.entries(executor.ModeInternal) {
		switch e.(type) {
		case *wal.StartEntry:
			c.Assert(open, Equals, int64(0))
			open = e.TxID()
		case *wal.CommitEntry:
			c.Assert(e.TxID(), Equals, open)
			open = 0
		default:
			c.Assert(e.TxID(), Equals, open)
		}
	}
}

func (s *TransactionLogSuite) TestCheckpoint(c *C) {
	ctx := context.Background()
	tx, pos, err := s.Log.Commit(ctx, s.batch("a"))
	c.Assert(err, IsNil)
	flushes := s.Storage.flushes

	cp, err := s.Log.Checkpoint(ctx, executor.ReasonExplicit)
	c.Assert(err, IsNil)
	c.Assert(cp.Position, Equals, pos)
	c.Assert(cp.TransactionID, Equals, tx)
	c.Assert(cp.Reason, Equals, executor.ReasonExplicit)
	c.Assert(cp.KernelVersion, Equals, executor.KernelVersion)
	c.Assert(s.Storage.flushes, Equals, flushes+1)

	last, err := wal.NewCheckpointFile(s.Dir, true).Last()
	c.Assert(err, IsNil)
	c.Assert(*last, DeepEquals, cp)

	end, err := s.Log.Position()
	c.Assert(err, IsNil)
	c.Assert(pos.Before(end), Equals, true)
}

func (s *TransactionLogSuite) TestRotationAcrossCommits(c *C) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _, err := s.Log.Commit(ctx, s.batch("0123456789012345678901234567890123456789"))
		c.Assert(err, IsNil)
	}
	pos, err := s.Log.Position()
	c.Assert(err, IsNil)
	c.Assert(pos.Version > 1, Equals, true)
	c.Assert(s.Log.Healthy(), Equals, true)
}

func (s *TransactionLogSuite) TestAppendAndFlush(c *C) {
	before, err := s.Log.Position()
	c.Assert(err, IsNil)
	pos, err := s.Log.Append(&wal.ChunkEndEntry{TransactionID: 3, ChunkID: 1})
	c.Assert(err, IsNil)
	c.Assert(before.Before(pos), Equals, true)
	c.Assert(s.Log.Flush(), IsNil)
}

func (s *TransactionLogSuite) TestUpdateConfig(c *C) {
	cfg := &utils.LogConfig{RotationThreshold: 16 * testSegment, KeepLogFiles: 2, LogLevel: log.INFO}
	c.Assert(s.Log.UpdateConfig(cfg), IsNil)

	cfg.RotationThreshold = testSegment + 1
	c.Assert(s.Log.UpdateConfig(cfg), NotNil)
}

func (s *TransactionLogSuite) TestClosed(c *C) {
	ctx := context.Background()
	c.Assert(s.Log.Close(ctx), IsNil)

	_, _, err := s.Log.Commit(ctx, s.batch("a"))
	c.Assert(errors.Is(err, executor.ErrLogClosed), Equals, true)
	_, err = s.Log.Checkpoint(ctx, executor.ReasonExplicit)
	c.Assert(errors.Is(err, executor.ErrLogClosed), Equals, true)
	_, err = s.Log.Append(&wal.RollbackEntry{TransactionID: 1})
	c.Assert(errors.Is(err, executor.ErrLogClosed), Equals, true)
	// already recovered
	c.Assert(s.Log.Recover(ctx), IsNil)

	last, err := wal.NewCheckpointFile(s.Dir, true).Last()
	c.Assert(err, IsNil)
	c.Assert(last.Reason, Equals, executor.ReasonShutdown)
}

func (s *TransactionLogSuite) TestNotRecovered(c *C) {
	txLog := executor.NewTransactionLog(s.Config, &recordingStorage{}, s.IDs)
	_, _, err := txLog.Commit(context.Background(), s.batch("a"))
	c.Assert(errors.Is(err, executor.ErrNotRecovered), Equals, true)
	c.Assert(errors.Is(txLog.UpdateConfig(&utils.LogConfig{}), executor.ErrNotRecovered), Equals, true)
	c.Assert(txLog.Close(context.Background()), IsNil)
}

package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/alpacahq/txlog/executor/wal"
	"github.com/alpacahq/txlog/metrics"
	"github.com/alpacahq/txlog/utils"
	"github.com/alpacahq/txlog/utils/log"
)

// KernelVersion is recorded in every checkpoint.
const KernelVersion uint8 = 1

// TransactionBatch is one transaction handed over by the commit pipeline.
type TransactionBatch struct {
	Commands         [][]byte
	Timestamp        int64
	ConsensusIndex   int64
	Checksum         int32
	AdditionalHeader []byte
}

// TransactionLog is the log as seen by the commit pipeline and the
// startup sequence. Its mutex is the write lock of the log: appends,
// commits and checkpoints are serialized.
type TransactionLog struct {
	mu sync.Mutex

	cfg         wal.Config
	files       *wal.LogFiles
	checkpoints *wal.CheckpointFile
	scanner     *TailScanner
	applier     *RecoveryApplier
	pruner      *LogPruner
	storage     StorageEngine
	ids         TransactionIDStore

	tail      *TailMetadata
	rot       *wal.RotationManager
	writer    *wal.Writer
	recovered bool
	closed    bool
	healthy   *atomic.Bool
}

func NewTransactionLog(cfg wal.Config, storage StorageEngine, ids TransactionIDStore) *TransactionLog {
	files := wal.NewLogFiles(cfg)
	return &TransactionLog{
		cfg:         cfg,
		files:       files,
		checkpoints: wal.NewCheckpointFile(cfg.Dir, cfg.ReadOnly),
		scanner:     NewTailScanner(cfg),
		applier:     NewRecoveryApplier(files, storage),
		pruner:      NewLogPruner(files, cfg.KeepLogFiles),
		storage:     storage,
		ids:         ids,
		healthy:     atomic.NewBool(true),
	}
}

// TailMetadata returns the verdict of the tail scan. The scan runs once.
func (t *TransactionLog) TailMetadata() (TailMetadata, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tailMetadata()
}

func (t *TransactionLog) tailMetadata() (TailMetadata, error) {
	if t.tail != nil {
		return *t.tail, nil
	}
	meta, err := t.scanner.Scan()
	if err != nil {
		return meta, err
	}
	t.tail = &meta
	return meta, nil
}

// Recover brings the store in line with the log and opens the log for
// appending. Calling it again is a no-op.
func (t *TransactionLog) Recover(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recovered {
		return nil
	}
	if t.closed {
		return ErrLogClosed
	}
	meta, err := t.tailMetadata()
	if err != nil {
		return err
	}
	if t.cfg.ReadOnly {
		if meta.RecoveryRequired {
			return UnrecoverableLogError(t.cfg.Dir + " is read-only")
		}
		t.recovered = true
		return nil
	}

	t.rot = wal.NewRotationManager(t.cfg, meta.HighestVersion)
	if meta.LastCheckpoint != nil {
		t.rot.Checkpointed(meta.LastCheckpoint.Position)
	}
	switch {
	case meta.Empty():
		t.writer, err = wal.NewWriter(t.files, t.rot, 0)
		if err == nil {
			log.Info("created a new transaction log in %s", t.cfg.Dir)
			_, err = t.checkpoint(ctx, ReasonStoreCreation)
		}
	case meta.FilesMissing:
		err = t.recoverMissingFiles(ctx, meta)
	default:
		err = t.recover(ctx, meta)
	}
	if err != nil {
		t.markUnhealthy()
		return err
	}
	t.recovered = true
	return nil
}

func (t *TransactionLog) recover(ctx context.Context, meta TailMetadata) error {
	var res *ReplayResult
	if meta.RecoveryRequired && meta.EndPosition.Offset >= t.cfg.FirstDataOffset() {
		var err error
		if res, err = t.applier.Replay(ctx, meta); err != nil {
			return err
		}
	}
	usable, err := discardTail(t.files, meta)
	if err != nil {
		return err
	}
	if usable {
		t.writer, err = wal.OpenWriter(t.files, t.rot, meta.EndPosition, meta.LastChecksum)
	} else {
		t.writer, err = wal.NewWriter(t.files, t.rot, meta.LastChecksum)
	}
	if err != nil {
		return err
	}
	if !meta.RecoveryRequired && usable {
		return nil
	}
	if res != nil {
		if err := t.applier.Rollback(ctx, t.writer, res); err != nil {
			return err
		}
		if res.LastCommitted != nil {
			t.ids.TransactionCommitted(*res.LastCommitted)
			t.ids.SetLastClosedTransaction(*res.LastCommitted, res.LastCommitEnd)
		}
	}
	if res == nil || res.LastCommitted == nil {
		// the closed transaction predates this log tail
		pos, err := t.writer.Position()
		if err != nil {
			return err
		}
		t.ids.ResetLastClosedTransaction(pos)
	}
	if _, err := t.checkpoint(ctx, ReasonRecovery); err != nil {
		return fmt.Errorf("checkpoint after recovery: %w", err)
	}
	log.Info("recovery of %s complete", t.cfg.Dir)
	return nil
}

// recoverMissingFiles starts a fresh log version when the files the
// checkpoint points into are gone. Anything they held is lost.
func (t *TransactionLog) recoverMissingFiles(ctx context.Context, meta TailMetadata) error {
	log.Warn("log files of %s are missing, starting a new log without replay: "+
		"transactions after the last checkpoint are lost", t.cfg.Dir)
	var err error
	t.writer, err = wal.NewWriter(t.files, t.rot, 0)
	if err != nil {
		return err
	}
	pos, err := t.writer.Position()
	if err != nil {
		return err
	}
	t.ids.ResetLastClosedTransaction(pos)
	if _, err := t.checkpoint(ctx, ReasonFilesMissing); err != nil {
		return fmt.Errorf("checkpoint after missing log files: %w", err)
	}
	return nil
}

// Append writes one entry and returns the position right after it. The
// entry is durable after the next commit, checkpoint or Flush.
func (t *TransactionLog) Append(entry wal.Entry) (wal.LogPosition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writable(); err != nil {
		return wal.LogPosition{}, err
	}
	if err := t.writer.WriteEntry(entry); err != nil {
		return wal.LogPosition{}, t.writeFailed(err)
	}
	return t.writer.Position()
}

// Flush makes every appended entry durable.
func (t *TransactionLog) Flush() error {
	t.mu.Lock()
	f, err := t.prepareFlush()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if err := f.Flush(); err != nil {
		return t.writeFailed(err)
	}
	return nil
}

func (t *TransactionLog) prepareFlush() (*wal.Flushable, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	f, err := t.writer.PrepareForFlush()
	if err != nil {
		return nil, t.writeFailed(err)
	}
	return f, nil
}

// Commit writes a transaction, makes it durable and applies it to storage.
func (t *TransactionLog) Commit(ctx context.Context, batch TransactionBatch) (wal.TransactionID, wal.LogPosition, error) {
	if len(batch.Commands) == 0 {
		return wal.TransactionID{}, wal.LogPosition{}, ErrEmptyBatch
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writable(); err != nil {
		return wal.TransactionID{}, wal.LogPosition{}, err
	}

	id := t.ids.NextTransactionID()
	tx := wal.TransactionID{
		ID:              id,
		Checksum:        batch.Checksum,
		CommitTimestamp: batch.Timestamp,
		ConsensusIndex:  batch.ConsensusIndex,
	}
	entries := make([]wal.Entry, 0, len(batch.Commands)+2)
	entries = append(entries, &wal.StartEntry{
		TransactionID:              id,
		Timestamp:                  batch.Timestamp,
		LastCommittedTxWhenStarted: t.ids.LastCommittedTransaction().ID,
		ConsensusIndex:             batch.ConsensusIndex,
		AdditionalHeader:           batch.AdditionalHeader,
	})
	for _, cmd := range batch.Commands {
		entries = append(entries, &wal.CommandEntry{TransactionID: id, Commands: cmd})
	}
	entries = append(entries, &wal.CommitEntry{Transaction: tx})

	for _, e := range entries {
		if err := t.writer.WriteEntry(e); err != nil {
			return tx, wal.LogPosition{}, t.writeFailed(err)
		}
	}
	pos, err := t.writer.Position()
	if err != nil {
		return tx, wal.LogPosition{}, err
	}
	if err := t.writer.Flush(); err != nil {
		return tx, wal.LogPosition{}, t.writeFailed(err)
	}
	t.ids.TransactionCommitted(tx)
	for _, e := range entries {
		if err := t.storage.Apply(ctx, e, ModeInternal); err != nil {
			return tx, pos, fmt.Errorf("apply %s of transaction %d: %w", e.Kind(), id, err)
		}
	}
	t.ids.SetLastClosedTransaction(tx, pos)
	return tx, pos, nil
}

// Checkpoint flushes storage and records that the log up to the current
// position no longer needs to be replayed.
func (t *TransactionLog) Checkpoint(ctx context.Context, reason string) (wal.Checkpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writable(); err != nil {
		return wal.Checkpoint{}, err
	}
	return t.checkpoint(ctx, reason)
}

func (t *TransactionLog) checkpoint(ctx context.Context, reason string) (wal.Checkpoint, error) {
	pos, err := t.writer.Position()
	if err != nil {
		return wal.Checkpoint{}, err
	}
	if err := t.storage.Flush(ctx); err != nil {
		return wal.Checkpoint{}, fmt.Errorf("flush storage: %w", err)
	}
	tx, _ := t.ids.LastClosedTransaction()
	cp := wal.Checkpoint{
		TransactionID: tx,
		Position:      pos,
		LogChecksum:   t.writer.LastChecksum(),
		KernelVersion: KernelVersion,
		Timestamp:     time.Now().UnixMilli(),
		StoreID:       t.cfg.StoreID,
		Reason:        reason,
	}
	if err := t.writer.WriteEntry(&wal.CheckpointEntry{Checkpoint: cp}); err != nil {
		return cp, t.writeFailed(err)
	}
	if err := t.writer.Flush(); err != nil {
		return cp, t.writeFailed(err)
	}
	if err := t.checkpoints.Append(cp); err != nil {
		return cp, fmt.Errorf("append to checkpoint file: %w", err)
	}
	t.rot.Checkpointed(pos)
	metrics.CheckpointsTotal.WithLabelValues(reason).Inc()
	log.Info("checkpoint %s", &cp)

	if _, err := t.pruner.Prune(t.rot.OldestNeeded(), t.writer.Version()); err != nil {
		log.Warn("failed to prune old log files: %v", err)
	}
	return cp, nil
}

// RunCheckpointer checkpoints every interval until ctx is done.
func (t *TransactionLog) RunCheckpointer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Checkpoint(ctx, ReasonScheduled); err != nil {
				log.Error("[checkpointer] failed to checkpoint: %v", err)
			}
		}
	}
}

// UpdateConfig applies the settings of c that can change while running.
func (t *TransactionLog) UpdateConfig(c *utils.LogConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rot == nil {
		return fmt.Errorf("%w: log not recovered yet", ErrNotRecovered)
	}
	if err := t.rot.SetRotationSize(c.RotationThreshold); err != nil {
		return err
	}
	t.pruner.SetKeep(c.KeepLogFiles)
	log.SetLevel(c.LogLevel)
	log.Info("rotation threshold set to %d bytes, keeping %d old log files", c.RotationThreshold, c.KeepLogFiles)
	return nil
}

// Position is the end of the last entry written.
func (t *TransactionLog) Position() (wal.LogPosition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writable(); err != nil {
		return wal.LogPosition{}, err
	}
	return t.writer.Position()
}

func (t *TransactionLog) Healthy() bool {
	return t.healthy.Load()
}

// Close checkpoints a healthy log and closes its files.
func (t *TransactionLog) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var err error
	if t.writer != nil {
		if t.healthy.Load() {
			if _, cerr := t.checkpoint(ctx, ReasonShutdown); cerr != nil {
				err = multierr.Append(err, cerr)
			}
		}
		err = multierr.Append(err, t.writer.Close())
	}
	return multierr.Append(err, t.checkpoints.Close())
}

func (t *TransactionLog) writable() error {
	switch {
	case t.closed:
		return ErrLogClosed
	case t.cfg.ReadOnly:
		return wal.ErrReadOnly
	case t.writer == nil:
		return ErrNotRecovered
	case !t.healthy.Load():
		return wal.ErrLogUnhealthy
	}
	return nil
}

func (t *TransactionLog) writeFailed(err error) error {
	t.markUnhealthy()
	return err
}

func (t *TransactionLog) markUnhealthy() {
	if t.healthy.CompareAndSwap(true, false) {
		metrics.WriterHealthy.Set(0)
	}
}

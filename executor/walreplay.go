package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/alpacahq/txlog/executor/wal"
	"github.com/alpacahq/txlog/metrics"
	"github.com/alpacahq/txlog/utils/log"
)

// ReplayResult is what recovery learned while replaying the log.
type ReplayResult struct {
	Applied int
	// Incomplete lists transactions with an open chunk at the end of the
	// log, in the order they started.
	Incomplete []int64
	// LastCommitted is the last transaction whose Commit was replayed and
	// LastCommitEnd the log position right after it.
	LastCommitted *wal.TransactionID
	LastCommitEnd wal.LogPosition
}

// RecoveryApplier replays the entries after the anchor into the storage
// engine and closes the transactions a crash left open.
type RecoveryApplier struct {
	files   *wal.LogFiles
	storage StorageEngine
}

func NewRecoveryApplier(files *wal.LogFiles, storage StorageEngine) *RecoveryApplier {
	return &RecoveryApplier{files: files, storage: storage}
}

// Replay applies every transaction entry between the anchor and the end of
// the valid log in ModeRecovery.
func (r *RecoveryApplier) Replay(ctx context.Context, meta TailMetadata) (*ReplayResult, error) {
	res := &ReplayResult{}
	start := meta.StartPosition()
	var (
		cursor *wal.EntryCursor
		err    error
	)
	if meta.LastCheckpoint != nil {
		cursor, err = wal.OpenSeededCursor(r.files, start, meta.LastCheckpoint.LogChecksum)
	} else {
		cursor, err = wal.OpenEntryCursor(r.files, start)
	}
	if err != nil {
		return nil, wal.ReplayError{
			Msg: fmt.Sprintf("open log at %s", start),
			Err: fmt.Errorf("%w: %w", ErrRecoveryEnvironmentChanged, err),
		}
	}
	defer cursor.Close()
	cursor.SetLimit(meta.EndPosition)

	log.Info("replaying transaction log from %s to %s", start, meta.EndPosition)
	openChunk := map[int64]bool{}
	var order []int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, at, err := cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wal.ReplayError{
				Msg: fmt.Sprintf("read log at %s", cursor.Position()),
				Err: fmt.Errorf("%w: %w", ErrRecoveryEnvironmentChanged, err),
			}
		}
		if !wal.IsTransactional(e) {
			continue
		}
		if err := r.storage.Apply(ctx, e, ModeRecovery); err != nil {
			return nil, fmt.Errorf("apply %s of transaction %d at %s: %w", e.Kind(), e.TxID(), at, err)
		}
		res.Applied++
		metrics.RecoveredEntriesTotal.Inc()

		id := e.TxID()
		switch e := e.(type) {
		case *wal.StartEntry, *wal.CommandEntry:
			if _, seen := openChunk[id]; !seen {
				order = append(order, id)
			}
			openChunk[id] = true
		case *wal.ChunkEndEntry:
			openChunk[id] = false
		case *wal.CommitEntry:
			delete(openChunk, id)
			tx := e.Transaction
			res.LastCommitted = &tx
			res.LastCommitEnd = cursor.Position()
		case *wal.RollbackEntry:
			delete(openChunk, id)
		}
	}
	if cursor.Position() != meta.EndPosition {
		return nil, wal.ReplayError{
			Msg: fmt.Sprintf("replay ended at %s, tail scan ended at %s", cursor.Position(), meta.EndPosition),
			Err: ErrRecoveryEnvironmentChanged,
		}
	}
	for _, id := range order {
		if openChunk[id] {
			res.Incomplete = append(res.Incomplete, id)
		}
	}
	log.Info("replayed %d entries, %d incomplete transactions", res.Applied, len(res.Incomplete))
	return res, nil
}

// Rollback appends a Rollback entry for every incomplete transaction,
// makes them durable and applies them to storage in ModeReverseRecovery.
func (r *RecoveryApplier) Rollback(ctx context.Context, w *wal.Writer, res *ReplayResult) error {
	if len(res.Incomplete) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	rollbacks := make([]*wal.RollbackEntry, 0, len(res.Incomplete))
	for _, id := range res.Incomplete {
		rb := &wal.RollbackEntry{TransactionID: id, Timestamp: now}
		if err := w.WriteEntry(rb); err != nil {
			return fmt.Errorf("write rollback of transaction %d: %w", id, err)
		}
		rollbacks = append(rollbacks, rb)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush rollbacks: %w", err)
	}
	for _, rb := range rollbacks {
		if err := r.storage.Apply(ctx, rb, ModeReverseRecovery); err != nil {
			return fmt.Errorf("apply rollback of transaction %d: %w", rb.TransactionID, err)
		}
		log.Warn("rolled back incomplete transaction %d", rb.TransactionID)
	}
	metrics.RolledBackTransactionsTotal.Add(float64(len(rollbacks)))
	return nil
}

// discardTail removes log versions that are not part of the valid log
// any more: everything after the end of a truncated log and a newest
// version whose header was never completely written. It reports whether
// the version holding EndPosition is still usable for appending.
func discardTail(files *wal.LogFiles, meta TailMetadata) (bool, error) {
	versions, err := files.Versions()
	if err != nil {
		return false, err
	}
	end := meta.EndPosition
	headerLost := end.Offset < files.Config().FirstDataOffset() &&
		(brokenAt(meta.CorruptionPosition, end.Version) || brokenAt(meta.TornPosition, end.Version))
	var discard []uint64
	for _, v := range versions {
		if v > end.Version || (v == end.Version && headerLost) {
			discard = append(discard, v)
		}
	}
	if len(discard) > 0 {
		log.Warn("quarantining log versions %v after the end of the valid log at %s", discard, end)
		if err := files.Quarantine(discard); err != nil {
			return false, err
		}
	}
	usable := !headerLost && files.Exists(end.Version)
	return usable, nil
}

func brokenAt(pos *wal.LogPosition, version uint64) bool {
	return pos != nil && pos.Version == version && pos.Offset == 0
}

package executor

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alpacahq/txlog/executor/wal"
	"github.com/alpacahq/txlog/utils/log"
)

// TailMetadata is the verdict of the tail scan: where the log ends and
// whether recovery has work to do.
type TailMetadata struct {
	// LastCheckpoint is the anchor: the newest checkpoint found in the
	// checkpoint stream or in the log itself.
	LastCheckpoint *wal.Checkpoint
	// FirstTxIDAfterCheckpoint is the first transaction with an entry after
	// the anchor, or wal.NoTransactionID.
	FirstTxIDAfterCheckpoint int64
	FilesMissing             bool
	Corrupted                bool
	RecoveryRequired         bool

	// EndPosition is the end of the valid log and LastChecksum the chain
	// value there.
	EndPosition  wal.LogPosition
	LastChecksum uint32
	// CorruptionPosition is set when a lenient scan truncated the log.
	CorruptionPosition *wal.LogPosition
	// TornPosition is where a crash interrupted the writer.
	TornPosition   *wal.LogPosition
	HighestVersion uint64
	Versions       []uint64
}

// StartPosition is where replay begins: the anchor, or the start of the
// oldest version when there is no checkpoint.
func (m TailMetadata) StartPosition() wal.LogPosition {
	if m.LastCheckpoint != nil {
		return m.LastCheckpoint.Position
	}
	if len(m.Versions) > 0 {
		return wal.LogPosition{Version: m.Versions[0]}
	}
	return wal.LogPosition{}
}

// Empty reports a store that never wrote a log.
func (m TailMetadata) Empty() bool {
	return len(m.Versions) == 0 && m.LastCheckpoint == nil
}

func (m TailMetadata) String() string {
	cp := "none"
	if m.LastCheckpoint != nil {
		cp = m.LastCheckpoint.String()
	}
	return fmt.Sprintf("TailMetadata{checkpoint=%s, firstTx=%d, end=%s, recoveryRequired=%v, "+
		"filesMissing=%v, corrupted=%v}", cp, m.FirstTxIDAfterCheckpoint, m.EndPosition,
		m.RecoveryRequired, m.FilesMissing, m.Corrupted)
}

// TailScanner finds the last checkpoint and verifies the log after it.
// It never modifies the log.
type TailScanner struct {
	cfg         wal.Config
	files       *wal.LogFiles
	checkpoints *wal.CheckpointFile
}

func NewTailScanner(cfg wal.Config) *TailScanner {
	return &TailScanner{
		cfg:         cfg,
		files:       wal.NewLogFiles(cfg),
		checkpoints: wal.NewCheckpointFile(cfg.Dir, true),
	}
}

type txAt struct {
	id  int64
	pos wal.LogPosition
}

// Scan computes the TailMetadata. With FailOnCorruptedLogFiles set a
// corrupted log is returned as *wal.CorruptedLogError.
func (s *TailScanner) Scan() (TailMetadata, error) {
	meta := TailMetadata{FirstTxIDAfterCheckpoint: wal.NoTransactionID}

	versions, err := s.files.Versions()
	if err != nil {
		return meta, err
	}
	meta.Versions = versions
	cp, err := s.checkpoints.Last()
	if err != nil {
		return meta, fmt.Errorf("read checkpoint file: %w", err)
	}
	meta.LastCheckpoint = cp
	if len(versions) > 0 {
		meta.HighestVersion = versions[len(versions)-1]
	}
	if cp != nil && cp.Position.Version > meta.HighestVersion {
		meta.HighestVersion = cp.Position.Version
	}

	if len(versions) == 0 {
		if cp != nil {
			log.Warn("checkpoint %s found but no log files in %s", cp, s.cfg.Dir)
			meta.FilesMissing = true
			meta.RecoveryRequired = true
		}
		return meta, nil
	}
	if err := s.checkStore(versions[len(versions)-1]); err != nil {
		return meta, err
	}
	if cp != nil {
		missing, err := s.anchorMissing(cp)
		if err != nil {
			return meta, err
		}
		if missing {
			meta.FilesMissing = true
			meta.RecoveryRequired = true
			return meta, nil
		}
	}

	var cursor *wal.EntryCursor
	if cp != nil {
		cursor, err = wal.OpenSeededCursor(s.files, cp.Position, cp.LogChecksum)
	} else {
		cursor, err = wal.OpenEntryCursor(s.files, meta.StartPosition())
	}
	if err != nil {
		if err := s.corruption(&meta, err, meta.StartPosition()); err != nil {
			return meta, err
		}
		meta.EndPosition = meta.StartPosition()
		if cp != nil {
			meta.LastChecksum = cp.LogChecksum
		}
		meta.RecoveryRequired = true
		return meta, nil
	}
	defer cursor.Close()

	var pending []txAt
	for {
		e, at, err := cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if err := s.corruption(&meta, err, cursor.Position()); err != nil {
				return meta, err
			}
			break
		}
		if ce, ok := e.(*wal.CheckpointEntry); ok {
			if meta.LastCheckpoint == nil || !ce.Checkpoint.Position.Before(meta.LastCheckpoint.Position) {
				anchor := ce.Checkpoint
				meta.LastCheckpoint = &anchor
				pending = dropBefore(pending, anchor.Position)
			}
			continue
		}
		pending = append(pending, txAt{id: e.TxID(), pos: at})
	}

	meta.EndPosition = cursor.Position()
	meta.LastChecksum = cursor.LastChecksum()
	meta.TornPosition = cursor.Torn()
	if t := meta.TornPosition; t != nil && t.Version > meta.HighestVersion {
		meta.HighestVersion = t.Version
	}
	if len(pending) > 0 {
		meta.FirstTxIDAfterCheckpoint = pending[0].id
		meta.RecoveryRequired = true
	}
	if meta.Corrupted {
		meta.RecoveryRequired = true
	}
	if meta.TornPosition != nil {
		log.Warn("transaction log ends in an incomplete write at %s, ignoring it", *meta.TornPosition)
	}
	log.Info("tail scan of %s: %s", s.cfg.Dir, meta)
	return meta, nil
}

// anchorMissing reports whether the log the checkpoint points into is gone.
func (s *TailScanner) anchorMissing(cp *wal.Checkpoint) (bool, error) {
	fi, err := os.Stat(s.files.Path(cp.Position.Version))
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("log version %d named by %s is missing", cp.Position.Version, cp)
			return true, nil
		}
		return false, err
	}
	if cp.Position.Offset > fi.Size() {
		log.Warn("%s points past the end of log version %d (%d bytes)", cp, cp.Position.Version, fi.Size())
		return true, nil
	}
	return false, nil
}

// corruption applies the corruption policy to err. Errors other than
// corrupted data are returned unchanged.
func (s *TailScanner) corruption(meta *TailMetadata, err error, end wal.LogPosition) error {
	var corrupt *wal.CorruptedLogError
	if !errors.As(err, &corrupt) {
		return err
	}
	if s.cfg.FailOnCorruptedLogFiles {
		log.Error("transaction log is corrupted: %v", corrupt)
		return corrupt
	}
	log.Warn("transaction log is corrupted, truncating the log at %s: %v", end, corrupt)
	pos := corrupt.Position
	meta.Corrupted = true
	meta.CorruptionPosition = &pos
	return nil
}

func (s *TailScanner) checkStore(version uint64) error {
	if s.cfg.StoreID.IsZero() {
		return nil
	}
	f, h, err := s.files.OpenReader(version)
	if err != nil {
		// reported with its position by the forward scan
		return nil
	}
	f.Close()
	if !h.StoreID.IsZero() && h.StoreID != s.cfg.StoreID {
		return IncompatibleStoreError(fmt.Sprintf("%s has %s, expected %s",
			s.files.Path(version), h.StoreID, s.cfg.StoreID))
	}
	return nil
}

func dropBefore(pending []txAt, pos wal.LogPosition) []txAt {
	i := 0
	for i < len(pending) && pending[i].pos.Before(pos) {
		i++
	}
	return pending[i:]
}

package executor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/alpacahq/txlog/executor/wal"
	"github.com/alpacahq/txlog/metrics"
	"github.com/alpacahq/txlog/utils"
	"github.com/alpacahq/txlog/utils/log"
)

// InstanceMetadata is what a started store knows about its log.
type InstanceMetadata struct {
	// LogDir is the absolute path to the log directory
	LogDir string
	Config wal.Config
	Log    *TransactionLog
	Tail   TailMetadata
}

// ConfigFromLogConfig builds the log configuration from the server
// configuration.
func ConfigFromLogConfig(c *utils.LogConfig, storeID wal.StoreID) (wal.Config, error) {
	dir, err := filepath.Abs(filepath.Clean(c.LogDirectory))
	if err != nil {
		return wal.Config{}, err
	}
	return wal.NewBuilder(dir).
		WithSegmentSize(c.SegmentSize).
		WithBufferSize(c.BufferSize).
		WithRotationThreshold(c.RotationThreshold).
		WithFailOnCorruptedLogFiles(c.FailOnCorruptedLogFiles).
		WithPreallocation(c.PreallocateLogs).
		WithKeepLogFiles(c.KeepLogFiles).
		WithStoreID(storeID).
		Build()
}

// Startup runs the tail scan, recovers the store if the log asks for it and
// opens the log for appending, in that order.
func Startup(ctx context.Context, cfg wal.Config, storage StorageEngine, ids TransactionIDStore,
) (*InstanceMetadata, error) {
	start := time.Now()
	log.Info("Log Directory: %s", cfg.Dir)
	if !cfg.ReadOnly {
		const logDirPerm = 0o700
		if err := os.MkdirAll(cfg.Dir, logDirPerm); err != nil {
			return nil, err
		}
	}

	txLog := NewTransactionLog(cfg, storage, ids)
	tail, err := txLog.TailMetadata()
	if err != nil {
		log.Error("tail scan of %s failed: %v", cfg.Dir, err)
		return nil, err
	}
	if tail.RecoveryRequired {
		log.Info("recovery required, first transaction after checkpoint: %d", tail.FirstTxIDAfterCheckpoint)
	}
	if err := txLog.Recover(ctx); err != nil {
		log.Error("recovery of %s failed: %v", cfg.Dir, err)
		return nil, err
	}
	metrics.StartupTime.Set(time.Since(start).Seconds())
	return &InstanceMetadata{
		LogDir: cfg.Dir,
		Config: cfg,
		Log:    txLog,
		Tail:   tail,
	}, nil
}

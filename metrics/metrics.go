package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "alpaca"
var subsystem = "txlog"

var (
	// StartupTime stores how long the tail scan and recovery took (in seconds)
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the tail scan and recovery at startup",
		},
	)

	// EnvelopesWrittenTotal stores the number of sealed envelopes partitioned by type
	EnvelopesWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "envelopes_written_total",
		Help:      "Number of envelopes sealed by the writer partitioned by envelope type",
	}, []string{"type"})

	// BytesFlushedTotal stores the number of bytes handed to fsync
	BytesFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "bytes_flushed_total",
		Help:      "Number of log bytes written and synced",
	})

	// FlushDuration stores the time spent writing and syncing a flushable
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "flush_duration_seconds",
		Help:      "Time taken to write and fsync one flushable",
	})

	// RotationsTotal stores the number of log file rotations
	RotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rotations_total",
		Help:      "Number of log file rotations",
	})

	// CheckpointsTotal stores the number of checkpoints partitioned by reason
	CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "checkpoints_total",
		Help:      "Number of checkpoints written partitioned by reason",
	}, []string{"reason"})

	// RecoveredEntriesTotal stores the number of entries replayed during recovery
	RecoveredEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "recovered_entries_total",
		Help:      "Number of log entries applied to storage by recovery",
	})

	// RolledBackTransactionsTotal stores the number of incomplete transactions rolled back by recovery
	RolledBackTransactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rolled_back_transactions_total",
		Help:      "Number of incomplete transactions rolled back by recovery",
	})

	// WriterHealthy is 1 while the writer accepts appends
	WriterHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "writer_healthy",
		Help:      "1 while the log writer is healthy, 0 after an I/O failure",
	})

	// LogDiskUsage stores the disk usage of the log directory in bytes
	LogDiskUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "log_disk_usage_bytes",
		Help:      "Disk usage of the transaction log directory",
	})
)

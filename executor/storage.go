package executor

import (
	"context"

	"github.com/alpacahq/txlog/executor/wal"
)

// StorageEngine is the store the log protects. Recovery applies replayed
// entries to it and flushes it before checkpointing.
type StorageEngine interface {
	Apply(ctx context.Context, entry wal.Entry, mode ApplyMode) error
	Flush(ctx context.Context) error
}

// TransactionIDStore tracks transaction ids and the position of the last
// closed transaction in the log.
type TransactionIDStore interface {
	NextTransactionID() int64
	// CommittingTransactionID is the highest id handed out for commit.
	CommittingTransactionID() int64
	TransactionCommitted(id wal.TransactionID)
	LastCommittedTransaction() wal.TransactionID
	// LastClosedTransaction is the last committed transaction and the log
	// position right after its Commit entry.
	LastClosedTransaction() (wal.TransactionID, wal.LogPosition)
	SetLastClosedTransaction(id wal.TransactionID, pos wal.LogPosition)
	// ResetLastClosedTransaction keeps the transaction but points it at pos,
	// used when the log it was recorded in no longer exists.
	ResetLastClosedTransaction(pos wal.LogPosition)
}

package executor

import (
	"sync"

	"github.com/alpacahq/txlog/executor/wal"
)

// InMemoryTransactionIDStore is a TransactionIDStore that lives as long
// as the process. Stores that persist ids implement the interface on top
// of their own metadata.
type InMemoryTransactionIDStore struct {
	mu            sync.Mutex
	nextID        int64
	committing    int64
	lastCommitted wal.TransactionID
	lastClosed    wal.TransactionID
	closedAt      wal.LogPosition
}

func NewInMemoryTransactionIDStore(lastCommitted wal.TransactionID, closedAt wal.LogPosition,
) *InMemoryTransactionIDStore {
	return &InMemoryTransactionIDStore{
		nextID:        lastCommitted.ID + 1,
		committing:    lastCommitted.ID,
		lastCommitted: lastCommitted,
		lastClosed:    lastCommitted,
		closedAt:      closedAt,
	}
}

func (s *InMemoryTransactionIDStore) NextTransactionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if id > s.committing {
		s.committing = id
	}
	return id
}

func (s *InMemoryTransactionIDStore) CommittingTransactionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committing
}

func (s *InMemoryTransactionIDStore) TransactionCommitted(id wal.TransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.ID > s.lastCommitted.ID {
		s.lastCommitted = id
	}
	if id.ID >= s.nextID {
		s.nextID = id.ID + 1
	}
	if id.ID > s.committing {
		s.committing = id.ID
	}
}

func (s *InMemoryTransactionIDStore) LastCommittedTransaction() wal.TransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitted
}

func (s *InMemoryTransactionIDStore) LastClosedTransaction() (wal.TransactionID, wal.LogPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClosed, s.closedAt
}

func (s *InMemoryTransactionIDStore) SetLastClosedTransaction(id wal.TransactionID, pos wal.LogPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.ID < s.lastClosed.ID {
		return
	}
	s.lastClosed = id
	s.closedAt = pos
}

func (s *InMemoryTransactionIDStore) ResetLastClosedTransaction(pos wal.LogPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedAt = pos
}

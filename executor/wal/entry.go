package wal

import (
	"fmt"

	"github.com/vmihailenco/msgpack"
)

// EntryKind is the first payload byte of every logical entry.
type EntryKind uint8

const (
	KindStart EntryKind = iota + 1
	KindCommand
	KindCommit
	KindChunkEnd
	KindRollback
	KindCheckpoint
)

func (k EntryKind) String() string {
	switch k {
	case KindStart:
		return "START"
	case KindCommand:
		return "COMMAND"
	case KindCommit:
		return "COMMIT"
	case KindChunkEnd:
		return "CHUNK_END"
	case KindRollback:
		return "ROLLBACK"
	case KindCheckpoint:
		return "CHECKPOINT"
	}
	return fmt.Sprintf("EntryKind(%d)", uint8(k))
}

// NoTransactionID marks the absence of a transaction id.
const NoTransactionID int64 = -1

// Entry is a logical unit of the log.
type Entry interface {
	Kind() EntryKind
	// TxID is the transaction the entry belongs to, or NoTransactionID.
	TxID() int64
}

// TransactionID is persisted in the Commit entry of a transaction.
type TransactionID struct {
	ID              int64 `msgpack:"id"`
	Checksum        int32 `msgpack:"checksum"`
	CommitTimestamp int64 `msgpack:"commit_ts"`
	ConsensusIndex  int64 `msgpack:"consensus"`
}

type StartEntry struct {
	TransactionID              int64
	Timestamp                  int64
	LastCommittedTxWhenStarted int64
	ConsensusIndex             int64
	AdditionalHeader           []byte
}

func (e *StartEntry) Kind() EntryKind { return KindStart }
func (e *StartEntry) TxID() int64     { return e.TransactionID }

// CommandEntry carries an opaque batch of storage commands.
type CommandEntry struct {
	TransactionID int64
	Commands      []byte
}

func (e *CommandEntry) Kind() EntryKind { return KindCommand }
func (e *CommandEntry) TxID() int64     { return e.TransactionID }

type CommitEntry struct {
	Transaction TransactionID
}

func (e *CommitEntry) Kind() EntryKind { return KindCommit }
func (e *CommitEntry) TxID() int64     { return e.Transaction.ID }

type ChunkEndEntry struct {
	TransactionID int64
	ChunkID       int64
}

func (e *ChunkEndEntry) Kind() EntryKind { return KindChunkEnd }
func (e *ChunkEndEntry) TxID() int64     { return e.TransactionID }

type RollbackEntry struct {
	TransactionID int64
	Timestamp     int64
}

func (e *RollbackEntry) Kind() EntryKind { return KindRollback }
func (e *RollbackEntry) TxID() int64     { return e.TransactionID }

// Checkpoint states that everything at or before Position is durable in
// storage and need not be replayed. LogChecksum is the chain value at
// Position, so readers starting there can verify the first envelope.
type Checkpoint struct {
	TransactionID TransactionID `msgpack:"tx"`
	Position      LogPosition   `msgpack:"pos"`
	LogChecksum   uint32        `msgpack:"log_checksum"`
	KernelVersion uint8         `msgpack:"kernel"`
	Timestamp     int64         `msgpack:"ts"`
	StoreID       StoreID       `msgpack:"store"`
	Reason        string        `msgpack:"reason"`
}

func (c *Checkpoint) String() string {
	return fmt.Sprintf("Checkpoint{tx=%d, %s, reason=%q}", c.TransactionID.ID, c.Position, c.Reason)
}

type CheckpointEntry struct {
	Checkpoint Checkpoint
}

func (e *CheckpointEntry) Kind() EntryKind { return KindCheckpoint }
func (e *CheckpointEntry) TxID() int64     { return NoTransactionID }

// IsTransactional reports whether the entry belongs to a transaction and
// therefore has to be replayed by recovery.
func IsTransactional(e Entry) bool {
	return e.Kind() != KindCheckpoint
}

// EncodeEntry appends the binary form of e to dst.
func EncodeEntry(dst []byte, e Entry) ([]byte, error) {
	dst = append(dst, byte(e.Kind()))
	switch e := e.(type) {
	case *StartEntry:
		dst = appendInt64(dst, e.TransactionID)
		dst = appendInt64(dst, e.Timestamp)
		dst = appendInt64(dst, e.LastCommittedTxWhenStarted)
		dst = appendInt64(dst, e.ConsensusIndex)
		dst = appendBytes(dst, e.AdditionalHeader)
	case *CommandEntry:
		dst = appendInt64(dst, e.TransactionID)
		dst = appendBytes(dst, e.Commands)
	case *CommitEntry:
		dst = appendInt64(dst, e.Transaction.ID)
		dst = byteOrder.AppendUint32(dst, uint32(e.Transaction.Checksum))
		dst = appendInt64(dst, e.Transaction.CommitTimestamp)
		dst = appendInt64(dst, e.Transaction.ConsensusIndex)
	case *ChunkEndEntry:
		dst = appendInt64(dst, e.TransactionID)
		dst = appendInt64(dst, e.ChunkID)
	case *RollbackEntry:
		dst = appendInt64(dst, e.TransactionID)
		dst = appendInt64(dst, e.Timestamp)
	case *CheckpointEntry:
		body, err := msgpack.Marshal(&e.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		dst = append(dst, body...)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEntry, e)
	}
	return dst, nil
}

// DecodeEntry decodes a reassembled entry payload. Byte slices in the
// result are copies.
func DecodeEntry(p []byte) (Entry, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnknownEntry)
	}
	d := entryDecoder{p: p[1:]}
	var e Entry
	switch EntryKind(p[0]) {
	case KindStart:
		e = &StartEntry{
			TransactionID:              d.int64(),
			Timestamp:                  d.int64(),
			LastCommittedTxWhenStarted: d.int64(),
			ConsensusIndex:             d.int64(),
			AdditionalHeader:           d.bytes(),
		}
	case KindCommand:
		e = &CommandEntry{TransactionID: d.int64(), Commands: d.bytes()}
	case KindCommit:
		e = &CommitEntry{Transaction: TransactionID{
			ID:              d.int64(),
			Checksum:        int32(d.uint32()),
			CommitTimestamp: d.int64(),
			ConsensusIndex:  d.int64(),
		}}
	case KindChunkEnd:
		e = &ChunkEndEntry{TransactionID: d.int64(), ChunkID: d.int64()}
	case KindRollback:
		e = &RollbackEntry{TransactionID: d.int64(), Timestamp: d.int64()}
	case KindCheckpoint:
		ce := &CheckpointEntry{}
		if err := msgpack.Unmarshal(p[1:], &ce.Checkpoint); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		return ce, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntry, p[0])
	}
	if d.short {
		return nil, fmt.Errorf("%w: short %s entry", ErrUnknownEntry, EntryKind(p[0]))
	}
	return e, nil
}

func appendInt64(dst []byte, v int64) []byte {
	return byteOrder.AppendUint64(dst, uint64(v))
}

func appendBytes(dst []byte, p []byte) []byte {
	dst = byteOrder.AppendUint32(dst, uint32(len(p)))
	return append(dst, p...)
}

type entryDecoder struct {
	p     []byte
	short bool
}

func (d *entryDecoder) uint32() uint32 {
	if len(d.p) < 4 {
		d.short = true
		return 0
	}
	v := byteOrder.Uint32(d.p)
	d.p = d.p[4:]
	return v
}

func (d *entryDecoder) int64() int64 {
	if len(d.p) < 8 {
		d.short = true
		return 0
	}
	v := byteOrder.Uint64(d.p)
	d.p = d.p[8:]
	return int64(v)
}

func (d *entryDecoder) bytes() []byte {
	n := int(d.uint32())
	if d.short || n > len(d.p) {
		d.short = true
		return nil
	}
	v := append([]byte{}, d.p[:n]...)
	d.p = d.p[n:]
	return v
}

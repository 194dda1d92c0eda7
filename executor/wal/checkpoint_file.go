package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack"

	"github.com/alpacahq/txlog/utils/log"
)

const (
	CheckpointFileName = "checkpoint.cpfile"

	// CheckpointSlotSize is the fixed size of one checkpoint record. Each
	// slot holds one Full envelope followed by zeros. Slots verify on
	// their own: the previous checksum of every slot is zero.
	CheckpointSlotSize = 512

	// maxCheckpointSlots bounds the stream; it is compacted to its last
	// record when full.
	maxCheckpointSlots = 4096
)

// CheckpointFile is the append-only stream of checkpoint records that the
// tail scan reads backward to find its anchor.
type CheckpointFile struct {
	path     string
	readOnly bool

	f      *os.File
	next   int64
	loaded bool
}

func NewCheckpointFile(dir string, readOnly bool) *CheckpointFile {
	return &CheckpointFile{path: filepath.Join(dir, CheckpointFileName), readOnly: readOnly}
}

func (cf *CheckpointFile) Path() string { return cf.path }

// Last returns the newest checkpoint whose slot verifies, or nil when
// there is none.
func (cf *CheckpointFile) Last() (*Checkpoint, error) {
	f, err := os.Open(cf.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	cp, _, err := lastSlot(f)
	return cp, err
}

// All returns every checkpoint that verifies, oldest first.
func (cf *CheckpointFile) All() ([]Checkpoint, error) {
	f, err := os.Open(cf.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	slots, err := slotCount(f)
	if err != nil {
		return nil, err
	}
	var ret []Checkpoint
	slot := make([]byte, CheckpointSlotSize)
	for i := int64(0); i < slots; i++ {
		cp, err := readSlot(f, i, slot)
		if err != nil {
			log.Warn("skipping unreadable checkpoint slot %d of %s: %v", i, cf.path, err)
			continue
		}
		ret = append(ret, *cp)
	}
	return ret, nil
}

// Append durably adds cp to the stream.
func (cf *CheckpointFile) Append(cp Checkpoint) error {
	if cf.readOnly {
		return ErrReadOnly
	}
	if err := cf.load(); err != nil {
		return err
	}
	if cf.next >= maxCheckpointSlots {
		if err := cf.compact(cp); err != nil {
			return err
		}
		return nil
	}
	slot, err := encodeSlot(cp)
	if err != nil {
		return err
	}
	if _, err := cf.f.WriteAt(slot, cf.next*CheckpointSlotSize); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := cf.f.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	cf.next++
	return nil
}

func (cf *CheckpointFile) Close() error {
	if cf.f == nil {
		return nil
	}
	err := cf.f.Close()
	cf.f = nil
	cf.loaded = false
	return err
}

// load opens the stream for appending after its last valid slot; a torn
// slot after it is overwritten.
func (cf *CheckpointFile) load() error {
	if cf.loaded {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cf.path), walDirPerm); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	f, err := os.OpenFile(cf.path, os.O_CREATE|os.O_RDWR, walFilePerm)
	if err != nil {
		return fmt.Errorf("open checkpoint file: %w", err)
	}
	_, idx, err := lastSlot(f)
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Truncate((idx + 1) * CheckpointSlotSize); err != nil {
		f.Close()
		return fmt.Errorf("truncate checkpoint file: %w", err)
	}
	cf.f, cf.next, cf.loaded = f, idx+1, true
	return nil
}

// compact replaces the stream with a single record holding cp.
func (cf *CheckpointFile) compact(cp Checkpoint) error {
	slot, err := encodeSlot(cp)
	if err != nil {
		return err
	}
	tmp := cf.path + ".tmp"
	if err := os.WriteFile(tmp, slot, walFilePerm); err != nil {
		return fmt.Errorf("write compacted checkpoint file: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, walFilePerm)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := cf.f.Close(); err != nil {
		log.Warn("closing checkpoint file before compaction: %v", err)
	}
	if err := os.Rename(tmp, cf.path); err != nil {
		f.Close()
		return fmt.Errorf("replace checkpoint file: %w", err)
	}
	if err := syncDir(filepath.Dir(cf.path)); err != nil {
		f.Close()
		return err
	}
	cf.f, cf.next = f, 1
	log.Info("compacted checkpoint file %s", cf.path)
	return nil
}

func encodeSlot(cp Checkpoint) ([]byte, error) {
	body, err := msgpack.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	if HeaderSize+len(body) > CheckpointSlotSize {
		return nil, fmt.Errorf("checkpoint record of %d bytes does not fit a slot", len(body))
	}
	slot := make([]byte, 0, CheckpointSlotSize)
	slot = AppendEnvelope(slot, EnvelopeFull, FormatVersion, body, 0)
	return slot[:CheckpointSlotSize], nil
}

func slotCount(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size() / CheckpointSlotSize, nil
}

// lastSlot scans backward for the last slot that verifies. It returns
// index -1 when there is none.
func lastSlot(f *os.File) (*Checkpoint, int64, error) {
	slots, err := slotCount(f)
	if err != nil {
		return nil, -1, err
	}
	slot := make([]byte, CheckpointSlotSize)
	for i := slots - 1; i >= 0; i-- {
		cp, err := readSlot(f, i, slot)
		if err == nil {
			return cp, i, nil
		}
		var corrupt *CorruptedLogError
		if !errors.As(err, &corrupt) {
			return nil, -1, err
		}
		log.Debug("ignoring checkpoint slot %d: %v", i, err)
	}
	return nil, -1, nil
}

func readSlot(f *os.File, i int64, slot []byte) (*Checkpoint, error) {
	if _, err := f.ReadAt(slot, i*CheckpointSlotSize); err != nil && err != io.EOF {
		return nil, err
	}
	corrupt := func(err error) error {
		return &CorruptedLogError{Path: f.Name(), Position: LogPosition{Offset: i * CheckpointSlotSize}, Err: err}
	}
	env, err := DecodeEnvelope(slot)
	if err != nil {
		return nil, corrupt(err)
	}
	if env.Type != EnvelopeFull {
		return nil, corrupt(fmt.Errorf("%w: %s", ErrBadSequence, env.Type))
	}
	if env.PreviousChecksum != 0 {
		return nil, corrupt(fmt.Errorf("%w: slot continues chain %08x", ErrChainBroken, env.PreviousChecksum))
	}
	cp := &Checkpoint{}
	if err := msgpack.Unmarshal(env.Payload, cp); err != nil {
		return nil, corrupt(err)
	}
	return cp, nil
}

package wal

import "fmt"

// LogPosition identifies a byte in the logical log stream: the file
// version and the byte offset inside that file.
type LogPosition struct {
	Version uint64 `msgpack:"version"`
	Offset  int64  `msgpack:"offset"`
}

// Compare returns -1, 0 or +1 ordering by version, then offset.
func (p LogPosition) Compare(o LogPosition) int {
	switch {
	case p.Version < o.Version:
		return -1
	case p.Version > o.Version:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

func (p LogPosition) Before(o LogPosition) bool { return p.Compare(o) < 0 }

func (p LogPosition) After(o LogPosition) bool { return p.Compare(o) > 0 }

func (p LogPosition) String() string {
	return fmt.Sprintf("LogPosition{version=%d, offset=%d}", p.Version, p.Offset)
}

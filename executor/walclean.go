package executor

import (
	"fmt"
	"sync"

	"github.com/alpacahq/txlog/executor/wal"
	"github.com/alpacahq/txlog/utils/log"
)

// LogPruner removes log versions recovery will never read again.
type LogPruner struct {
	mu    sync.Mutex
	files *wal.LogFiles
	keep  int
}

// NewLogPruner keeps keep versions older than the oldest needed one; a
// negative keep disables pruning.
func NewLogPruner(files *wal.LogFiles, keep int) *LogPruner {
	return &LogPruner{files: files, keep: keep}
}

func (p *LogPruner) SetKeep(keep int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keep = keep
}

// Prune deletes versions below oldestNeeded beyond the ones kept. The
// version being written is never deleted. It returns the deleted versions.
func (p *LogPruner) Prune(oldestNeeded, current uint64) ([]uint64, error) {
	p.mu.Lock()
	keep := p.keep
	p.mu.Unlock()
	if keep < 0 || oldestNeeded == 0 {
		return nil, nil
	}
	versions, err := p.files.Versions()
	if err != nil {
		return nil, err
	}
	var obsolete []uint64
	for _, v := range versions {
		if v < oldestNeeded && v != current {
			obsolete = append(obsolete, v)
		}
	}
	if len(obsolete) <= keep {
		return nil, nil
	}
	obsolete = obsolete[:len(obsolete)-keep]
	var removed []uint64
	for _, v := range obsolete {
		log.Info("removing log version %d, older than the oldest needed version %d", v, oldestNeeded)
		if err := p.files.Remove(v); err != nil {
			return removed, fmt.Errorf("prune log files: %w", err)
		}
		removed = append(removed, v)
	}
	return removed, nil
}

package wal

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	txwal "github.com/alpacahq/txlog/executor/wal"
	"github.com/alpacahq/txlog/utils/log"
)

const (
	walUsage     = "wal"
	walShortDesc = "Inspect the transaction log files of a store"
	walLongDesc  = "This command inspects a log directory without modifying it: " +
		"it dumps entries, runs the tail scan or verifies every envelope."
	walExample = "txlog tool wal dump --dir /var/lib/txlog --from 3"
	dirDesc    = "Path to the log directory"
)

var (
	// Cmd is the wal command.
	Cmd = &cobra.Command{
		Use:     walUsage,
		Short:   walShortDesc,
		Long:    walLongDesc,
		Aliases: []string{"waldebugger"},
		Example: walExample,
	}
	// logDir is the directory holding the log versions.
	logDir string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.PersistentFlags().StringVarP(&logDir, "dir", "d", "", dirDesc)
	_ = Cmd.MarkPersistentFlagRequired("dir")
	Cmd.AddCommand(dumpCmd, scanCmd, verifyCmd)
}

// readOnlyConfig builds a read-only configuration for logDir using the
// segment size recorded in its newest readable header.
func readOnlyConfig(lenient bool) (txwal.Config, error) {
	dir, err := filepath.Abs(filepath.Clean(logDir))
	if err != nil {
		return txwal.Config{}, err
	}
	b := txwal.NewBuilder(dir).ReadOnly().WithRotationThreshold(0).
		WithFailOnCorruptedLogFiles(!lenient)
	probe, err := b.Build()
	if err != nil {
		return txwal.Config{}, err
	}
	files := txwal.NewLogFiles(probe)
	versions, err := files.Versions()
	if err != nil {
		return txwal.Config{}, fmt.Errorf("list log files in %s: %w", dir, err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		f, h, err := files.OpenReader(versions[i])
		if err != nil {
			log.Warn("skipping header of log version %d: %v", versions[i], err)
			continue
		}
		f.Close()
		return b.WithSegmentSize(h.SegmentSize).WithBufferSize(h.SegmentSize).Build()
	}
	return probe, nil
}

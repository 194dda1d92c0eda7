package wal

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	txwal "github.com/alpacahq/txlog/executor/wal"
)

var (
	dumpCmd = &cobra.Command{
		Use:     "dump",
		Short:   "Print the entries of the log",
		Example: "txlog tool wal dump --dir <path> --from <version>",
		RunE:    executeDump,
	}
	dumpFrom   uint64
	dumpOffset int64
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	dumpCmd.Flags().Uint64Var(&dumpFrom, "from", 0, "first log version to print, default the oldest")
	dumpCmd.Flags().Int64Var(&dumpOffset, "offset", 0, "entry boundary to start at within --from")
}

func executeDump(cmd *cobra.Command, _ []string) error {
	cfg, err := readOnlyConfig(false)
	if err != nil {
		return err
	}
	files := txwal.NewLogFiles(cfg)
	versions, err := files.Versions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("no log files in %s", cfg.Dir)
	}
	start := txwal.LogPosition{Version: versions[0]}
	if cmd.Flags().Changed("from") {
		start = txwal.LogPosition{Version: dumpFrom, Offset: dumpOffset}
	}

	cursor, err := txwal.OpenEntryCursor(files, start)
	if err != nil {
		return err
	}
	defer cursor.Close()

	out := cmd.OutOrStdout()
	n := 0
	for {
		e, at, err := cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(out, "%d entries, stopped at %s: %v\n", n, cursor.Position(), err)
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", at, describe(e))
		n++
	}
	fmt.Fprintf(out, "%d entries, end of log at %s\n", n, cursor.Position())
	if t := cursor.Torn(); t != nil {
		fmt.Fprintf(out, "incomplete write at %s\n", *t)
	}
	return nil
}

func describe(e txwal.Entry) string {
	switch e := e.(type) {
	case *txwal.StartEntry:
		return fmt.Sprintf("START    tx=%d time=%d consensus=%d header=%dB",
			e.TransactionID, e.Timestamp, e.ConsensusIndex, len(e.AdditionalHeader))
	case *txwal.CommandEntry:
		return fmt.Sprintf("COMMAND  tx=%d %dB", e.TransactionID, len(e.Commands))
	case *txwal.ChunkEndEntry:
		return fmt.Sprintf("CHUNKEND tx=%d chunk=%d", e.TransactionID, e.ChunkID)
	case *txwal.CommitEntry:
		return fmt.Sprintf("COMMIT   tx=%d checksum=%d time=%d",
			e.Transaction.ID, e.Transaction.Checksum, e.Transaction.CommitTimestamp)
	case *txwal.RollbackEntry:
		return fmt.Sprintf("ROLLBACK tx=%d time=%d", e.TransactionID, e.Timestamp)
	case *txwal.CheckpointEntry:
		return "CHECKPOINT " + e.Checkpoint.String()
	default:
		return e.Kind().String()
	}
}

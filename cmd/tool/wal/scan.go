package wal

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alpacahq/txlog/executor"
)

var (
	scanCmd = &cobra.Command{
		Use:     "scan",
		Short:   "Run the startup tail scan and print its verdict",
		Example: "txlog tool wal scan --dir <path> --lenient",
		RunE:    executeScan,
	}
	scanLenient bool
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	scanCmd.Flags().BoolVar(&scanLenient, "lenient", false,
		"report corruption as a truncation point instead of failing")
}

func executeScan(cmd *cobra.Command, _ []string) error {
	cfg, err := readOnlyConfig(scanLenient)
	if err != nil {
		return err
	}
	meta, err := executor.NewTailScanner(cfg).Scan()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "versions:            %v\n", meta.Versions)
	if meta.LastCheckpoint != nil {
		fmt.Fprintf(out, "last checkpoint:     %s\n", meta.LastCheckpoint)
	} else {
		fmt.Fprintln(out, "last checkpoint:     none")
	}
	fmt.Fprintf(out, "first tx after it:   %d\n", meta.FirstTxIDAfterCheckpoint)
	fmt.Fprintf(out, "end of log:          %s (chain %08x)\n", meta.EndPosition, meta.LastChecksum)
	fmt.Fprintf(out, "recovery required:   %v\n", meta.RecoveryRequired)
	fmt.Fprintf(out, "files missing:       %v\n", meta.FilesMissing)
	fmt.Fprintf(out, "corrupted:           %v\n", meta.Corrupted)
	if meta.CorruptionPosition != nil {
		fmt.Fprintf(out, "corruption at:       %s\n", *meta.CorruptionPosition)
	}
	if meta.TornPosition != nil {
		fmt.Fprintf(out, "incomplete write at: %s\n", *meta.TornPosition)
	}
	return nil
}

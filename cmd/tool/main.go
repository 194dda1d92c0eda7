package tool

import (
	"github.com/spf13/cobra"

	"github.com/alpacahq/txlog/cmd/tool/wal"
)

const (
	toolUsage     = "tool"
	toolShortDesc = "Executes tools as subcommands"
	toolLongDesc  = "This command executes the specified offline tool against a log directory."
	toolExample   = "txlog tool wal scan --dir <path>"
)

var (
	// Cmd is the tool command.
	Cmd = &cobra.Command{
		Use:        toolUsage,
		Short:      toolShortDesc,
		Long:       toolLongDesc,
		Aliases:    []string{"t"},
		SuggestFor: []string{"wal", "dump"},
		Example:    toolExample,
	}
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.AddCommand(wal.Cmd)
}

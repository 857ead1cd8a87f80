package tool

import (
	"github.com/spf13/cobra"

	"github.com/emberdb/ember/cmd/tool/integrity"
	"github.com/emberdb/ember/cmd/tool/wal"
)

const (
	toolUsage     = "tool"
	toolShortDesc = "Executes tools as subcommands"
	toolLongDesc  = "This command executes the specified maintenance tool"
	toolExample   = "ember tool wal [flags]"
)

var (
	// Cmd is the tool command.
	Cmd = &cobra.Command{
		Use:        toolUsage,
		Short:      toolShortDesc,
		Long:       toolLongDesc,
		SuggestFor: []string{"wal", "integrity"},
		Example:    toolExample,
	}
)

func init() {
	Cmd.AddCommand(integrity.Cmd)
	Cmd.AddCommand(wal.Cmd)
}

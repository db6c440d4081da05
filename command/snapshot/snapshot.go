package snapshot

import (
	"github.com/masayil/snapstore/command/snapshot/destroy"
	"github.com/masayil/snapstore/command/snapshot/inspect"
	"github.com/masayil/snapstore/command/snapshot/list"
	"github.com/spf13/cobra"
)

func GetCommand() *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Top level command for interacting with the snapshot store. Only accepts subcommands",
	}

	registerSubcommands(snapshotCmd)

	return snapshotCmd
}

func registerSubcommands(baseCmd *cobra.Command) {
	baseCmd.AddCommand(
		list.GetCommand(),
		inspect.GetCommand(),
		destroy.GetCommand(),
	)
}

package root

import (
	"fmt"
	"os"

	"github.com/masayil/snapstore/command"
	"github.com/masayil/snapstore/command/helper"
	"github.com/masayil/snapstore/command/snapshot"
	"github.com/masayil/snapstore/command/version"
	"github.com/spf13/cobra"
)

type RootCommand struct {
	baseCmd *cobra.Command
}

func NewRootCommand() *RootCommand {
	rootCommand := &RootCommand{
		baseCmd: &cobra.Command{
			Short: "Snapstore is a copy-on-write snapshot store for Ethereum-compatible Blockchain state",
		},
	}

	helper.RegisterJSONOutputFlag(rootCommand.baseCmd)

	rootCommand.baseCmd.PersistentFlags().String(
		command.LogLevelFlag,
		"INFO",
		"the log level for console output",
	)

	rootCommand.registerSubCommands()

	return rootCommand
}

func (rc *RootCommand) registerSubCommands() {
	rc.baseCmd.AddCommand(
		version.GetCommand(),
		snapshot.GetCommand(),
	)
}

func (rc *RootCommand) Execute() {
	if err := rc.baseCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}

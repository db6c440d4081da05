package list

import (
	"sort"

	"github.com/masayil/snapstore/command"
	"github.com/masayil/snapstore/command/helper"
	"github.com/spf13/cobra"
)

func GetCommand() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists the committed snapshots in a data directory",
		Run:   runCommand,
	}

	setFlags(listCmd)
	helper.SetRequiredFlags(listCmd, params.getRequiredFlags())

	return listCmd
}

func setFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&params.DataDir,
		command.DataDirFlag,
		"",
		"the data directory of the snapshot store",
	)
}

func runCommand(cmd *cobra.Command, _ []string) {
	outputter := command.InitializeOutputter(cmd)
	defer outputter.WriteOutput()

	logger := helper.GetLoggerFromFlags(cmd, "snapshot-list")

	if err := params.openRegistry(logger); err != nil {
		outputter.SetError(err)

		return
	}

	defer params.close()

	epochs, err := params.registry.Epochs()
	if err != nil {
		outputter.SetError(err)

		return
	}

	result := &SnapshotListResult{}

	for _, epoch := range epochs {
		info, exists, err := params.registry.Get(epoch)
		if err != nil {
			outputter.SetError(err)

			return
		}

		if !exists {
			continue
		}

		result.Snapshots = append(result.Snapshots, SnapshotEntry{
			Epoch:       epoch,
			MerkleRoot:  info.MerkleRoot,
			ParentEpoch: info.ParentEpoch,
			EpochHeight: info.EpochHeight,
		})
	}

	sort.Slice(result.Snapshots, func(i, j int) bool {
		return result.Snapshots[i].EpochHeight < result.Snapshots[j].EpochHeight
	})

	outputter.SetCommandResult(result)
}

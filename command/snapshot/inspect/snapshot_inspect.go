package inspect

import (
	"fmt"

	"github.com/masayil/snapstore/command"
	"github.com/masayil/snapstore/command/helper"
	"github.com/masayil/snapstore/snapshot"
	"github.com/spf13/cobra"
)

func GetCommand() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:     "inspect",
		Short:   "Inspects one committed snapshot and checks its recorded merkle root",
		PreRunE: runPreRun,
		Run:     runCommand,
	}

	setFlags(inspectCmd)
	helper.SetRequiredFlags(inspectCmd, params.getRequiredFlags())

	return inspectCmd
}

func setFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&params.DataDir,
		command.DataDirFlag,
		"",
		"the data directory of the snapshot store",
	)

	cmd.Flags().StringVar(
		&params.epochRaw,
		epochFlag,
		"",
		"the epoch id of the snapshot to inspect",
	)
}

func runPreRun(cmd *cobra.Command, _ []string) error {
	return params.validateFlags()
}

func runCommand(cmd *cobra.Command, _ []string) {
	outputter := command.InitializeOutputter(cmd)
	defer outputter.WriteOutput()

	logger := helper.GetLoggerFromFlags(cmd, "snapshot-inspect")

	registry, err := snapshot.OpenInfoRegistry(logger, params.registryPath())
	if err != nil {
		outputter.SetError(err)

		return
	}

	defer registry.Close()

	info, exists, err := registry.Get(params.epoch)
	if err != nil {
		outputter.SetError(err)

		return
	}

	if !exists {
		outputter.SetError(fmt.Errorf("epoch %s is not registered", params.epoch))

		return
	}

	manager, err := snapshot.NewManager(logger, snapshot.DefaultConfig(params.snapshotPath()), nil)
	if err != nil {
		outputter.SetError(err)

		return
	}

	defer manager.Close()

	ref, err := manager.GetSnapshot(params.epoch, false)
	if err != nil {
		outputter.SetError(err)

		return
	}

	defer ref.Release()

	storedRoot := ref.Get().Root()

	outputter.SetCommandResult(&SnapshotInspectResult{
		Epoch:       params.epoch,
		MerkleRoot:  info.MerkleRoot,
		ParentEpoch: info.ParentEpoch,
		EpochHeight: info.EpochHeight,
		RootMatches: storedRoot == info.MerkleRoot,
	})
}

package destroy

import (
	"github.com/masayil/snapstore/command"
	"github.com/masayil/snapstore/command/helper"
	"github.com/masayil/snapstore/snapshot"
	"github.com/spf13/cobra"
)

func GetCommand() *cobra.Command {
	destroyCmd := &cobra.Command{
		Use:     "destroy",
		Short:   "Removes one committed snapshot and its registry record",
		PreRunE: runPreRun,
		Run:     runCommand,
	}

	setFlags(destroyCmd)
	helper.SetRequiredFlags(destroyCmd, params.getRequiredFlags())

	return destroyCmd
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
		"the epoch id of the snapshot to destroy",
	)
}

func runPreRun(cmd *cobra.Command, _ []string) error {
	return params.validateFlags()
}

func runCommand(cmd *cobra.Command, _ []string) {
	outputter := command.InitializeOutputter(cmd)
	defer outputter.WriteOutput()

	logger := helper.GetLoggerFromFlags(cmd, "snapshot-destroy")

	registry, err := snapshot.OpenInfoRegistry(logger, params.registryPath())
	if err != nil {
		outputter.SetError(err)

		return
	}

	defer registry.Close()

	manager, err := snapshot.NewManager(logger, snapshot.DefaultConfig(params.snapshotPath()), nil)
	if err != nil {
		outputter.SetError(err)

		return
	}

	defer manager.Close()

	// drop the registry record first, so a crash between the two steps
	// leaves an orphan directory instead of a dangling record
	tx := registry.Write()
	err = tx.Delete(params.epoch)
	tx.Release()

	if err != nil {
		outputter.SetError(err)

		return
	}

	if err := manager.DestroySnapshot(params.epoch); err != nil {
		outputter.SetError(err)

		return
	}

	outputter.SetCommandResult(&SnapshotDestroyResult{
		Epoch: params.epoch,
	})
}

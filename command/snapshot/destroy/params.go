package destroy

import (
	"path/filepath"

	"github.com/masayil/snapstore/command"
	"github.com/masayil/snapstore/command/helper"
	"github.com/masayil/snapstore/types"
)

const (
	epochFlag = "epoch"
)

var (
	params = &destroyParams{}
)

type destroyParams struct {
	DataDir  string
	epochRaw string

	epoch types.Hash
}

func (p *destroyParams) validateFlags() error {
	epoch, err := helper.ParseEpoch(p.epochRaw)
	if err != nil {
		return err
	}

	p.epoch = epoch

	return nil
}

func (p *destroyParams) getRequiredFlags() []string {
	return []string{
		command.DataDirFlag,
		epochFlag,
	}
}

func (p *destroyParams) snapshotPath() string {
	return filepath.Join(p.DataDir, command.DefaultSnapshotDirName)
}

func (p *destroyParams) registryPath() string {
	return filepath.Join(p.DataDir, command.DefaultRegistryDirName)
}

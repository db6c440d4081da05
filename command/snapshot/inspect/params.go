package inspect

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
	params = &inspectParams{}
)

type inspectParams struct {
	DataDir  string
	epochRaw string

	epoch types.Hash
}

func (p *inspectParams) validateFlags() error {
	epoch, err := helper.ParseEpoch(p.epochRaw)
	if err != nil {
		return err
	}

	p.epoch = epoch

	return nil
}

func (p *inspectParams) getRequiredFlags() []string {
	return []string{
		command.DataDirFlag,
		epochFlag,
	}
}

func (p *inspectParams) snapshotPath() string {
	return filepath.Join(p.DataDir, command.DefaultSnapshotDirName)
}

func (p *inspectParams) registryPath() string {
	return filepath.Join(p.DataDir, command.DefaultRegistryDirName)
}

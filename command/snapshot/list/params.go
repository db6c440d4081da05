package list

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/masayil/snapstore/command"
	"github.com/masayil/snapstore/snapshot"
)

var (
	params = &listParams{}
)

type listParams struct {
	DataDir string

	registry *snapshot.InfoRegistry
}

func (p *listParams) getRequiredFlags() []string {
	return []string{
		command.DataDirFlag,
	}
}

func (p *listParams) openRegistry(logger hclog.Logger) error {
	registry, err := snapshot.OpenInfoRegistry(
		logger,
		filepath.Join(p.DataDir, command.DefaultRegistryDirName),
	)
	if err != nil {
		return fmt.Errorf("unable to open snapshot registry: %w", err)
	}

	p.registry = registry

	return nil
}

func (p *listParams) close() {
	if p.registry != nil {
		_ = p.registry.Close()
	}
}

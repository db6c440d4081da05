package inspect

import (
	"bytes"
	"fmt"

	"github.com/masayil/snapstore/command/helper"
	"github.com/masayil/snapstore/types"
)

type SnapshotInspectResult struct {
	Epoch       types.Hash `json:"epoch"`
	MerkleRoot  types.Hash `json:"merkleRoot"`
	ParentEpoch types.Hash `json:"parentEpoch"`
	EpochHeight uint64     `json:"epochHeight"`
	RootMatches bool       `json:"rootMatches"`
}

func (r *SnapshotInspectResult) GetOutput() string {
	var buffer bytes.Buffer

	buffer.WriteString("\n[SNAPSHOT INSPECT]\n")
	buffer.WriteString(helper.FormatKV([]string{
		fmt.Sprintf("Epoch|%s", r.Epoch),
		fmt.Sprintf("Merkle root|%s", r.MerkleRoot),
		fmt.Sprintf("Parent epoch|%s", r.ParentEpoch),
		fmt.Sprintf("Epoch height|%d", r.EpochHeight),
		fmt.Sprintf("Root matches|%t", r.RootMatches),
	}))
	buffer.WriteString("\n")

	return buffer.String()
}

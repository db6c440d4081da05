package list

import (
	"bytes"
	"fmt"

	"github.com/masayil/snapstore/command/helper"
	"github.com/masayil/snapstore/types"
)

type SnapshotEntry struct {
	Epoch       types.Hash `json:"epoch"`
	MerkleRoot  types.Hash `json:"merkleRoot"`
	ParentEpoch types.Hash `json:"parentEpoch"`
	EpochHeight uint64     `json:"epochHeight"`
}

type SnapshotListResult struct {
	Snapshots []SnapshotEntry `json:"snapshots"`
}

func (r *SnapshotListResult) GetOutput() string {
	var buffer bytes.Buffer

	buffer.WriteString("\n[SNAPSHOT LIST]\n")

	if len(r.Snapshots) == 0 {
		buffer.WriteString("No snapshots found\n")

		return buffer.String()
	}

	rows := make([]string, 0, len(r.Snapshots)+1)
	rows = append(rows, "HEIGHT|EPOCH|MERKLE ROOT|PARENT")

	for _, entry := range r.Snapshots {
		rows = append(rows, fmt.Sprintf(
			"%d|%s|%s|%s",
			entry.EpochHeight,
			entry.Epoch,
			entry.MerkleRoot,
			entry.ParentEpoch,
		))
	}

	buffer.WriteString(helper.FormatKV(rows))
	buffer.WriteString("\n")

	return buffer.String()
}

package destroy

import (
	"bytes"
	"fmt"

	"github.com/masayil/snapstore/command/helper"
	"github.com/masayil/snapstore/types"
)

type SnapshotDestroyResult struct {
	Epoch types.Hash `json:"epoch"`
}

func (r *SnapshotDestroyResult) GetOutput() string {
	var buffer bytes.Buffer

	buffer.WriteString("\n[SNAPSHOT DESTROY]\n")
	buffer.WriteString(helper.FormatKV([]string{
		fmt.Sprintf("Destroyed epoch|%s", r.Epoch),
	}))
	buffer.WriteString("\n")

	return buffer.String()
}

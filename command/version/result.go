package version

import (
	"fmt"
	"strings"

	"github.com/masayil/snapstore/command/helper"
)

type VersionResult struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

func (r *VersionResult) GetOutput() string {
	var s strings.Builder

	s.WriteString("[SNAPSTORE BUILD]\n")
	s.WriteString(helper.FormatKV([]string{
		fmt.Sprintf("Release|%s", r.Version),
		fmt.Sprintf("Commit|%s", r.Commit),
		fmt.Sprintf("Built|%s", r.BuildTime),
	}))

	return s.String()
}

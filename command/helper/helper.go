package helper

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/hashicorp/go-hclog"
	"github.com/masayil/snapstore/command"
	"github.com/masayil/snapstore/types"
	"github.com/spf13/cobra"
)

// RegisterJSONOutputFlag registers the --json output flag on the command
// and all of its subcommands.
func RegisterJSONOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().Bool(
		command.JSONOutputFlag,
		false,
		"get all outputs in json format (default false)",
	)
}

// SetRequiredFlags marks the given flags as required on the command.
func SetRequiredFlags(cmd *cobra.Command, flags []string) {
	for _, flag := range flags {
		_ = cmd.MarkFlagRequired(flag)
	}
}

// FormatKV renders "key|value" rows as an aligned two column table.
func FormatKV(in []string) string {
	var buffer bytes.Buffer

	w := tabwriter.NewWriter(&buffer, 0, 0, 2, ' ', 0)

	for _, row := range in {
		fmt.Fprintln(w, strings.ReplaceAll(row, "|", "\t"))
	}

	_ = w.Flush()

	return buffer.String()
}

// ParseEpoch decodes an epoch identifier given on the command line, with
// or without the 0x prefix.
func ParseEpoch(raw string) (types.Hash, error) {
	var epoch types.Hash
	if err := epoch.UnmarshalText([]byte(raw)); err != nil {
		return types.ZeroHash, fmt.Errorf("invalid epoch %q: %w", raw, err)
	}

	return epoch, nil
}

// GetLoggerFromFlags builds the command logger from the --log-level flag.
func GetLoggerFromFlags(cmd *cobra.Command, name string) hclog.Logger {
	level := hclog.Info

	if flag := cmd.Flag(command.LogLevelFlag); flag != nil {
		level = hclog.LevelFromString(flag.Value.String())
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: level,
	})
}

package command

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// CommandResult is the output of a completed command.
type CommandResult interface {
	GetOutput() string
}

// Outputter collects the result (or error) of a command and writes it out
// as text or JSON, depending on the --json flag.
type Outputter interface {
	SetError(err error)
	SetCommandResult(result CommandResult)
	WriteOutput()
}

// InitializeOutputter returns the outputter matching the command's output
// format flags.
func InitializeOutputter(cmd *cobra.Command) Outputter {
	if jsonFlag := cmd.Flag(JSONOutputFlag); jsonFlag != nil && jsonFlag.Changed {
		return &jsonOutput{}
	}

	return &cliOutput{}
}

type cliOutput struct {
	result CommandResult
	err    error
}

func (o *cliOutput) SetError(err error) {
	o.err = err
}

func (o *cliOutput) SetCommandResult(result CommandResult) {
	o.result = result
}

func (o *cliOutput) WriteOutput() {
	if o.err != nil {
		_, _ = fmt.Fprintln(os.Stderr, o.err.Error())

		os.Exit(1)
	}

	if o.result != nil {
		_, _ = fmt.Fprintln(os.Stdout, o.result.GetOutput())
	}
}

type jsonOutput struct {
	result CommandResult
	err    error
}

func (o *jsonOutput) SetError(err error) {
	o.err = err
}

func (o *jsonOutput) SetCommandResult(result CommandResult) {
	o.result = result
}

func (o *jsonOutput) WriteOutput() {
	if o.err != nil {
		raw, _ := json.Marshal(struct {
			Error string `json:"error"`
		}{Error: o.err.Error()})

		_, _ = fmt.Fprintln(os.Stderr, string(raw))

		os.Exit(1)
	}

	if o.result != nil {
		raw, err := json.MarshalIndent(o.result, "", "    ")
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())

			os.Exit(1)
		}

		_, _ = fmt.Fprintln(os.Stdout, string(raw))
	}
}

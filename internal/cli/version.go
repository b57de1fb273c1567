package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

// VersionResult is the build information.
type VersionResult struct {
	Version string `json:"version"`
	Go      string `json:"go"`
}

func (r VersionResult) Text(w io.Writer) error {
	_, err := fmt.Fprintf(w, "corebridge %s (%s)\n", r.Version, r.Go)
	return err
}

// NewVersionCommand creates the version command.
func NewVersionCommand(opts *RootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(cmd.OutOrStdout(), opts.Format, VersionResult{Version: version, Go: runtime.Version()})
		},
	}
}

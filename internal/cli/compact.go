package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"corebridge/internal/bridge"
)

// CompactResult reports one compaction.
type CompactResult struct {
	Path    string `json:"path"`
	Removed int64  `json:"removed_rows"`
}

func (r CompactResult) Text(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s: removed %d superseded rows\n", r.Path, r.Removed)
	return err
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop row versions no snapshot can observe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res CompactResult
			err := withDatabase(cmd, opts, func(ctx context.Context, db *bridge.Database) (err error) {
				res.Path = db.Path()
				res.Removed, err = db.Compact(ctx)
				return err
			})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts.Format, res)
		},
	}
}

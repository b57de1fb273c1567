package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"corebridge/internal/app"
	"corebridge/internal/bridge"
	"corebridge/internal/handle"
)

// InspectResult describes the newest committed version of a database.
type InspectResult struct {
	Path    string         `json:"path"`
	Version uint64         `json:"version"`
	Classes map[string]int `json:"classes"`
	Handles handle.Stats   `json:"handles"`
}

func (r InspectResult) Text(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "path:    %s\nversion: %d\n", r.Path, r.Version); err != nil {
		return err
	}
	for _, c := range slices.Sorted(maps.Keys(r.Classes)) {
		if _, err := fmt.Fprintf(w, "  %-20s %d\n", c, r.Classes[c]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "handles: %d live, %d released\n", r.Handles.Live, r.Handles.Released)
	return err
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the version and object counts of a database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res InspectResult
			err := withDatabase(cmd, opts, func(ctx context.Context, db *bridge.Database) error {
				snap, err := db.Latest(ctx)
				if err != nil {
					return err
				}
				defer snap.Close(ctx)

				if res.Version, err = snap.Version(ctx); err != nil {
					return err
				}
				classes, err := snap.Classes(ctx)
				if err != nil {
					return err
				}
				res.Classes = make(map[string]int, len(classes))
				for _, c := range classes {
					q, err := snap.Query(ctx, c, nil)
					if err != nil {
						return err
					}
					rs, err := q.Run(ctx)
					if err != nil {
						return err
					}
					if res.Classes[c], err = rs.Len(ctx); err != nil {
						return err
					}
				}
				res.Path = db.Path()
				res.Handles = db.Registry().Stats()
				return nil
			})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts.Format, res)
		},
	}
}

// withDatabase opens the configured database for one command.
func withDatabase(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, db *bridge.Database) error) (err error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	a := app.NewWithLogger(cfg, opts.toolLogger(cmd.ErrOrStderr(), cfg))
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.Open(ctx); err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a.Database())
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/pkg/types"
)

func (c *cli) cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Point the write alias at a new index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := c.app.Deflector().Cycle(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"alias": c.app.Deflector().Name(), "target": target})
		},
	}
}

func (c *cli) moveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <source> <target>",
		Short: "Copy every document of an index into another index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			moved, err := c.app.Manager().Move(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{"source": args[0], "target": args[1], "moved": moved})
		},
	}
}

func (c *cli) reopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <index>",
		Short: "Reopen a closed index and exempt it from retention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Manager().ReopenIndex(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reopened %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <index>",
		Short: "Close an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := c.app.Deflector().CurrentTarget(cmd.Context())
			if err != nil && !ierrors.IsKind(err, ierrors.KindNotFound) {
				return err
			}
			if target == args[0] {
				return fmt.Errorf("%s is the current write target", args[0])
			}
			if err := c.app.Manager().Close(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) rangesCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "ranges",
		Short: "List index ranges, optionally those overlapping a time span",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				out []types.IndexRange
				err error
			)
			if from == "" && to == "" {
				out, err = c.app.Ranges().FindAll(cmd.Context())
			} else {
				var begin, end time.Time
				if begin, err = parseTime(from, types.Epoch); err != nil {
					return err
				}
				if end, err = parseTime(to, time.Now().UTC()); err != nil {
					return err
				}
				out, err = c.app.Ranges().Find(cmd.Context(), begin, end)
			}
			if err != nil {
				return err
			}
			if out == nil {
				out = []types.IndexRange{}
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start of the span (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "end of the span (RFC 3339), default now")
	return cmd
}

func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", v, err)
	}
	return t, nil
}

func (c *cli) rebuildRangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-range <index>",
		Short: "Recalculate and save the range of an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.app.Ranges().CalculateRange(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, r)
		},
	}
}

func (c *cli) migrateRangesCmd() *cobra.Command {
	var importFile string
	cmd := &cobra.Command{
		Use:   "migrate-ranges",
		Short: "Copy legacy index ranges into the range store",
		Long: `migrate-ranges copies every legacy range that is not flagged as
migrated into the range store and flags it. An interrupted run is resumed
by running it again. With --import, newline-delimited legacy documents are
loaded into the legacy store first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if importFile != "" {
				f, err := os.Open(importFile)
				if err != nil {
					return err
				}
				defer f.Close()
				n, err := c.app.ImportLegacyRanges(cmd.Context(), f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "imported %d legacy documents\n", n)
			}
			res, err := c.app.MigrateRanges(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"migrated": res.Migrated, "skipped": res.Skipped})
		},
	}
	cmd.Flags().StringVar(&importFile, "import", "", "file of legacy range documents to import first")
	return cmd
}

func (c *cli) archiveCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "archive <index>",
		Short: "Archive an index to object storage, or list its archives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				manifests, err := c.app.Archiver().List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, manifests)
			}
			m, err := c.app.Archiver().Archive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list the archives of the index instead")
	return cmd
}

func (c *cli) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <object> <target>",
		Short: "Restore an archive into an index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.app.Archiver().Restore(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{"object": args[0], "target": args[1], "restored": n})
		},
	}
}

package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/batlogic/axiom/pkg/stores"
)

// openStore opens the configured database. The history commands need one.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if settings.Store.Path == "" {
		return nil, fmt.Errorf("no database configured, set store.path or pass --db")
	}
	return stores.Open(ctx, settings.Store.Path)
}

func newErrorsCommand() *cobra.Command {
	var (
		all     bool
		surface string
		class   string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List recorded compile errors",
		Long: `List the error log recorded by previous compile runs. Only errors
that are still active are shown unless --all is given.`,
		Example: `  # Show active script errors
  axiom errors --db axiom.db --class script`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListErrors(ctx, stores.ErrorFilter{
				Surface:        surface,
				Class:          class,
				IncludeCleared: all,
				Limit:          limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "no errors")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RAISED\tCLASS\tSURFACE\tUNIT\tSTATE\tMESSAGE")
			for _, r := range records {
				unit := r.Node
				if unit == "" {
					unit = r.Group
				}
				state := "active"
				if !r.Active() {
					state = "cleared"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.RaisedAt.Format(time.RFC3339), r.Class, r.Surface, unit, state, r.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include cleared errors")
	cmd.Flags().StringVar(&surface, "surface", "", "filter by surface ID")
	cmd.Flags().StringVar(&class, "class", "", "filter by error class")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of errors")

	return cmd
}

func newRunsCommand() *cobra.Command {
	var (
		surface string
		limit   int
		prune   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded compile runs",
		Example: `  # Show the last runs of the main surface
  axiom runs --db axiom.db --surface main

  # Drop runs older than a week
  axiom runs --db axiom.db --prune 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if prune > 0 {
				n, err := store.DeleteCompileRunsBefore(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				if !jsonOutput {
					fmt.Fprintf(out, "pruned %d runs\n", n)
				}
			}

			runs, err := store.ListCompileRuns(ctx, surface, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, runs)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSURFACE\tPASS\tSTATUS\tCOMPILED\tFAILED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\n",
					r.StartedAt.Format(time.RFC3339), r.Surface, r.Pass, r.Status, r.Compiled, r.Failed, r.Duration)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&surface, "surface", "", "filter by surface name")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this before listing")

	return cmd
}

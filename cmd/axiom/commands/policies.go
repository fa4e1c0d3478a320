package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/batlogic/axiom/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the lint policies",
		Long: `List the built-in policies together with those loaded from the paths in
the settings file and from --path.`,
		Example: `  # Show every policy including a local directory
  axiom policies --path ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			ps := settings.Policy
			ps.Paths = append(ps.Paths, paths...)

			pe, err := policy.NewEngineFromSettings(ctx, log.Logger, ps)
			if err != nil {
				return err
			}

			list := pe.ListPolicies()
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, list)
			}
			fmt.Fprintf(out, "mode: %s\n", pe.Mode())
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tTAGS\tDESCRIPTION")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", p.Name, p.Severity, p.Enabled, strings.Join(p.Tags, ","), p.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&paths, "path", nil, "additional policy file or directory")

	return cmd
}

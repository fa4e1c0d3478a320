package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate patch files",
		Long: `Validate patch files without compiling them.

This command checks:
  - CUE syntax validity
  - Schema conformance of nodes, wires and values
  - Wire and value endpoints
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate the patch in the current directory
  axiom validate

  # Validate specific files, failing on policy warnings too
  axiom validate --strict main.cue voice.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer w.close(ctx)

			report := &compileReport{}
			patch, err := w.parse(ctx, args)
			if patch != nil {
				report.Sources = patch.SourceFiles
				report.Invalid = patch.Errors
			}
			if err == nil {
				report.Lint, err = w.lint(ctx, patch)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if werr := writeJSON(out, report); werr != nil {
					return werr
				}
			} else {
				report.writeText(out)
			}
			if err != nil {
				return err
			}
			if err := report.Lint.Err(); err != nil {
				return err
			}
			if strict && report.Lint != nil && len(report.Lint.Warnings) > 0 {
				return fmt.Errorf("%d policy warnings", len(report.Lint.Warnings))
			}

			if !jsonOutput {
				fmt.Fprintf(out, "%d files valid\n", len(report.Sources))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat policy warnings as errors")

	return cmd
}

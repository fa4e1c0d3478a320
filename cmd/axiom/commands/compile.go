package commands

import (
	"github.com/spf13/cobra"
)

func newCompileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile [path...]",
		Short: "Compile a patch",
		Long: `Parse, lint, apply and compile a patch once.

Every root surface of the patch is compiled. A failing node does not stop
the rest of its surface from compiling; its error is listed with the
location it was raised at. When a database is configured the compile runs
and the error log are recorded in it.`,
		Example: `  # Compile the patch in the current directory
  axiom compile

  # Compile and record the outcome
  axiom compile --db axiom.db ./patches`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer w.close(ctx)

			report, err := w.build(ctx, args)
			out := cmd.OutOrStdout()
			if jsonOutput {
				if werr := writeJSON(out, report); werr != nil {
					return werr
				}
			} else {
				report.writeText(out)
			}
			return err
		},
	}

	return cmd
}

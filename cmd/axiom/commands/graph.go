package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var surface string

	cmd := &cobra.Command{
		Use:   "graph [path...]",
		Short: "Print the dependency graph of a surface",
		Long: `Apply a patch without compiling it and print the dependency graph of
one root surface in DOT format.`,
		Example: `  # Render the main surface
  axiom graph --surface main | dot -Tsvg > main.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer w.close(ctx)

			patch, err := w.parse(ctx, args)
			if err != nil {
				return err
			}
			if _, err := w.applier.Apply(ctx, patch); err != nil {
				return err
			}

			if surface == "" {
				names := patch.SurfaceNames()
				if len(names) != 1 {
					return fmt.Errorf("patch has %d surfaces, choose one with --surface", len(names))
				}
				surface = names[0]
			}
			s, ok := w.rt.RootSurface(surface)
			if !ok {
				return fmt.Errorf("surface %q not found", surface)
			}

			dot, err := s.DOT()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
			return err
		},
	}

	cmd.Flags().StringVarP(&surface, "surface", "s", "", "root surface to print")

	return cmd
}

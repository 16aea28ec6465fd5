package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newKernelSpecsCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:     "kernelspecs",
		Aliases: []string{"specs"},
		Short:   "List the kernels kernelsup can start",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := ctx.registry()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDISPLAY NAME\tLANGUAGE\tINTERRUPT\tARGV")
			for _, name := range reg.Names() {
				spec, err := reg.Resolve(name)
				if err != nil {
					return err
				}
				marker := ""
				if name == ctx.cfg.DefaultKernel {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\t%s\n",
					name, marker, spec.DisplayName, spec.Language, spec.Mode(), strings.Join(spec.Argv, " "))
			}
			return tw.Flush()
		},
	}
}

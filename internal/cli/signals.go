package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbind/internal/proc"
)

func newSignalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "List the signal names procbind can deliver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tNUMBER")
			for _, sig := range proc.Signals() {
				num, ok := sig.Syscall()
				if !ok {
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\n", sig, int(num))
			}
			return tw.Flush()
		},
	}
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/elfhook/elfinfo"
)

var hashCmd = &cobra.Command{
	Use:   "hash <name>...",
	Short: "Print the SysV and GNU ELF hashes of symbol names",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "Name\tSysV\tGNU")
		for _, name := range args {
			fmt.Fprintf(tw, "%s\t0x%08x\t0x%08x\n", name, elfinfo.Hash(name), elfinfo.GNUHash(name))
		}
		return tw.Flush()
	},
}

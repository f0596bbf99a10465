package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/elfhook/elfinfo"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <elf file> <symbol>...",
	Short: "Look symbols up through the dynamic hash table",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, info, err := openFile(args[0])
		if err != nil {
			return err
		}
		defer h.Close()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "Name\tIndex\tValue\tSize\tBind\tType\tSlots")
		missing := 0
		for _, name := range args[1:] {
			sym, err := info.Lookup(name)
			if errors.Is(err, elfinfo.ErrSymbolNotFound) {
				missing++
				fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\n", name)
				continue
			}
			if err != nil {
				return err
			}
			slots, err := countSlots(info, sym.Index)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%d\t%#x\t%d\t%v\t%v\t%d\n",
				sym.Name, sym.Index, sym.Value, sym.Size, sym.Bind(), sym.Type(), slots)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if missing > 0 {
			return fmt.Errorf("%d symbol(s) not found", missing)
		}
		return nil
	},
}

// countSlots counts the relocation slots a hook of sym would consider.
func countSlots(info *elfinfo.Info, sym uint32) (int, error) {
	n := 0
	for _, t := range []elfinfo.RelTable{info.RelPlt, info.RelDyn} {
		relocs, err := info.Relocs(t)
		if err != nil {
			return 0, err
		}
		for _, r := range relocs {
			if r.Sym == sym && (elfinfo.IsJumpSlot(info.Machine, r.Type) || elfinfo.IsDataPointer(info.Machine, r.Type)) {
				n++
			}
		}
	}
	return n, nil
}

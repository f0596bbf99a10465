package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	showSegments bool
	showSections bool
	showDynamic  bool
	showSymbols  bool
	showRelocs   bool
	verify       bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <elf file>",
	Short: "Print the dynamic linking metadata of an ELF file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, info, err := openFile(args[0])
		if err != nil {
			return err
		}
		defer h.Close()

		out := cmd.OutOrStdout()
		if err := info.Validate(); err != nil {
			log.WithError(err).Warn("metadata failed validation")
		}
		if err := info.DumpHeader(out); err != nil {
			return err
		}
		for _, d := range []struct {
			on   bool
			dump func() error
		}{
			{showSegments, func() error { return info.DumpSegments(out) }},
			{showSections, func() error { return info.DumpSections(out) }},
			{showDynamic, func() error { return info.DumpDynamic(out) }},
			{showSymbols, func() error { return info.DumpSymbols(out) }},
			{showRelocs, func() error { return info.DumpRelocs(out) }},
		} {
			if !d.on {
				continue
			}
			fmt.Fprintln(out)
			if err := d.dump(); err != nil {
				return err
			}
		}
		if verify {
			fmt.Fprintln(out)
			return verifyAgainstReference(out, args[0], info)
		}
		return nil
	},
}

func init() {
	f := inspectCmd.Flags()
	f.BoolVar(&showSegments, "segments", false, "List program headers")
	f.BoolVar(&showSections, "sections", false, "List section headers")
	f.BoolVar(&showDynamic, "dynamic", false, "List the dynamic table")
	f.BoolVar(&showSymbols, "symbols", false, "List dynamic symbols")
	f.BoolVar(&showRelocs, "relocs", false, "List .rel(a).dyn and .rel(a).plt entries")
	f.BoolVar(&verify, "verify", false, "Compare symbols and relocations with an independent ELF parser")
}

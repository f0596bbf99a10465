package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/yalue/elf_reader"

	"github.com/sliverarmory/elfhook/elfinfo"
)

// verifyAgainstReference re-reads path with elf_reader and compares the
// dynamic symbols and relocation tables it finds with info.
func verifyAgainstReference(w io.Writer, path string, info *elfinfo.Info) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ref, err := elf_reader.ParseELFFile(data)
	if err != nil {
		return fmt.Errorf("elf_reader: %w", err)
	}
	count := ref.GetSectionCount()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Section\tEntries\tReference\tStatus")
	mismatches := 0
	report := func(name string, got, want int, ok bool) {
		status := "ok"
		if !ok {
			status = "MISMATCH"
			mismatches++
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", name, got, want, status)
	}

	for i := uint16(1); i < count; i++ {
		name, err := ref.GetSectionName(i)
		if err != nil {
			return fmt.Errorf("elf_reader: section %d: %w", i, err)
		}
		switch {
		case ref.IsSymbolTable(i) && name == ".dynsym":
			_, names, err := ref.GetSymbols(i)
			if err != nil {
				return fmt.Errorf("elf_reader: %s: %w", name, err)
			}
			syms, err := info.Symbols()
			if err != nil {
				return err
			}
			ok := len(syms) == len(names)
			for j := 0; ok && j < len(syms); j++ {
				ok = syms[j].Name == names[j]
			}
			report(name, len(syms), len(names), ok)

		case ref.IsRelocationTable(i) && (name == info.RelDyn.Name || name == info.RelPlt.Name):
			want, err := ref.GetRelocations(i)
			if err != nil {
				return fmt.Errorf("elf_reader: %s: %w", name, err)
			}
			table := info.RelDyn
			if name == info.RelPlt.Name {
				table = info.RelPlt
			}
			got, err := info.Relocs(table)
			if err != nil {
				return err
			}
			ok := len(got) == len(want)
			for j := 0; ok && j < len(got); j++ {
				ok = got[j].Offset == want[j].Offset() && got[j].Sym == want[j].SymbolIndex() && got[j].Type == want[j].Type()
			}
			report(name, len(got), len(want), ok)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if mismatches > 0 {
		return fmt.Errorf("%d table(s) disagree with elf_reader", mismatches)
	}
	return nil
}

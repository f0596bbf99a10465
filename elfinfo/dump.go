package elfinfo

import (
	"debug/elf"
	"fmt"
	"io"
	"text/tabwriter"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// DumpHeader writes the file header and the location of every table found.
func (info *Info) DumpHeader(w io.Writer) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "Class:\t%v\n", info.Class)
	fmt.Fprintf(tw, "Data:\t%v\n", info.Data)
	fmt.Fprintf(tw, "Type:\t%v\n", info.Type)
	fmt.Fprintf(tw, "Machine:\t%v\n", info.Machine)
	fmt.Fprintf(tw, "Entry:\t%#x\n", info.Entry)
	fmt.Fprintf(tw, "Program headers:\t%d at %#x\n", info.Phnum, info.Phoff)
	fmt.Fprintf(tw, "Section headers:\t%d at %#x\n", info.Shnum, info.Shoff)
	fmt.Fprintf(tw, "View:\t%v\n", info.View)
	fmt.Fprintf(tw, "Symbols:\t%d at %#x\n", info.SymTab.Count, info.SymTab.Off)
	fmt.Fprintf(tw, "Strings:\t%d bytes at %#x\n", info.StrTab.Count, info.StrTab.Off)
	for _, t := range []RelTable{info.RelDyn, info.RelPlt} {
		if t.Name == "" {
			continue
		}
		fmt.Fprintf(tw, "%s:\t%d entries at %#x\n", t.Name, t.Count, t.Off)
	}
	if info.Hash.Present() {
		fmt.Fprintf(tw, "Hash:\t%d buckets, %d chains at %#x\n", info.Hash.NBucket, info.Hash.NChain, info.Hash.Off)
	}
	if info.GNUHash.Present() {
		fmt.Fprintf(tw, "GNU hash:\t%d buckets at %#x\n", info.GNUHash.NBucket, info.GNUHash.Off)
	}
	return tw.Flush()
}

func (info *Info) DumpSegments(w io.Writer) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "Type\tOffset\tVirtAddr\tFileSiz\tMemSiz\tFlags\tAlign")
	for _, p := range info.Progs {
		fmt.Fprintf(tw, "%v\t%#x\t%#x\t%#x\t%#x\t%v\t%#x\n",
			p.Type, p.Off, p.Vaddr, p.Filesz, p.Memsz, p.Flags, p.Align)
	}
	return tw.Flush()
}

func (info *Info) DumpSections(w io.Writer) error {
	if !info.HasSections() {
		_, err := fmt.Fprintln(w, "no section headers")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "[Nr]\tName\tType\tAddr\tOffset\tSize\tEntSize")
	for _, s := range info.Sections {
		fmt.Fprintf(tw, "[%d]\t%s\t%v\t%#x\t%#x\t%#x\t%#x\n",
			s.Index, s.Name, s.Type, s.Addr, s.Offset, s.Size, s.Entsize)
	}
	return tw.Flush()
}

// DumpDynamic writes the dynamic entries up to DT_NULL.
func (info *Info) DumpDynamic(w io.Writer) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "Tag\tKind\tValue")
	for _, e := range info.Dynamic {
		switch e := e.(type) {
		case DynPtr:
			fmt.Fprintf(tw, "%v\tptr\t%#x\n", e.Tag, e.Addr)
		case DynVal:
			if e.Tag == elf.DT_NEEDED || e.Tag == elf.DT_SONAME || e.Tag == elf.DT_RUNPATH || e.Tag == elf.DT_RPATH {
				if s, err := info.String(uint32(e.Val)); err == nil {
					fmt.Fprintf(tw, "%v\tstr\t%s\n", e.Tag, s)
					continue
				}
			}
			fmt.Fprintf(tw, "%v\tval\t%#x\n", e.Tag, e.Val)
		}
	}
	return tw.Flush()
}

func (info *Info) DumpSymbols(w io.Writer) error {
	syms, err := info.Symbols()
	tw := newTable(w)
	fmt.Fprintln(tw, "Num\tValue\tSize\tType\tBind\tNdx\tName")
	for _, s := range syms {
		fmt.Fprintf(tw, "%d\t%#x\t%d\t%v\t%v\t%d\t%s\n",
			s.Index, s.Value, s.Size, s.Type(), s.Bind(), s.Shndx, s.Name)
	}
	if ferr := tw.Flush(); err == nil {
		err = ferr
	}
	return err
}

// DumpRelocs writes both relocation tables with their symbol names.
func (info *Info) DumpRelocs(w io.Writer) error {
	for _, t := range []RelTable{info.RelDyn, info.RelPlt} {
		if t.Name == "" {
			continue
		}
		fmt.Fprintf(w, "%s (%d entries):\n", t.Name, t.Count)
		relocs, err := info.Relocs(t)
		tw := newTable(w)
		fmt.Fprintln(tw, "Offset\tType\tSym\tAddend\tName")
		for _, r := range relocs {
			name := ""
			if r.Sym != 0 {
				if sym, err := info.Symbol(r.Sym); err == nil {
					name = sym.Name
				}
			}
			fmt.Fprintf(tw, "%#x\t%s\t%d\t%d\t%s\n", r.Offset, TypeName(info.Machine, r.Type), r.Sym, r.Addend, name)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if err != nil {
			return err
		}
	}
	return nil
}

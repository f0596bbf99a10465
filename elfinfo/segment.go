package elfinfo

import (
	"debug/elf"
	"fmt"

	"github.com/sliverarmory/elfhook/image"
)

// FromSegments extracts metadata by following PT_DYNAMIC. File-backed images
// read the dynamic array at p_offset; live images read it at p_vaddr.
func FromSegments(h *image.Handle) (*Info, error) {
	info, err := newInfo(h, SegmentView)
	if err != nil {
		return nil, err
	}
	if !info.live {
		// best effort, only used for dumps
		if sections, err := readSections(info.span, info.Header); err == nil {
			info.Sections = sections
		}
	}

	var dyn *elf.ProgHeader
	for i := range info.Progs {
		if info.Progs[i].Type == elf.PT_DYNAMIC {
			dyn = &info.Progs[i]
			break
		}
	}
	if dyn == nil {
		return nil, fmt.Errorf("%w: no PT_DYNAMIC segment", ErrParse)
	}

	off, size := dyn.Off, dyn.Filesz
	if info.live {
		if off, err = info.offset(dyn.Vaddr); err != nil {
			return nil, err
		}
		size = dyn.Memsz
	}
	entries, err := readDynamic(info.span, info.Class, off, size)
	if err != nil {
		return nil, err
	}
	info.Dynamic = entries
	info.DynamicTable = Table{Off: off, Count: uint64(len(entries)), EntSize: info.layout.dyn}

	if err := info.applyDynamic(indexDynamic(entries)); err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

func (info *Info) applyDynamic(d dynamicTags) error {
	l := info.layout

	strtab, ok := d.ptr(elf.DT_STRTAB)
	if !ok {
		return fmt.Errorf("%w: no DT_STRTAB", ErrParse)
	}
	symtab, ok := d.ptr(elf.DT_SYMTAB)
	if !ok {
		return fmt.Errorf("%w: no DT_SYMTAB", ErrParse)
	}

	strOff, err := info.pointerOffset(strtab)
	if err != nil {
		return fmt.Errorf("DT_STRTAB: %w", err)
	}
	info.StrTab = Table{Off: strOff, Count: d.val(elf.DT_STRSZ, 0), EntSize: 1}

	symOff, err := info.pointerOffset(symtab)
	if err != nil {
		return fmt.Errorf("DT_SYMTAB: %w", err)
	}
	info.SymTab = Table{Off: symOff, EntSize: d.val(elf.DT_SYMENT, l.sym)}
	if info.SymTab.EntSize < l.sym {
		return fmt.Errorf("%w: DT_SYMENT %d", ErrParse, info.SymTab.EntSize)
	}

	if addr, ok := d.ptr(elf.DT_REL); ok {
		info.RelDyn, err = info.relTable(".rel.dyn", addr, d.val(elf.DT_RELSZ, 0), d.val(elf.DT_RELENT, l.rel), false)
	} else if addr, ok := d.ptr(elf.DT_RELA); ok {
		info.RelDyn, err = info.relTable(".rela.dyn", addr, d.val(elf.DT_RELASZ, 0), d.val(elf.DT_RELAENT, l.rela), true)
	}
	if err != nil {
		return err
	}

	if addr, ok := d.ptr(elf.DT_JMPREL); ok {
		rela := info.RelDyn.Rela
		switch elf.DynTag(d.val(elf.DT_PLTREL, 0)) {
		case elf.DT_RELA:
			rela = true
		case elf.DT_REL:
			rela = false
		}
		name, ent := ".rel.plt", d.val(elf.DT_RELENT, l.rel)
		if rela {
			name, ent = ".rela.plt", d.val(elf.DT_RELAENT, l.rela)
		}
		info.RelPlt, err = info.relTable(name, addr, d.val(elf.DT_PLTRELSZ, 0), ent, rela)
		if err != nil {
			return err
		}
	}

	if addr, ok := d.ptr(elf.DT_HASH); ok {
		off, err := info.pointerOffset(addr)
		if err != nil {
			return fmt.Errorf("DT_HASH: %w", err)
		}
		if info.Hash, err = info.readHash(off); err != nil {
			return err
		}
	}
	if addr, ok := d.ptr(elf.DT_GNU_HASH); ok {
		off, err := info.pointerOffset(addr)
		if err != nil {
			return fmt.Errorf("DT_GNU_HASH: %w", err)
		}
		if info.GNUHash, err = info.readGNUHash(off); err != nil {
			return err
		}
	}

	switch {
	case info.Hash.Present():
		info.SymTab.Count = uint64(info.Hash.NChain)
	case info.GNUHash.Present():
		n, err := info.gnuSymbolCount()
		if err != nil {
			return err
		}
		info.SymTab.Count = n
	}
	return nil
}

func (info *Info) relTable(name string, addr, size, entsize uint64, rela bool) (RelTable, error) {
	natural := info.layout.rel
	if rela {
		natural = info.layout.rela
	}
	if entsize < natural {
		return RelTable{}, fmt.Errorf("%w: %s entry size %d", ErrParse, name, entsize)
	}
	off, err := info.pointerOffset(addr)
	if err != nil {
		return RelTable{}, fmt.Errorf("%s: %w", name, err)
	}
	return RelTable{
		Table: Table{Off: off, Count: size / entsize, EntSize: entsize},
		Name:  name,
		Rela:  rela,
	}, nil
}

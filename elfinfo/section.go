package elfinfo

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/sliverarmory/elfhook/image"
)

// FromSections extracts metadata from the section header table. Section
// offsets are file offsets, so this view expects a file-backed image.
//
// Sections are matched by name prefix: the first section whose name starts
// with the key wins, even when it is longer than the key.
func FromSections(h *image.Handle) (*Info, error) {
	info, err := newInfo(h, SectionView)
	if err != nil {
		return nil, err
	}
	if info.Sections, err = readSections(info.span, info.Header); err != nil {
		return nil, err
	}
	l := info.layout

	dynstr, err := info.requireSection(".dynstr")
	if err != nil {
		return nil, err
	}
	info.StrTab = Table{Off: dynstr.Offset, Count: dynstr.Size, EntSize: 1}

	dynamic, err := info.requireSection(".dynamic")
	if err != nil {
		return nil, err
	}
	entries, err := readDynamic(info.span, info.Class, dynamic.Offset, dynamic.Size)
	if err != nil {
		return nil, err
	}
	info.Dynamic = entries
	info.DynamicTable = Table{Off: dynamic.Offset, Count: uint64(len(entries)), EntSize: l.dyn}

	dynsym, err := info.requireSection(".dynsym")
	if err != nil {
		return nil, err
	}
	info.SymTab = sectionTable(dynsym, l.sym)

	relDyn, err := info.requireSection(".rel.dyn", ".rela.dyn")
	if err != nil {
		return nil, err
	}
	if info.RelDyn, err = info.sectionRelTable(relDyn); err != nil {
		return nil, err
	}

	relPlt, err := info.requireSection(".rel.plt", ".rela.plt")
	if err != nil {
		return nil, err
	}
	if info.RelPlt, err = info.sectionRelTable(relPlt); err != nil {
		return nil, err
	}

	if sec, ok := info.FindSection(".hash"); ok {
		if info.Hash, err = info.readHash(sec.Offset); err != nil {
			return nil, err
		}
	}
	if sec, ok := info.FindSection(".gnu.hash"); ok {
		if info.GNUHash, err = info.readGNUHash(sec.Offset); err != nil {
			return nil, err
		}
	}

	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// FindSection returns the first section whose name starts with key.
func (info *Info) FindSection(key string) (Section, bool) {
	for _, sec := range info.Sections {
		if strings.HasPrefix(sec.Name, key) {
			return sec, true
		}
	}
	return Section{}, false
}

// requireSection tries each key in turn.
func (info *Info) requireSection(keys ...string) (Section, error) {
	for _, key := range keys {
		if sec, ok := info.FindSection(key); ok {
			return sec, nil
		}
	}
	return Section{}, fmt.Errorf("%w: no %s section", ErrParse, strings.Join(keys, " or "))
}

func sectionTable(sec Section, natural uint64) Table {
	ent := sec.Entsize
	if ent == 0 {
		ent = natural
	}
	return Table{Off: sec.Offset, Count: sec.Size / ent, EntSize: ent}
}

func (info *Info) sectionRelTable(sec Section) (RelTable, error) {
	rela := sec.Type == elf.SHT_RELA
	natural := info.layout.rel
	if rela {
		natural = info.layout.rela
	}
	t := sectionTable(sec, natural)
	if t.EntSize < natural {
		return RelTable{}, fmt.Errorf("%w: %s entry size %d", ErrParse, sec.Name, t.EntSize)
	}
	return RelTable{Table: t, Name: sec.Name, Rela: rela}, nil
}

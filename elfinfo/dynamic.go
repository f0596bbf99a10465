package elfinfo

import (
	"debug/elf"
	"fmt"

	"github.com/sliverarmory/elfhook/image"
)

// DynEntry is one decoded dynamic section entry: a DynPtr for tags whose
// value is an address in the image, a DynVal for everything else.
type DynEntry interface {
	DynTag() elf.DynTag
	Word() uint64
}

type DynPtr struct {
	Tag  elf.DynTag
	Addr uint64
}

func (d DynPtr) DynTag() elf.DynTag { return d.Tag }
func (d DynPtr) Word() uint64       { return d.Addr }

type DynVal struct {
	Tag elf.DynTag
	Val uint64
}

func (d DynVal) DynTag() elf.DynTag { return d.Tag }
func (d DynVal) Word() uint64       { return d.Val }

func isPointerTag(tag elf.DynTag) bool {
	switch tag {
	case elf.DT_PLTGOT, elf.DT_HASH, elf.DT_STRTAB, elf.DT_SYMTAB,
		elf.DT_RELA, elf.DT_INIT, elf.DT_FINI, elf.DT_REL, elf.DT_JMPREL,
		elf.DT_INIT_ARRAY, elf.DT_FINI_ARRAY, elf.DT_PREINIT_ARRAY,
		elf.DT_GNU_HASH, elf.DT_VERSYM, elf.DT_VERDEF, elf.DT_VERNEED:
		return true
	}
	return false
}

// readDynamic decodes the dynamic array at off up to DT_NULL or size bytes,
// whichever comes first.
func readDynamic(s image.Span, class elf.Class, off, size uint64) ([]DynEntry, error) {
	l := layoutFor(class)
	count := size / l.dyn
	entries := make([]DynEntry, 0, count)
	r := fieldReader{span: s}
	for i := uint64(0); i < count; i++ {
		at := off + i*l.dyn
		raw := r.word(at, l.word)
		val := r.word(at+uint64(l.word), l.word)
		if r.err != nil {
			return nil, fmt.Errorf("%w: dynamic entry %d: %v", ErrParse, i, r.err)
		}

		var tag elf.DynTag
		if class == elf.ELFCLASS64 {
			tag = elf.DynTag(int64(raw))
		} else {
			tag = elf.DynTag(int32(uint32(raw)))
		}
		if tag == elf.DT_NULL {
			break
		}
		if isPointerTag(tag) {
			entries = append(entries, DynPtr{Tag: tag, Addr: val})
		} else {
			entries = append(entries, DynVal{Tag: tag, Val: val})
		}
	}
	return entries, nil
}

// dynamicTags indexes the first occurrence of each tag.
type dynamicTags struct {
	ptrs map[elf.DynTag]uint64
	vals map[elf.DynTag]uint64
}

func indexDynamic(entries []DynEntry) dynamicTags {
	d := dynamicTags{
		ptrs: make(map[elf.DynTag]uint64),
		vals: make(map[elf.DynTag]uint64),
	}
	for _, e := range entries {
		switch e := e.(type) {
		case DynPtr:
			if _, ok := d.ptrs[e.Tag]; !ok {
				d.ptrs[e.Tag] = e.Addr
			}
		case DynVal:
			if _, ok := d.vals[e.Tag]; !ok {
				d.vals[e.Tag] = e.Val
			}
		}
	}
	return d
}

func (d dynamicTags) ptr(tag elf.DynTag) (uint64, bool) {
	v, ok := d.ptrs[tag]
	return v, ok
}

func (d dynamicTags) val(tag elf.DynTag, def uint64) uint64 {
	if v, ok := d.vals[tag]; ok && v != 0 {
		return v
	}
	return def
}

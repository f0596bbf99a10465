package elfinfo

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/elfhook/image"
)

// Header is the decoded ELF file header.
type Header struct {
	Class     elf.Class
	Data      elf.Data
	Order     binary.ByteOrder
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Section is a decoded section header.
type Section struct {
	Index     int
	NameOff   uint32
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Structure sizes per class.
type layout struct {
	ehdr   uint64
	phdr   uint64
	shdr   uint64
	sym    uint64
	rel    uint64
	rela   uint64
	dyn    uint64
	word   int
	infoSh uint
}

var (
	layout32 = layout{ehdr: 52, phdr: 32, shdr: 40, sym: 16, rel: 8, rela: 12, dyn: 8, word: 4, infoSh: 8}
	layout64 = layout{ehdr: 64, phdr: 56, shdr: 64, sym: 24, rel: 16, rela: 24, dyn: 16, word: 8, infoSh: 32}
)

func layoutFor(class elf.Class) layout {
	if class == elf.ELFCLASS64 {
		return layout64
	}
	return layout32
}

func readHeader(s image.Span) (Header, error) {
	ident, err := s.Bytes(0, elf.EI_NIDENT)
	if err != nil {
		return Header{}, fmt.Errorf("%w: ELF identification: %v", ErrParse, err)
	}
	if ident[0] != '\x7f' || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return Header{}, fmt.Errorf("%w: bad magic % x", ErrParse, ident[:4])
	}

	var h Header
	h.Class = elf.Class(ident[elf.EI_CLASS])
	h.Data = elf.Data(ident[elf.EI_DATA])
	switch h.Data {
	case elf.ELFDATA2LSB:
		h.Order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		h.Order = binary.BigEndian
	default:
		return Header{}, fmt.Errorf("%w: unknown data encoding %v", ErrParse, h.Data)
	}
	s = s.WithOrder(h.Order)

	var r fieldReader
	r.span = s
	switch h.Class {
	case elf.ELFCLASS32:
		h.Type = elf.Type(r.u16(16))
		h.Machine = elf.Machine(r.u16(18))
		h.Entry = uint64(r.u32(24))
		h.Phoff = uint64(r.u32(28))
		h.Shoff = uint64(r.u32(32))
		h.Phentsize = r.u16(42)
		h.Phnum = r.u16(44)
		h.Shentsize = r.u16(46)
		h.Shnum = r.u16(48)
		h.Shstrndx = r.u16(50)
	case elf.ELFCLASS64:
		h.Type = elf.Type(r.u16(16))
		h.Machine = elf.Machine(r.u16(18))
		h.Entry = r.u64(24)
		h.Phoff = r.u64(32)
		h.Shoff = r.u64(40)
		h.Phentsize = r.u16(54)
		h.Phnum = r.u16(56)
		h.Shentsize = r.u16(58)
		h.Shnum = r.u16(60)
		h.Shstrndx = r.u16(62)
	default:
		return Header{}, fmt.Errorf("%w: unknown class %v", ErrParse, h.Class)
	}
	if r.err != nil {
		return Header{}, fmt.Errorf("%w: ELF header: %v", ErrParse, r.err)
	}
	return h, nil
}

func readProgs(s image.Span, h Header) ([]elf.ProgHeader, error) {
	l := layoutFor(h.Class)
	entsize := uint64(h.Phentsize)
	if entsize == 0 {
		entsize = l.phdr
	}
	if entsize < l.phdr {
		return nil, fmt.Errorf("%w: program header entry size %d", ErrParse, entsize)
	}

	progs := make([]elf.ProgHeader, h.Phnum)
	r := fieldReader{span: s}
	for i := range progs {
		off := h.Phoff + uint64(i)*entsize
		p := &progs[i]
		p.Type = elf.ProgType(r.u32(off))
		if h.Class == elf.ELFCLASS64 {
			p.Flags = elf.ProgFlag(r.u32(off + 4))
			p.Off = r.u64(off + 8)
			p.Vaddr = r.u64(off + 16)
			p.Paddr = r.u64(off + 24)
			p.Filesz = r.u64(off + 32)
			p.Memsz = r.u64(off + 40)
			p.Align = r.u64(off + 48)
		} else {
			p.Off = uint64(r.u32(off + 4))
			p.Vaddr = uint64(r.u32(off + 8))
			p.Paddr = uint64(r.u32(off + 12))
			p.Filesz = uint64(r.u32(off + 16))
			p.Memsz = uint64(r.u32(off + 20))
			p.Flags = elf.ProgFlag(r.u32(off + 24))
			p.Align = uint64(r.u32(off + 28))
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: program headers: %v", ErrParse, r.err)
	}
	return progs, nil
}

// readSections decodes the section header table and resolves names through
// the section header string table.
func readSections(s image.Span, h Header) ([]Section, error) {
	if h.Shoff == 0 || h.Shnum == 0 {
		return nil, fmt.Errorf("%w: no section header table", ErrParse)
	}
	if h.Shstrndx >= h.Shnum {
		return nil, fmt.Errorf("%w: section name table index %d of %d", ErrParse, h.Shstrndx, h.Shnum)
	}

	l := layoutFor(h.Class)
	entsize := uint64(h.Shentsize)
	if entsize == 0 {
		entsize = l.shdr
	}
	if entsize < l.shdr {
		return nil, fmt.Errorf("%w: section header entry size %d", ErrParse, entsize)
	}

	sections := make([]Section, h.Shnum)
	r := fieldReader{span: s}
	for i := range sections {
		off := h.Shoff + uint64(i)*entsize
		sec := &sections[i]
		sec.Index = i
		sec.NameOff = r.u32(off)
		sec.Type = elf.SectionType(r.u32(off + 4))
		if h.Class == elf.ELFCLASS64 {
			sec.Flags = elf.SectionFlag(r.u64(off + 8))
			sec.Addr = r.u64(off + 16)
			sec.Offset = r.u64(off + 24)
			sec.Size = r.u64(off + 32)
			sec.Link = r.u32(off + 40)
			sec.Info = r.u32(off + 44)
			sec.Addralign = r.u64(off + 48)
			sec.Entsize = r.u64(off + 56)
		} else {
			sec.Flags = elf.SectionFlag(r.u32(off + 8))
			sec.Addr = uint64(r.u32(off + 12))
			sec.Offset = uint64(r.u32(off + 16))
			sec.Size = uint64(r.u32(off + 20))
			sec.Link = r.u32(off + 24)
			sec.Info = r.u32(off + 28)
			sec.Addralign = uint64(r.u32(off + 32))
			sec.Entsize = uint64(r.u32(off + 36))
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: section headers: %v", ErrParse, r.err)
	}

	shstr := sections[h.Shstrndx]
	if !s.Contains(shstr.Offset, shstr.Size) {
		return nil, fmt.Errorf("%w: section name table outside image", ErrParse)
	}
	for i := range sections {
		if uint64(sections[i].NameOff) >= shstr.Size {
			continue
		}
		name, err := s.CString(shstr.Offset + uint64(sections[i].NameOff))
		if err != nil {
			continue
		}
		sections[i].Name = name
	}
	return sections, nil
}

// fieldReader keeps the first error so a header can be decoded without an
// error check per field.
type fieldReader struct {
	span image.Span
	err  error
}

func (r *fieldReader) u8(off uint64) uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.span.Uint8(off)
	r.err = err
	return v
}

func (r *fieldReader) u16(off uint64) uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.span.Uint16(off)
	r.err = err
	return v
}

func (r *fieldReader) u32(off uint64) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.span.Uint32(off)
	r.err = err
	return v
}

func (r *fieldReader) u64(off uint64) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.span.Uint64(off)
	r.err = err
	return v
}

func (r *fieldReader) word(off uint64, size int) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.span.Word(off, size)
	r.err = err
	return v
}

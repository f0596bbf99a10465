// Package elftest builds small, deterministic shared-object images for tests.
//
// An image has two PT_LOAD segments. The first is mapped at virtual address
// zero and holds the headers, symbols, strings, hash tables and relocations.
// The second holds .dynamic and the relocated slots and is mapped one page
// above its file offset, so file offsets and virtual addresses differ there
// the way they do in linker output.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"sort"
)

// DataDelta is the distance between the data segment's virtual address and
// its file offset.
const DataDelta = 0x1000

// Reloc describes one relocation and the initial content of its slot.
type Reloc struct {
	Symbol string
	Type   uint32
	Addend int64
	Value  uint64
}

// Builder describes the image to produce. New fills in defaults.
type Builder struct {
	Class   elf.Class
	Order   binary.ByteOrder
	Machine elf.Machine
	Rela    bool

	// Imports are undefined dynamic symbols. They come first and, like
	// linker output, are left out of the GNU hash table.
	Imports []string
	// Symbols are the defined dynamic symbols after the imports. With
	// GNUHash set they are reordered by GNU hash bucket.
	Symbols []string
	PLT     []Reloc
	Dyn     []Reloc

	NBucket          uint32
	NoHash           bool
	GNUHash          bool
	NoSectionHeaders bool

	// Decoys are sections listed ahead of the real ones, each covering the
	// first 16 bytes of the file.
	Decoys []string
}

func New(class elf.Class, machine elf.Machine) *Builder {
	return &Builder{
		Class:   class,
		Order:   binary.LittleEndian,
		Machine: machine,
		Rela:    class == elf.ELFCLASS64,
		NBucket: 3,
	}
}

// Image is a built file plus the addresses tests assert against.
type Image struct {
	File  []byte
	Class elf.Class
	Order binary.ByteOrder

	SymIndex map[string]uint32

	// Slot virtual addresses, in relocation table order.
	PLTSlots []uint64
	DynSlots []uint64

	DynamicVaddr uint64
	DynamicCount int

	TextSize  uint64
	DataOff   uint64
	DataVaddr uint64
	DataSize  uint64

	pointerEntries []int
}

type sizes struct {
	ehdr, phdr, shdr, sym, rel, rela, dyn uint64
	word                                  int
}

func sizesFor(class elf.Class) sizes {
	if class == elf.ELFCLASS64 {
		return sizes{ehdr: 64, phdr: 56, shdr: 64, sym: 24, rel: 16, rela: 24, dyn: 16, word: 8}
	}
	return sizes{ehdr: 52, phdr: 32, shdr: 40, sym: 16, rel: 8, rela: 12, dyn: 8, word: 4}
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
	ptr bool
}

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	off     uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Build lays the image out and encodes it.
func (b *Builder) Build() *Image {
	sz := sizesFor(b.Class)
	word := uint64(sz.word)
	nb := b.NBucket
	if nb == 0 {
		nb = 1
	}

	exports := append([]string(nil), b.Symbols...)
	if b.GNUHash {
		sort.SliceStable(exports, func(i, j int) bool {
			return gnuHash(exports[i])%nb < gnuHash(exports[j])%nb
		})
	}
	names := append(append([]string(nil), b.Imports...), exports...)
	nsym := uint64(len(names) + 1)
	symOffset := uint32(len(b.Imports) + 1)

	img := &Image{
		Class:    b.Class,
		Order:    b.Order,
		SymIndex: make(map[string]uint32, len(names)),
	}
	strtab := []byte{0}
	nameOff := make(map[string]uint32, len(names))
	for i, n := range names {
		img.SymIndex[n] = uint32(i + 1)
		nameOff[n] = uint32(len(strtab))
		strtab = append(strtab, n...)
		strtab = append(strtab, 0)
	}

	relEnt := sz.rel
	relDynName, relPltName := ".rel.dyn", ".rel.plt"
	relType := elf.SHT_REL
	if b.Rela {
		relEnt = sz.rela
		relDynName, relPltName = ".rela.dyn", ".rela.plt"
		relType = elf.SHT_RELA
	}

	// text segment
	const nphdr = 3
	off := sz.ehdr + nphdr*sz.phdr
	symOff := alignUp(off, 8)
	off = symOff + nsym*sz.sym
	strOff := off
	off += uint64(len(strtab))

	var hashOff, hashSize uint64
	if !b.NoHash {
		hashOff = alignUp(off, 8)
		hashSize = 4 * (2 + uint64(nb) + nsym)
		off = hashOff + hashSize
	}

	const bloomSize = 1
	var gnuOff, gnuSize uint64
	if b.GNUHash {
		gnuOff = alignUp(off, 8)
		gnuSize = 16 + bloomSize*word + 4*uint64(nb) + 4*(nsym-uint64(symOffset))
		off = gnuOff + gnuSize
	}

	relDynOff := alignUp(off, 8)
	relDynSize := uint64(len(b.Dyn)) * relEnt
	relPltOff := relDynOff + relDynSize
	relPltSize := uint64(len(b.PLT)) * relEnt
	textEnd := relPltOff + relPltSize

	// data segment
	dataOff := alignUp(textEnd, 16)
	dataVaddr := dataOff + DataDelta

	var dyn []dynEntry
	if !b.NoHash {
		dyn = append(dyn, dynEntry{tag: elf.DT_HASH, val: hashOff, ptr: true})
	}
	if b.GNUHash {
		dyn = append(dyn, dynEntry{tag: elf.DT_GNU_HASH, val: gnuOff, ptr: true})
	}
	dyn = append(dyn,
		dynEntry{tag: elf.DT_STRTAB, val: strOff, ptr: true},
		dynEntry{tag: elf.DT_SYMTAB, val: symOff, ptr: true},
		dynEntry{tag: elf.DT_STRSZ, val: uint64(len(strtab))},
		dynEntry{tag: elf.DT_SYMENT, val: sz.sym},
	)
	if len(b.Dyn) > 0 {
		if b.Rela {
			dyn = append(dyn,
				dynEntry{tag: elf.DT_RELA, val: relDynOff, ptr: true},
				dynEntry{tag: elf.DT_RELASZ, val: relDynSize},
				dynEntry{tag: elf.DT_RELAENT, val: relEnt},
			)
		} else {
			dyn = append(dyn,
				dynEntry{tag: elf.DT_REL, val: relDynOff, ptr: true},
				dynEntry{tag: elf.DT_RELSZ, val: relDynSize},
				dynEntry{tag: elf.DT_RELENT, val: relEnt},
			)
		}
	}
	if len(b.PLT) > 0 {
		pltrel := elf.DT_REL
		if b.Rela {
			pltrel = elf.DT_RELA
		}
		dyn = append(dyn,
			dynEntry{tag: elf.DT_JMPREL, val: relPltOff, ptr: true},
			dynEntry{tag: elf.DT_PLTRELSZ, val: relPltSize},
			dynEntry{tag: elf.DT_PLTREL, val: uint64(pltrel)},
		)
	}
	dynOff := dataOff
	dynSize := uint64(len(dyn)+1) * sz.dyn
	gotOff := alignUp(dynOff+dynSize, 8)
	gotSize := uint64(len(b.PLT)+len(b.Dyn)) * word
	dataEnd := gotOff + gotSize

	// section headers
	var sections []section
	sections = append(sections, section{})
	for _, d := range b.Decoys {
		sections = append(sections, section{name: d, typ: elf.SHT_PROGBITS, off: 0, size: 16, align: 1})
	}
	dynsymIdx := uint32(len(sections))
	dynstrIdx := dynsymIdx + 1
	sections = append(sections,
		section{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, addr: symOff, off: symOff,
			size: nsym * sz.sym, link: dynstrIdx, info: 1, align: 8, entsize: sz.sym},
		section{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, addr: strOff, off: strOff,
			size: uint64(len(strtab)), align: 1},
	)
	if !b.NoHash {
		sections = append(sections, section{name: ".hash", typ: elf.SHT_HASH, flags: elf.SHF_ALLOC,
			addr: hashOff, off: hashOff, size: hashSize, link: dynsymIdx, align: 8, entsize: 4})
	}
	if b.GNUHash {
		sections = append(sections, section{name: ".gnu.hash", typ: elf.SHT_GNU_HASH, flags: elf.SHF_ALLOC,
			addr: gnuOff, off: gnuOff, size: gnuSize, link: dynsymIdx, align: 8})
	}
	sections = append(sections,
		section{name: relDynName, typ: relType, flags: elf.SHF_ALLOC, addr: relDynOff, off: relDynOff,
			size: relDynSize, link: dynsymIdx, align: 8, entsize: relEnt},
		section{name: relPltName, typ: relType, flags: elf.SHF_ALLOC | elf.SHF_INFO_LINK, addr: relPltOff,
			off: relPltOff, size: relPltSize, link: dynsymIdx, align: 8, entsize: relEnt},
		section{name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			addr: dataVaddr, off: dynOff, size: dynSize, link: dynstrIdx, align: 8, entsize: sz.dyn},
		section{name: ".got", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			addr: gotOff + DataDelta, off: gotOff, size: gotSize, align: 8, entsize: word},
	)
	shstrIdx := len(sections)
	sections = append(sections, section{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})

	shstr := []byte{0}
	shName := make([]uint32, len(sections))
	for i := 1; i < len(sections); i++ {
		shName[i] = uint32(len(shstr))
		shstr = append(shstr, sections[i].name...)
		shstr = append(shstr, 0)
	}
	shstrOff := dataEnd
	sections[shstrIdx].off = shstrOff
	sections[shstrIdx].size = uint64(len(shstr))

	shOff := alignUp(shstrOff+uint64(len(shstr)), 8)
	fileSize := shOff + uint64(len(sections))*sz.shdr
	if b.NoSectionHeaders {
		fileSize = shstrOff
	}

	w := writer{b: make([]byte, fileSize), order: b.Order, size: sz.word}

	// ELF header
	copy(w.b, elf.ELFMAG)
	w.b[elf.EI_CLASS] = byte(b.Class)
	if b.Order == binary.BigEndian {
		w.b[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	} else {
		w.b[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	}
	w.b[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	w.u16(16, uint16(elf.ET_DYN))
	w.u16(18, uint16(b.Machine))
	w.u32(20, uint32(elf.EV_CURRENT))
	shnum, shstrndx, shoff := uint16(len(sections)), uint16(shstrIdx), shOff
	if b.NoSectionHeaders {
		shnum, shstrndx, shoff = 0, 0, 0
	}
	if b.Class == elf.ELFCLASS64 {
		w.u64(32, sz.ehdr)
		w.u64(40, shoff)
		w.u16(52, uint16(sz.ehdr))
		w.u16(54, uint16(sz.phdr))
		w.u16(56, nphdr)
		w.u16(58, uint16(sz.shdr))
		w.u16(60, shnum)
		w.u16(62, shstrndx)
	} else {
		w.u32(28, uint32(sz.ehdr))
		w.u32(32, uint32(shoff))
		w.u16(40, uint16(sz.ehdr))
		w.u16(42, uint16(sz.phdr))
		w.u16(44, nphdr)
		w.u16(46, uint16(sz.shdr))
		w.u16(48, shnum)
		w.u16(50, shstrndx)
	}

	// program headers
	progs := []elf.ProgHeader{
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Off: 0, Vaddr: 0, Filesz: textEnd, Memsz: textEnd, Align: 0x1000},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Off: dataOff, Vaddr: dataVaddr, Filesz: dataEnd - dataOff, Memsz: dataEnd - dataOff, Align: 0x1000},
		{Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_W, Off: dynOff, Vaddr: dataVaddr, Filesz: dynSize, Memsz: dynSize, Align: 8},
	}
	for i, p := range progs {
		w.prog(sz.ehdr+uint64(i)*sz.phdr, b.Class, p)
	}

	// symbols
	for i, n := range names {
		at := symOff + uint64(i+1)*sz.sym
		info := uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC)
		if b.Class == elf.ELFCLASS64 {
			w.u32(at, nameOff[n])
			w.b[at+4] = info
		} else {
			w.u32(at, nameOff[n])
			w.b[at+12] = info
		}
	}
	copy(w.b[strOff:], strtab)

	if !b.NoHash {
		w.sysvHash(hashOff, nb, names)
	}
	if b.GNUHash {
		w.gnuHashTable(gnuOff, nb, bloomSize, symOffset, exports)
	}

	// relocations and their slots
	gotVaddr := gotOff + DataDelta
	slot := uint64(0)
	for i, r := range b.PLT {
		vaddr := gotVaddr + slot*word
		w.rel(relPltOff+uint64(i)*relEnt, b.Class, b.Rela, vaddr, img.SymIndex[r.Symbol], r)
		w.word(gotOff+slot*word, r.Value)
		img.PLTSlots = append(img.PLTSlots, vaddr)
		slot++
	}
	for i, r := range b.Dyn {
		vaddr := gotVaddr + slot*word
		w.rel(relDynOff+uint64(i)*relEnt, b.Class, b.Rela, vaddr, img.SymIndex[r.Symbol], r)
		w.word(gotOff+slot*word, r.Value)
		img.DynSlots = append(img.DynSlots, vaddr)
		slot++
	}

	// dynamic
	for i, d := range dyn {
		at := dynOff + uint64(i)*sz.dyn
		w.word(at, uint64(d.tag))
		w.word(at+word, d.val)
		if d.ptr {
			img.pointerEntries = append(img.pointerEntries, i)
		}
	}

	if !b.NoSectionHeaders {
		copy(w.b[shstrOff:], shstr)
		for i, s := range sections {
			w.section(shOff+uint64(i)*sz.shdr, b.Class, shName[i], s)
		}
	}

	img.File = w.b
	img.DynamicVaddr = dataVaddr
	img.DynamicCount = len(dyn)
	img.TextSize = textEnd
	img.DataOff = dataOff
	img.DataVaddr = dataVaddr
	img.DataSize = dataEnd - dataOff
	return img
}

// Load lays the segments out at their virtual addresses, as the loader
// would with a load bias of zero.
func (img *Image) Load() []byte {
	mem := make([]byte, img.DataVaddr+img.DataSize)
	copy(mem, img.File[:img.TextSize])
	copy(mem[img.DataVaddr:], img.File[img.DataOff:img.DataOff+img.DataSize])
	return mem
}

// AbsolutizeDynamic adds base to every address-valued dynamic entry of a
// loaded image, the way glibc rewrites them after mapping.
func (img *Image) AbsolutizeDynamic(mem []byte, base uint64) {
	sz := sizesFor(img.Class)
	w := writer{b: mem, order: img.Order, size: sz.word}
	for _, i := range img.pointerEntries {
		at := img.DynamicVaddr + uint64(i)*sz.dyn + uint64(sz.word)
		w.word(at, w.readWord(at)+base)
	}
}

// FileOffset translates a virtual address of the image to its file offset.
func (img *Image) FileOffset(vaddr uint64) uint64 {
	if vaddr >= img.DataVaddr {
		return vaddr - DataDelta
	}
	return vaddr
}

// ReadSlot reads the word at a slot virtual address of a loaded image.
func (img *Image) ReadSlot(mem []byte, vaddr uint64) uint64 {
	return writer{b: mem, order: img.Order, size: sizesFor(img.Class).word}.readWord(vaddr)
}

// JumpSlot returns the PLT jump slot relocation type of m.
func JumpSlot(m elf.Machine) uint32 {
	switch m {
	case elf.EM_ARM:
		return uint32(elf.R_ARM_JUMP_SLOT)
	case elf.EM_386:
		return uint32(elf.R_386_JMP_SLOT)
	case elf.EM_X86_64:
		return uint32(elf.R_X86_64_JMP_SLOT)
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_JUMP_SLOT)
	case elf.EM_RISCV:
		return uint32(elf.R_RISCV_JUMP_SLOT)
	}
	return 0
}

// GlobDat returns the global data relocation type of m.
func GlobDat(m elf.Machine) uint32 {
	switch m {
	case elf.EM_ARM:
		return uint32(elf.R_ARM_GLOB_DAT)
	case elf.EM_386:
		return uint32(elf.R_386_GLOB_DAT)
	case elf.EM_X86_64:
		return uint32(elf.R_X86_64_GLOB_DAT)
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_GLOB_DAT)
	case elf.EM_RISCV:
		return uint32(elf.R_RISCV_64)
	}
	return 0
}

// Abs returns the word-sized absolute relocation type of m.
func Abs(m elf.Machine) uint32 {
	switch m {
	case elf.EM_ARM:
		return uint32(elf.R_ARM_ABS32)
	case elf.EM_386:
		return uint32(elf.R_386_32)
	case elf.EM_X86_64:
		return uint32(elf.R_X86_64_64)
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_ABS64)
	case elf.EM_RISCV:
		return uint32(elf.R_RISCV_64)
	}
	return 0
}

// Relative returns the relative relocation type of m, which never names a
// symbol.
func Relative(m elf.Machine) uint32 {
	switch m {
	case elf.EM_ARM:
		return uint32(elf.R_ARM_RELATIVE)
	case elf.EM_386:
		return uint32(elf.R_386_RELATIVE)
	case elf.EM_X86_64:
		return uint32(elf.R_X86_64_RELATIVE)
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_RELATIVE)
	case elf.EM_RISCV:
		return uint32(elf.R_RISCV_RELATIVE)
	}
	return 0
}

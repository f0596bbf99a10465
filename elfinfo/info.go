// Package elfinfo extracts the dynamic-linking metadata of an ELF image: the
// dynamic symbol and string tables, the symbol hash tables and the two
// relocation tables the loader resolves through.
//
// Two strategies build the same Info. FromSegments follows PT_DYNAMIC the
// way the runtime loader does and works on both file-backed and live images.
// FromSections reads the section header table and only suits file-backed
// images, since section headers are rarely mapped at run time.
package elfinfo

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"github.com/sliverarmory/elfhook/image"
)

var (
	ErrParse          = errors.New("malformed ELF metadata")
	ErrSymbolNotFound = errors.New("symbol not found")
)

// View selects the extraction strategy.
type View int

const (
	SegmentView View = iota
	SectionView
)

func (v View) String() string {
	switch v {
	case SegmentView:
		return "segment"
	case SectionView:
		return "section"
	default:
		return fmt.Sprintf("View(%d)", int(v))
	}
}

// ParseView accepts "segment" or "section".
func ParseView(s string) (View, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "segment", "segments":
		return SegmentView, nil
	case "section", "sections":
		return SectionView, nil
	default:
		return 0, fmt.Errorf("unknown view %q (want segment or section)", s)
	}
}

// Extract builds Info with the requested strategy.
func Extract(h *image.Handle, view View) (*Info, error) {
	switch view {
	case SegmentView:
		return FromSegments(h)
	case SectionView:
		return FromSections(h)
	default:
		return nil, fmt.Errorf("unknown view %v", view)
	}
}

// Table locates an array of fixed-size entries. Off is a span offset.
type Table struct {
	Off     uint64
	Count   uint64
	EntSize uint64
}

func (t Table) Present() bool { return t.Count > 0 }

func (t Table) Size() uint64 { return t.Count * t.EntSize }

// RelTable is a Rel or Rela relocation table.
type RelTable struct {
	Table
	Name string
	Rela bool
}

// HashTable is a SysV DT_HASH table. Buckets and Chains are span offsets of
// the two uint32 arrays.
type HashTable struct {
	Off     uint64
	NBucket uint32
	NChain  uint32
	Buckets uint64
	Chains  uint64
}

func (t HashTable) Present() bool { return t.NBucket > 0 }

// GNUHashTable is a DT_GNU_HASH table.
type GNUHashTable struct {
	Off        uint64
	NBucket    uint32
	SymOffset  uint32
	BloomSize  uint32
	BloomShift uint32
	Bloom      uint64
	Buckets    uint64
	Chains     uint64
}

func (t GNUHashTable) Present() bool { return t.NBucket > 0 }

// Info is a read-only view of one image's dynamic-linking metadata. It
// borrows the handle's bytes and must not outlive it.
type Info struct {
	Header

	View     View
	Progs    []elf.ProgHeader
	Sections []Section

	Dynamic      []DynEntry
	DynamicTable Table

	SymTab  Table
	StrTab  Table
	RelPlt  RelTable
	RelDyn  RelTable
	Hash    HashTable
	GNUHash GNUHashTable

	handle    *image.Handle
	span      image.Span
	layout    layout
	live      bool
	loadVaddr uint64
}

func newInfo(h *image.Handle, view View) (*Info, error) {
	if h == nil {
		return nil, errors.New("nil image handle")
	}
	span, err := h.Span()
	if err != nil {
		return nil, err
	}
	hdr, err := readHeader(span)
	if err != nil {
		return nil, err
	}
	span = span.WithOrder(hdr.Order)

	progs, err := readProgs(span, hdr)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Header: hdr,
		View:   view,
		Progs:  progs,
		handle: h,
		span:   span,
		layout: layoutFor(hdr.Class),
		live:   h.Live(),
	}
	info.loadVaddr = loadVaddr(progs)
	return info, nil
}

// loadVaddr is the virtual address the first byte of the file is mapped at.
func loadVaddr(progs []elf.ProgHeader) uint64 {
	found := false
	var lowest uint64
	for _, p := range progs {
		if p.Type != elf.PT_LOAD || p.Vaddr < p.Off {
			continue
		}
		v := p.Vaddr - p.Off
		if !found || v < lowest {
			lowest = v
			found = true
		}
	}
	return lowest
}

func (info *Info) Handle() *image.Handle { return info.handle }

// Span returns the view the offsets in Info refer to.
func (info *Info) Span() image.Span { return info.span }

// WordSize is the size of an address in this image's class.
func (info *Info) WordSize() int { return info.layout.word }

func (info *Info) HasSections() bool { return len(info.Sections) > 0 }

// offset translates a virtual address recorded in the image to a span
// offset. File-backed images go through the PT_LOAD file mapping.
func (info *Info) offset(vaddr uint64) (uint64, error) {
	if info.live {
		if vaddr < info.loadVaddr {
			return 0, fmt.Errorf("%w: address %#x below load address %#x", ErrParse, vaddr, info.loadVaddr)
		}
		return vaddr - info.loadVaddr, nil
	}
	for _, p := range info.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr-p.Vaddr < p.Filesz {
			return p.Off + (vaddr - p.Vaddr), nil
		}
	}
	return 0, fmt.Errorf("%w: address %#x is not backed by the file", ErrParse, vaddr)
}

// pointerOffset is offset for a dynamic section pointer. glibc rewrites those
// in place to absolute addresses once the image is loaded.
func (info *Info) pointerOffset(ptr uint64) (uint64, error) {
	if info.live {
		bias := uint64(info.span.Base()) - info.loadVaddr
		if bias != 0 && ptr >= bias {
			ptr -= bias
		}
	}
	return info.offset(ptr)
}

// SlotAddr returns the process address of the word a relocation at vaddr
// writes to.
func (info *Info) SlotAddr(vaddr uint64) (uintptr, error) {
	return info.addr(vaddr, uint64(info.layout.word))
}

// Addr returns the process address of vaddr, such as a defined symbol's
// value in a live image.
func (info *Info) Addr(vaddr uint64) (uintptr, error) {
	return info.addr(vaddr, 1)
}

func (info *Info) addr(vaddr, width uint64) (uintptr, error) {
	off, err := info.offset(vaddr)
	if err != nil {
		return 0, err
	}
	if !info.span.Contains(off, width) {
		return 0, fmt.Errorf("%w: address %#x outside image", ErrParse, vaddr)
	}
	return info.span.Addr(off), nil
}

// String reads the dynamic string table entry at off.
func (info *Info) String(off uint32) (string, error) {
	if info.StrTab.Count > 0 && uint64(off) >= info.StrTab.Count {
		return "", fmt.Errorf("%w: string offset %#x past table size %#x", ErrParse, off, info.StrTab.Count)
	}
	s, err := info.span.CString(info.StrTab.Off + uint64(off))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return s, nil
}

func (info *Info) stringEqual(off uint32, want string) bool {
	if info.StrTab.Count > 0 && uint64(off)+uint64(len(want)) >= info.StrTab.Count {
		return false
	}
	return info.span.Equal(info.StrTab.Off+uint64(off), want)
}

// Validate checks that every present table lies inside the image.
func (info *Info) Validate() error {
	if err := info.checkTable(".dynsym", info.SymTab); err != nil {
		return err
	}
	if err := info.checkTable(".dynstr", info.StrTab); err != nil {
		return err
	}
	if err := info.checkTable(info.RelPlt.Name, info.RelPlt.Table); err != nil {
		return err
	}
	if err := info.checkTable(info.RelDyn.Name, info.RelDyn.Table); err != nil {
		return err
	}
	if info.Hash.Present() {
		words := 2 + uint64(info.Hash.NBucket) + uint64(info.Hash.NChain)
		if err := info.checkTable(".hash", Table{Off: info.Hash.Off, Count: words, EntSize: 4}); err != nil {
			return err
		}
	}
	if info.GNUHash.Present() {
		g := info.GNUHash
		size := info.GNUHash.Buckets - g.Off + 4*uint64(g.NBucket)
		if err := info.checkTable(".gnu.hash", Table{Off: g.Off, Count: size, EntSize: 1}); err != nil {
			return err
		}
	}
	return nil
}

func (info *Info) checkTable(name string, t Table) error {
	if !t.Present() {
		return nil
	}
	if t.EntSize != 0 && t.Count > info.span.Len()/t.EntSize {
		return fmt.Errorf("%w: %s has %d entries, more than the image holds", ErrParse, name, t.Count)
	}
	if !info.span.Contains(t.Off, t.Size()) {
		return fmt.Errorf("%w: %s [%#x, +%#x) outside image of %#x bytes", ErrParse, name, t.Off, t.Size(), info.span.Len())
	}
	return nil
}

// Symbol is one entry of the dynamic symbol table.
type Symbol struct {
	Index   uint32
	Name    string
	NameOff uint32
	Value   uint64
	Size    uint64
	Info    uint8
	Other   uint8
	Shndx   uint16
}

func (s Symbol) Bind() elf.SymBind { return elf.ST_BIND(s.Info) }

func (s Symbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }

// Symbol decodes dynamic symbol i.
func (info *Info) Symbol(i uint32) (Symbol, error) {
	if !info.SymTab.Present() {
		return Symbol{}, fmt.Errorf("%w: no dynamic symbol table", ErrParse)
	}
	if uint64(i) >= info.SymTab.Count {
		return Symbol{}, fmt.Errorf("%w: symbol index %d of %d", ErrParse, i, info.SymTab.Count)
	}

	off := info.SymTab.Off + uint64(i)*info.SymTab.EntSize
	r := fieldReader{span: info.span}
	sym := Symbol{Index: i, NameOff: r.u32(off)}
	if info.Class == elf.ELFCLASS64 {
		sym.Info = r.u8(off + 4)
		sym.Other = r.u8(off + 5)
		sym.Shndx = r.u16(off + 6)
		sym.Value = r.u64(off + 8)
		sym.Size = r.u64(off + 16)
	} else {
		sym.Value = uint64(r.u32(off + 4))
		sym.Size = uint64(r.u32(off + 8))
		sym.Info = r.u8(off + 12)
		sym.Other = r.u8(off + 13)
		sym.Shndx = r.u16(off + 14)
	}
	if r.err != nil {
		return Symbol{}, fmt.Errorf("%w: symbol %d: %v", ErrParse, i, r.err)
	}

	name, err := info.String(sym.NameOff)
	if err != nil {
		return Symbol{}, fmt.Errorf("symbol %d name: %w", i, err)
	}
	sym.Name = name
	return sym, nil
}

// Symbols decodes the whole dynamic symbol table.
func (info *Info) Symbols() ([]Symbol, error) {
	syms := make([]Symbol, 0, info.SymTab.Count)
	for i := uint64(0); i < info.SymTab.Count; i++ {
		sym, err := info.Symbol(uint32(i))
		if err != nil {
			return syms, err
		}
		syms = append(syms, sym)
	}
	return syms, nil
}

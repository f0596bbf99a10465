package elftest

import (
	"debug/elf"
	"encoding/binary"
)

type writer struct {
	b     []byte
	order binary.ByteOrder
	size  int
}

func (w writer) u16(off uint64, v uint16) { w.order.PutUint16(w.b[off:], v) }
func (w writer) u32(off uint64, v uint32) { w.order.PutUint32(w.b[off:], v) }
func (w writer) u64(off uint64, v uint64) { w.order.PutUint64(w.b[off:], v) }

func (w writer) word(off, v uint64) {
	if w.size == 8 {
		w.u64(off, v)
		return
	}
	w.u32(off, uint32(v))
}

func (w writer) readWord(off uint64) uint64 {
	if w.size == 8 {
		return w.order.Uint64(w.b[off:])
	}
	return uint64(w.order.Uint32(w.b[off:]))
}

func (w writer) prog(off uint64, class elf.Class, p elf.ProgHeader) {
	w.u32(off, uint32(p.Type))
	if class == elf.ELFCLASS64 {
		w.u32(off+4, uint32(p.Flags))
		w.u64(off+8, p.Off)
		w.u64(off+16, p.Vaddr)
		w.u64(off+24, p.Paddr)
		w.u64(off+32, p.Filesz)
		w.u64(off+40, p.Memsz)
		w.u64(off+48, p.Align)
		return
	}
	w.u32(off+4, uint32(p.Off))
	w.u32(off+8, uint32(p.Vaddr))
	w.u32(off+12, uint32(p.Paddr))
	w.u32(off+16, uint32(p.Filesz))
	w.u32(off+20, uint32(p.Memsz))
	w.u32(off+24, uint32(p.Flags))
	w.u32(off+28, uint32(p.Align))
}

func (w writer) section(off uint64, class elf.Class, name uint32, s section) {
	w.u32(off, name)
	w.u32(off+4, uint32(s.typ))
	if class == elf.ELFCLASS64 {
		w.u64(off+8, uint64(s.flags))
		w.u64(off+16, s.addr)
		w.u64(off+24, s.off)
		w.u64(off+32, s.size)
		w.u32(off+40, s.link)
		w.u32(off+44, s.info)
		w.u64(off+48, s.align)
		w.u64(off+56, s.entsize)
		return
	}
	w.u32(off+8, uint32(s.flags))
	w.u32(off+12, uint32(s.addr))
	w.u32(off+16, uint32(s.off))
	w.u32(off+20, uint32(s.size))
	w.u32(off+24, s.link)
	w.u32(off+28, s.info)
	w.u32(off+32, uint32(s.align))
	w.u32(off+36, uint32(s.entsize))
}

func (w writer) rel(off uint64, class elf.Class, rela bool, vaddr uint64, sym uint32, r Reloc) {
	word := uint64(w.size)
	w.word(off, vaddr)
	if class == elf.ELFCLASS64 {
		w.word(off+word, uint64(sym)<<32|uint64(r.Type))
	} else {
		w.word(off+word, uint64(sym)<<8|uint64(r.Type&0xff))
	}
	if rela {
		w.word(off+2*word, uint64(r.Addend))
	}
}

// sysvHash writes a DT_HASH table. Each symbol is pushed onto the head of
// its bucket's chain.
func (w writer) sysvHash(off uint64, nbucket uint32, names []string) {
	nchain := uint32(len(names) + 1)
	w.u32(off, nbucket)
	w.u32(off+4, nchain)
	buckets := off + 8
	chains := buckets + 4*uint64(nbucket)
	for i, n := range names {
		idx := uint32(i + 1)
		b := buckets + 4*uint64(sysvHash(n)%nbucket)
		w.u32(chains+4*uint64(idx), w.order.Uint32(w.b[b:]))
		w.u32(b, idx)
	}
}

// gnuHashTable writes a DT_GNU_HASH table for names, which must already be
// ordered by bucket and start at dynamic symbol index symOffset.
func (w writer) gnuHashTable(off uint64, nbucket, bloomSize, symOffset uint32, names []string) {
	bits := uint32(8 * w.size)
	shift := uint32(6)
	if w.size == 4 {
		shift = 5
	}
	w.u32(off, nbucket)
	w.u32(off+4, symOffset)
	w.u32(off+8, bloomSize)
	w.u32(off+12, shift)

	bloom := off + 16
	buckets := bloom + uint64(bloomSize)*uint64(w.size)
	chains := buckets + 4*uint64(nbucket)
	for i, n := range names {
		h := gnuHash(n)
		at := bloom + uint64(w.size)*uint64((h/bits)%bloomSize)
		mask := uint64(1)<<(h%bits) | uint64(1)<<((h>>shift)%bits)
		w.word(at, w.readWord(at)|mask)

		idx := symOffset + uint32(i)
		b := buckets + 4*uint64(h%nbucket)
		if w.order.Uint32(w.b[b:]) == 0 {
			w.u32(b, idx)
		}
		v := h &^ 1
		if i == len(names)-1 || gnuHash(names[i+1])%nbucket != h%nbucket {
			v |= 1
		}
		w.u32(chains+4*uint64(idx-symOffset), v)
	}
}

func sysvHash(name string) uint32 {
	var h uint32
	for _, c := range []byte(name) {
		h = (h << 4) + uint32(c)
		g := h & 0xf0000000
		h ^= g
		h ^= g >> 24
	}
	return h
}

func gnuHash(name string) uint32 {
	h := uint32(5381)
	for _, c := range []byte(name) {
		h = h*33 + uint32(c)
	}
	return h
}

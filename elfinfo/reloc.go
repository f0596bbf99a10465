package elfinfo

import (
	"debug/elf"
	"fmt"
	"strconv"
)

// Reloc is one Rel or Rela entry. Offset is the virtual address of the slot
// the loader writes.
type Reloc struct {
	Offset uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

// Reloc decodes entry i of t.
func (info *Info) Reloc(t RelTable, i uint64) (Reloc, error) {
	if i >= t.Count {
		return Reloc{}, fmt.Errorf("%w: %s entry %d of %d", ErrParse, t.Name, i, t.Count)
	}
	word := info.layout.word
	off := t.Off + i*t.EntSize

	r := fieldReader{span: info.span}
	rel := Reloc{Offset: r.word(off, word)}
	rinfo := r.word(off+uint64(word), word)
	if t.Rela {
		addend := r.word(off+2*uint64(word), word)
		if word == 4 {
			rel.Addend = int64(int32(uint32(addend)))
		} else {
			rel.Addend = int64(addend)
		}
	}
	if r.err != nil {
		return Reloc{}, fmt.Errorf("%w: %s entry %d: %v", ErrParse, t.Name, i, r.err)
	}

	if info.Class == elf.ELFCLASS64 {
		rel.Sym = uint32(rinfo >> 32)
		rel.Type = uint32(rinfo)
	} else {
		rel.Sym = uint32(rinfo >> 8)
		rel.Type = uint32(rinfo & 0xff)
	}
	return rel, nil
}

// Relocs decodes every entry of t.
func (info *Info) Relocs(t RelTable) ([]Reloc, error) {
	out := make([]Reloc, 0, t.Count)
	for i := uint64(0); i < t.Count; i++ {
		rel, err := info.Reloc(t, i)
		if err != nil {
			return out, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// SupportedMachine reports whether slots of m can be classified.
func SupportedMachine(m elf.Machine) bool {
	switch m {
	case elf.EM_ARM, elf.EM_386, elf.EM_X86_64, elf.EM_AARCH64, elf.EM_RISCV:
		return true
	}
	return false
}

// IsJumpSlot reports whether typ is the PLT jump slot relocation of m.
func IsJumpSlot(m elf.Machine, typ uint32) bool {
	switch m {
	case elf.EM_ARM:
		return elf.R_ARM(typ) == elf.R_ARM_JUMP_SLOT
	case elf.EM_386:
		return elf.R_386(typ) == elf.R_386_JMP_SLOT
	case elf.EM_X86_64:
		return elf.R_X86_64(typ) == elf.R_X86_64_JMP_SLOT
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ) == elf.R_AARCH64_JUMP_SLOT
	case elf.EM_RISCV:
		return elf.R_RISCV(typ) == elf.R_RISCV_JUMP_SLOT
	}
	return false
}

// IsDataPointer reports whether typ stores a symbol's absolute address in a
// data word: the absolute and global data relocations of m.
func IsDataPointer(m elf.Machine, typ uint32) bool {
	switch m {
	case elf.EM_ARM:
		t := elf.R_ARM(typ)
		return t == elf.R_ARM_ABS32 || t == elf.R_ARM_GLOB_DAT
	case elf.EM_386:
		t := elf.R_386(typ)
		return t == elf.R_386_32 || t == elf.R_386_GLOB_DAT
	case elf.EM_X86_64:
		t := elf.R_X86_64(typ)
		return t == elf.R_X86_64_64 || t == elf.R_X86_64_GLOB_DAT
	case elf.EM_AARCH64:
		t := elf.R_AARCH64(typ)
		return t == elf.R_AARCH64_ABS64 || t == elf.R_AARCH64_GLOB_DAT
	case elf.EM_RISCV:
		t := elf.R_RISCV(typ)
		return t == elf.R_RISCV_64 || t == elf.R_RISCV_32
	}
	return false
}

// TypeName renders typ with the debug/elf name for m.
func TypeName(m elf.Machine, typ uint32) string {
	switch m {
	case elf.EM_ARM:
		return elf.R_ARM(typ).String()
	case elf.EM_386:
		return elf.R_386(typ).String()
	case elf.EM_X86_64:
		return elf.R_X86_64(typ).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ).String()
	case elf.EM_RISCV:
		return elf.R_RISCV(typ).String()
	}
	return strconv.FormatUint(uint64(typ), 10)
}

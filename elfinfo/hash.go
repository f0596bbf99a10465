package elfinfo

import (
	"errors"
	"fmt"
)

// Hash is the SysV ELF symbol hash used by DT_HASH tables.
func Hash(name string) uint32 {
	var h uint32
	for _, c := range []byte(name) {
		h = (h << 4) + uint32(c)
		g := h & 0xf0000000
		h ^= g
		h ^= g >> 24
	}
	return h
}

// GNUHash is the DJB hash used by DT_GNU_HASH tables.
func GNUHash(name string) uint32 {
	h := uint32(5381)
	for _, c := range []byte(name) {
		h += h*32 + uint32(c)
	}
	return h
}

func (info *Info) readHash(off uint64) (HashTable, error) {
	nbucket, err := info.span.Uint32(off)
	if err != nil {
		return HashTable{}, fmt.Errorf("%w: hash header: %v", ErrParse, err)
	}
	nchain, err := info.span.Uint32(off + 4)
	if err != nil {
		return HashTable{}, fmt.Errorf("%w: hash header: %v", ErrParse, err)
	}
	if nbucket == 0 {
		return HashTable{}, fmt.Errorf("%w: hash table has no buckets", ErrParse)
	}
	return HashTable{
		Off:     off,
		NBucket: nbucket,
		NChain:  nchain,
		Buckets: off + 8,
		Chains:  off + 8 + 4*uint64(nbucket),
	}, nil
}

func (info *Info) readGNUHash(off uint64) (GNUHashTable, error) {
	r := fieldReader{span: info.span}
	t := GNUHashTable{
		Off:        off,
		NBucket:    r.u32(off),
		SymOffset:  r.u32(off + 4),
		BloomSize:  r.u32(off + 8),
		BloomShift: r.u32(off + 12),
	}
	if r.err != nil {
		return GNUHashTable{}, fmt.Errorf("%w: gnu hash header: %v", ErrParse, r.err)
	}
	if t.NBucket == 0 || t.BloomSize == 0 {
		return GNUHashTable{}, fmt.Errorf("%w: gnu hash table is empty", ErrParse)
	}
	t.Bloom = off + 16
	t.Buckets = t.Bloom + uint64(t.BloomSize)*uint64(info.layout.word)
	t.Chains = t.Buckets + 4*uint64(t.NBucket)
	return t, nil
}

// gnuSymbolCount derives the dynamic symbol count from a GNU hash table: the
// highest bucket start, walked to the end of its chain.
func (info *Info) gnuSymbolCount() (uint64, error) {
	t := info.GNUHash
	var last uint32
	for i := uint32(0); i < t.NBucket; i++ {
		b, err := info.span.Uint32(t.Buckets + 4*uint64(i))
		if err != nil {
			return 0, fmt.Errorf("%w: gnu hash bucket %d: %v", ErrParse, i, err)
		}
		if b > last {
			last = b
		}
	}
	if last < t.SymOffset {
		return uint64(t.SymOffset), nil
	}
	for {
		v, err := info.span.Uint32(t.Chains + 4*uint64(last-t.SymOffset))
		if err != nil {
			return 0, fmt.Errorf("%w: gnu hash chain %d: %v", ErrParse, last, err)
		}
		if v&1 != 0 {
			return uint64(last) + 1, nil
		}
		last++
	}
}

// Lookup resolves name to its dynamic symbol through DT_HASH, or DT_GNU_HASH
// when the image carries no SysV table. Undefined imports resolve too, since
// those are the symbols hooks usually target. Nothing outside the image is
// read.
func (info *Info) Lookup(name string) (Symbol, error) {
	if name == "" {
		return Symbol{}, fmt.Errorf("%w: empty name", ErrSymbolNotFound)
	}
	switch {
	case info.Hash.Present():
		return info.lookupSysV(name)
	case info.GNUHash.Present():
		return info.lookupGNU(name)
	default:
		return Symbol{}, fmt.Errorf("%w: no symbol hash table", ErrParse)
	}
}

func (info *Info) lookupSysV(name string) (Symbol, error) {
	t := info.Hash
	h := Hash(name)
	idx, err := info.span.Uint32(t.Buckets + 4*uint64(h%t.NBucket))
	if err != nil {
		return Symbol{}, fmt.Errorf("%w: hash bucket: %v", ErrParse, err)
	}

	// every symbol is visited at most once on a well formed chain
	for steps := uint32(0); steps <= t.NChain; steps++ {
		if idx >= t.NChain {
			return Symbol{}, fmt.Errorf("%w: hash chain index %d of %d", ErrParse, idx, t.NChain)
		}
		if info.symbolNamed(idx, name) {
			return info.Symbol(idx)
		}
		idx, err = info.span.Uint32(t.Chains + 4*uint64(idx))
		if err != nil {
			return Symbol{}, fmt.Errorf("%w: hash chain: %v", ErrParse, err)
		}
		if idx == 0 {
			return Symbol{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
		}
	}
	return Symbol{}, fmt.Errorf("%w: hash chain for %s does not terminate", ErrParse, name)
}

// lookupGNU walks the GNU hash chain for name. Symbols below SymOffset are not
// hashed; linkers put the undefined imports there, so a miss falls back to a
// scan of that range.
func (info *Info) lookupGNU(name string) (Symbol, error) {
	sym, err := info.gnuChain(name)
	if !errors.Is(err, ErrSymbolNotFound) {
		return sym, err
	}
	return info.lookupUnhashed(name)
}

func (info *Info) lookupUnhashed(name string) (Symbol, error) {
	end := info.GNUHash.SymOffset
	if info.SymTab.Count > 0 && uint64(end) > info.SymTab.Count {
		return Symbol{}, fmt.Errorf("%w: gnu hash symbol offset %d of %d", ErrParse, end, info.SymTab.Count)
	}
	for idx := uint32(1); idx < end; idx++ {
		nameOff, err := info.span.Uint32(info.SymTab.Off + uint64(idx)*info.SymTab.EntSize)
		if err != nil {
			return Symbol{}, fmt.Errorf("%w: dynamic symbol %d: %v", ErrParse, idx, err)
		}
		if info.stringEqual(nameOff, name) {
			return info.Symbol(idx)
		}
	}
	return Symbol{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

func (info *Info) gnuChain(name string) (Symbol, error) {
	t := info.GNUHash
	word := uint64(info.layout.word)
	bits := uint32(8 * word)

	h := GNUHash(name)
	bloom, err := info.span.Word(t.Bloom+word*uint64((h/bits)%t.BloomSize), info.layout.word)
	if err != nil {
		return Symbol{}, fmt.Errorf("%w: gnu hash bloom: %v", ErrParse, err)
	}
	mask := uint64(1)<<(h%bits) | uint64(1)<<((h>>t.BloomShift)%bits)
	if bloom&mask != mask {
		return Symbol{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}

	idx, err := info.span.Uint32(t.Buckets + 4*uint64(h%t.NBucket))
	if err != nil {
		return Symbol{}, fmt.Errorf("%w: gnu hash bucket: %v", ErrParse, err)
	}
	if idx == 0 {
		return Symbol{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	if idx < t.SymOffset {
		return Symbol{}, fmt.Errorf("%w: gnu hash bucket %d below symbol offset %d", ErrParse, idx, t.SymOffset)
	}

	h |= 1
	for {
		if info.SymTab.Count > 0 && uint64(idx) >= info.SymTab.Count {
			return Symbol{}, fmt.Errorf("%w: gnu hash chain index %d of %d", ErrParse, idx, info.SymTab.Count)
		}
		h2, err := info.span.Uint32(t.Chains + 4*uint64(idx-t.SymOffset))
		if err != nil {
			return Symbol{}, fmt.Errorf("%w: gnu hash chain: %v", ErrParse, err)
		}
		if h == h2|1 && info.symbolNamed(idx, name) {
			return info.Symbol(idx)
		}
		if h2&1 != 0 {
			return Symbol{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
		}
		idx++
	}
}

func (info *Info) symbolNamed(idx uint32, name string) bool {
	if info.SymTab.Count > 0 && uint64(idx) >= info.SymTab.Count {
		return false
	}
	nameOff, err := info.span.Uint32(info.SymTab.Off + uint64(idx)*info.SymTab.EntSize)
	if err != nil {
		return false
	}
	return info.stringEqual(nameOff, name)
}

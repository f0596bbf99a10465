package patch

import (
	"debug/elf"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/sliverarmory/elfhook/elfinfo"
	"github.com/sliverarmory/elfhook/image"
	"github.com/sliverarmory/elfhook/internal/elftest"
)

const testPage = 0x1000

// recordingMemory writes through a file-backed image and records every
// protection change and flush.
type recordingMemory struct {
	Memory
	protects    [][2]uintptr
	flushes     [][2]uintptr
	failProtect int
}

func (m *recordingMemory) PageSize() uintptr { return testPage }

func (m *recordingMemory) Protect(start, end uintptr) error {
	m.protects = append(m.protects, [2]uintptr{start, end})
	if m.failProtect == len(m.protects) {
		return fmt.Errorf("mprotect: permission denied")
	}
	return m.Memory.Protect(start, end)
}

func (m *recordingMemory) FlushICache(start, end uintptr) error {
	m.flushes = append(m.flushes, [2]uintptr{start, end})
	return m.Memory.FlushICache(start, end)
}

type fixture struct {
	img  *elftest.Image
	info *elfinfo.Info
	mem  *recordingMemory
	log  *logtest.Hook
	p    *Patcher
}

func newFixture(t *testing.T, b *elftest.Builder) *fixture {
	t.Helper()
	img := b.Build()
	info, err := elfinfo.FromSegments(image.Open(img.File, image.FromFile))
	if err != nil {
		t.Fatalf("FromSegments: %v", err)
	}
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	mem := &recordingMemory{Memory: NewLiveMemory(info)}
	return &fixture{
		img:  img,
		info: info,
		mem:  mem,
		log:  hook,
		p:    New(info, mem, logger),
	}
}

func (f *fixture) slot(vaddr uint64) uint64 {
	return f.img.ReadSlot(f.img.File, f.img.FileOffset(vaddr))
}

func hookBuilder(class elf.Class, machine elf.Machine) *elftest.Builder {
	b := elftest.New(class, machine)
	b.Symbols = []string{"add", "compute", "printf", "malloc"}
	b.PLT = []elftest.Reloc{
		{Symbol: "printf", Type: elftest.JumpSlot(machine), Value: 0x1000},
		{Symbol: "add", Type: elftest.JumpSlot(machine), Value: 0x2000},
		{Symbol: "add", Type: elftest.JumpSlot(machine), Value: 0x2000},
	}
	b.Dyn = []elftest.Reloc{
		{Symbol: "", Type: elftest.Relative(machine), Value: 0x40},
		{Symbol: "add", Type: elftest.GlobDat(machine), Value: 0x2000},
		{Symbol: "malloc", Type: elftest.Abs(machine), Value: 0x3000},
		{Symbol: "add", Type: elftest.Abs(machine), Value: 0x2000},
		{Symbol: "add", Type: elftest.Relative(machine), Value: 0x2000},
	}
	return b
}

func TestPatchFirstJumpSlotAndEveryDataSlot(t *testing.T) {
	for _, tc := range []struct {
		name    string
		class   elf.Class
		machine elf.Machine
	}{
		{"arm", elf.ELFCLASS32, elf.EM_ARM},
		{"386", elf.ELFCLASS32, elf.EM_386},
		{"amd64", elf.ELFCLASS64, elf.EM_X86_64},
		{"arm64", elf.ELFCLASS64, elf.EM_AARCH64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, hookBuilder(tc.class, tc.machine))
			const replacement = 0xdead0

			res, err := f.p.Patch(f.img.SymIndex["add"], replacement)
			if err != nil {
				t.Fatalf("Patch(add): %v", err)
			}
			if res.Original != 0x2000 {
				t.Fatalf("Original = %#x, want 0x2000", res.Original)
			}
			if res.Patched() != 3 || res.Skipped() != 0 {
				t.Fatalf("patched=%d skipped=%d, want 3 and 0: %+v", res.Patched(), res.Skipped(), res.Records)
			}

			want := map[uint64]uint64{
				f.img.PLTSlots[0]: 0x1000,
				f.img.PLTSlots[1]: replacement,
				f.img.PLTSlots[2]: 0x2000, // only the first jump slot
				f.img.DynSlots[0]: 0x40,
				f.img.DynSlots[1]: replacement,
				f.img.DynSlots[2]: 0x3000,
				f.img.DynSlots[3]: replacement,
				f.img.DynSlots[4]: 0x2000, // relative, not a data pointer relocation
			}
			for vaddr, v := range want {
				if got := f.slot(vaddr); got != v {
					t.Fatalf("slot %#x = %#x, want %#x", vaddr, got, v)
				}
			}

			if res.Records[0].Table != f.info.RelPlt.Name || res.Records[1].Table != f.info.RelDyn.Name {
				t.Fatalf("records out of table order: %+v", res.Records)
			}
		})
	}
}

func TestPatchProtectsExactPages(t *testing.T) {
	f := newFixture(t, hookBuilder(elf.ELFCLASS64, elf.EM_X86_64))
	res, err := f.p.Patch(f.img.SymIndex["add"], 0xbeef)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if len(f.mem.protects) != len(res.Records) || len(f.mem.flushes) != len(res.Records) {
		t.Fatalf("protects=%d flushes=%d for %d slots", len(f.mem.protects), len(f.mem.flushes), len(res.Records))
	}
	for i, rec := range res.Records {
		wantProt := [2]uintptr{rec.Addr &^ (testPage - 1), (rec.Addr + 8 + testPage - 1) &^ (testPage - 1)}
		if f.mem.protects[i] != wantProt {
			t.Fatalf("protect[%d] = [%#x, %#x), want [%#x, %#x)", i,
				f.mem.protects[i][0], f.mem.protects[i][1], wantProt[0], wantProt[1])
		}
		if f.mem.flushes[i] != [2]uintptr{rec.Addr, rec.Addr + 8} {
			t.Fatalf("flush[%d] = %#x, want [%#x, %#x)", i, f.mem.flushes[i], rec.Addr, rec.Addr+8)
		}
	}
}

func TestAlign(t *testing.T) {
	cases := []struct {
		addr, width uintptr
		start, end  uintptr
	}{
		{0x1000, 8, 0x1000, 0x2000},
		{0x1ff8, 8, 0x1000, 0x2000},
		{0x1ffc, 8, 0x1000, 0x3000},
		{0x2004, 4, 0x2000, 0x3000},
	}
	for _, c := range cases {
		start, end := alignDown(c.addr, testPage), alignUp(c.addr+c.width, testPage)
		if start != c.start || end != c.end {
			t.Fatalf("slot %#x+%d covers [%#x, %#x), want [%#x, %#x)", c.addr, c.width, start, end, c.start, c.end)
		}
	}
	if alignDown(0x1234, 0) != 0x1234 || alignUp(0x1234, 0) != 0x1234 {
		t.Fatalf("zero alignment must be the identity")
	}
}

func TestPatchIsIdempotent(t *testing.T) {
	f := newFixture(t, hookBuilder(elf.ELFCLASS32, elf.EM_ARM))
	sym := f.img.SymIndex["add"]

	if _, err := f.p.Patch(sym, 0x5000); err != nil {
		t.Fatalf("first Patch: %v", err)
	}
	protects := len(f.mem.protects)

	res, err := f.p.Patch(sym, 0x5000)
	if err != nil {
		t.Fatalf("second Patch: %v", err)
	}
	if res.Original != 0 || res.Patched() != 0 || res.Skipped() != 3 {
		t.Fatalf("second Patch original=%#x patched=%d skipped=%d", res.Original, res.Patched(), res.Skipped())
	}
	if len(f.mem.protects) != protects {
		t.Fatalf("already hooked slots changed protection")
	}

	warnings := 0
	for _, e := range f.log.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	if warnings != 3 {
		t.Fatalf("logged %d warnings for already hooked slots, want 3", warnings)
	}
}

func TestOriginalComesFromFirstRewrittenSlot(t *testing.T) {
	b := hookBuilder(elf.ELFCLASS64, elf.EM_AARCH64)
	b.PLT[1].Value = 0x7777 // already hooked
	b.Dyn[1].Value = 0x6000
	f := newFixture(t, b)

	res, err := f.p.Patch(f.img.SymIndex["add"], 0x7777)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if !res.Records[0].Skipped {
		t.Fatalf("PLT slot holding the replacement was not skipped: %+v", res.Records[0])
	}
	if res.Original != 0x6000 {
		t.Fatalf("Original = %#x, want the first rewritten slot's 0x6000", res.Original)
	}
}

func TestPatchAbortsOnProtectionFailure(t *testing.T) {
	f := newFixture(t, hookBuilder(elf.ELFCLASS64, elf.EM_X86_64))
	f.mem.failProtect = 2

	res, err := f.p.Patch(f.img.SymIndex["add"], 0xabc0)
	if !errors.Is(err, ErrProtection) {
		t.Fatalf("Patch err = %v, want ErrProtection", err)
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("Patch err %T is not *Error", err)
	}
	if len(perr.Applied) != 1 || perr.Applied[0].Addr != res.Records[0].Addr {
		t.Fatalf("Applied = %+v, want the PLT slot only", perr.Applied)
	}
	if got := f.slot(f.img.PLTSlots[1]); got != 0xabc0 {
		t.Fatalf("applied slot rolled back to %#x", got)
	}
	if got := f.slot(f.img.DynSlots[1]); got != 0x2000 {
		t.Fatalf("slot after the failure = %#x, want untouched 0x2000", got)
	}
	if got := f.slot(f.img.DynSlots[3]); got != 0x2000 {
		t.Fatalf("later slot = %#x, want untouched 0x2000", got)
	}

	errored := false
	for _, e := range f.log.AllEntries() {
		errored = errored || e.Level == logrus.ErrorLevel
	}
	if !errored {
		t.Fatalf("abort was not logged at error level")
	}
}

func TestPatchWithoutReferences(t *testing.T) {
	f := newFixture(t, hookBuilder(elf.ELFCLASS32, elf.EM_386))
	res, err := f.p.Patch(f.img.SymIndex["compute"], 0x9000)
	if err != nil {
		t.Fatalf("Patch(compute): %v", err)
	}
	if res.Original != 0 || len(res.Records) != 0 || len(f.mem.protects) != 0 {
		t.Fatalf("unreferenced symbol touched memory: %+v", res)
	}
}

func TestReplacementMustFitSlot(t *testing.T) {
	f := newFixture(t, hookBuilder(elf.ELFCLASS32, elf.EM_ARM))
	if _, err := f.p.Patch(f.img.SymIndex["add"], 1<<40); !errors.Is(err, ErrReplacementWidth) {
		t.Fatalf("Patch with a 64-bit replacement err = %v, want ErrReplacementWidth", err)
	}
}

// Package patch rewrites the relocation slots that refer to one dynamic
// symbol so calls through them reach a replacement.
package patch

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sliverarmory/elfhook/elfinfo"
)

var (
	ErrProtection       = errors.New("memory protection change failed")
	ErrReplacementWidth = errors.New("replacement does not fit the slot")
)

// Record describes one slot that matched the symbol.
type Record struct {
	Table       string
	Index       uint64
	Addr        uintptr
	Previous    uint64
	Replacement uint64
	Skipped     bool
}

// Result collects every matched slot. Original is the value of the first
// slot actually rewritten, or zero when none was.
type Result struct {
	Original uint64
	Records  []Record
}

// Patched counts the slots that were rewritten.
func (r *Result) Patched() int {
	n := 0
	for _, rec := range r.Records {
		if !rec.Skipped {
			n++
		}
	}
	return n
}

// Skipped counts the slots that already held the replacement.
func (r *Result) Skipped() int {
	return len(r.Records) - r.Patched()
}

// Error aborts a request after a protection or write failure. Slots in
// Applied stay patched.
type Error struct {
	Applied []Record
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("patch aborted after %d slot(s): %v", len(e.Applied), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Patcher rewrites slots of one image through a Memory.
type Patcher struct {
	info *elfinfo.Info
	mem  Memory
	log  logrus.FieldLogger
}

func New(info *elfinfo.Info, mem Memory, log logrus.FieldLogger) *Patcher {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Patcher{info: info, mem: mem, log: log}
}

// Patch points every slot bound to symbol sym at replacement. Only the first
// matching jump slot of the PLT table is rewritten; every matching absolute
// or global data slot of the dynamic relocation table is. Callers must
// serialize concurrent patches of the same image.
func (p *Patcher) Patch(sym uint32, replacement uint64) (*Result, error) {
	width := p.info.WordSize()
	if width == 4 && replacement>>32 != 0 {
		return nil, fmt.Errorf("%w: %#x in a %d byte slot", ErrReplacementWidth, replacement, width)
	}

	res := &Result{}
	m := p.info.Machine

	plt := p.info.RelPlt
	for i := uint64(0); i < plt.Count; i++ {
		rel, err := p.info.Reloc(plt, i)
		if err != nil {
			return res, err
		}
		if rel.Sym != sym || !elfinfo.IsJumpSlot(m, rel.Type) {
			continue
		}
		if err := p.patchSlot(res, plt.Name, i, rel, replacement); err != nil {
			return res, err
		}
		break
	}

	dyn := p.info.RelDyn
	for i := uint64(0); i < dyn.Count; i++ {
		rel, err := p.info.Reloc(dyn, i)
		if err != nil {
			return res, err
		}
		if rel.Sym != sym || !elfinfo.IsDataPointer(m, rel.Type) {
			continue
		}
		if err := p.patchSlot(res, dyn.Name, i, rel, replacement); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Patcher) patchSlot(res *Result, table string, index uint64, rel elfinfo.Reloc, replacement uint64) error {
	addr, err := p.info.SlotAddr(rel.Offset)
	if err != nil {
		return err
	}
	width := uintptr(p.info.WordSize())
	log := p.log.WithFields(logrus.Fields{
		"table": table,
		"index": index,
		"slot":  fmt.Sprintf("%#x", addr),
	})

	abort := func(err error) error {
		log.WithError(err).Error("aborting patch request")
		return &Error{Applied: applied(res), Err: err}
	}

	prev, err := p.mem.Read(addr)
	if err != nil {
		return abort(fmt.Errorf("%w: read slot %#x: %w", ErrProtection, addr, err))
	}
	rec := Record{
		Table:       table,
		Index:       index,
		Addr:        addr,
		Previous:    prev,
		Replacement: replacement,
	}
	if prev == replacement {
		rec.Skipped = true
		res.Records = append(res.Records, rec)
		log.Warn("slot already holds the replacement")
		return nil
	}

	page := p.mem.PageSize()
	start, end := alignDown(addr, page), alignUp(addr+width, page)
	if err := p.mem.Protect(start, end); err != nil {
		return abort(fmt.Errorf("%w: [%#x, %#x): %w", ErrProtection, start, end, err))
	}
	if err := p.mem.Write(addr, replacement); err != nil {
		return abort(fmt.Errorf("%w: write slot %#x: %w", ErrProtection, addr, err))
	}
	if err := p.mem.FlushICache(addr, addr+width); err != nil {
		return abort(fmt.Errorf("%w: flush [%#x, %#x): %w", ErrProtection, addr, addr+width, err))
	}

	if res.Patched() == 0 {
		res.Original = prev
	}
	res.Records = append(res.Records, rec)
	log.WithField("previous", fmt.Sprintf("%#x", prev)).Info("patched relocation slot")
	return nil
}

func applied(res *Result) []Record {
	out := make([]Record, 0, len(res.Records))
	for _, rec := range res.Records {
		if !rec.Skipped {
			out = append(out, rec)
		}
	}
	return out
}

func alignDown(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return v &^ (a - 1)
}

func alignUp(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return (v + (a - 1)) &^ (a - 1)
}

package patch

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sliverarmory/elfhook/elfinfo"
)

var errNilSlot = errors.New("nil slot address")

// Memory is the privileged side of patching: reading and writing one slot,
// changing page protection and flushing the instruction cache.
type Memory interface {
	PageSize() uintptr
	Read(addr uintptr) (uint64, error)
	// Protect makes the page-aligned range [start, end) readable, writable
	// and executable.
	Protect(start, end uintptr) error
	Write(addr uintptr, value uint64) error
	FlushICache(start, end uintptr) error
}

// LiveMemory writes straight into the current address space. It is the only
// code in this module that stores through raw addresses.
type LiveMemory struct {
	width   uintptr
	order   binary.ByteOrder
	page    uintptr
	mapped  bool
	atomics bool
}

// NewLiveMemory serves the slots of info's image. A file-backed image is
// already a private writable mapping that never executes, so its pages are
// left as they are and the instruction cache is not flushed.
func NewLiveMemory(info *elfinfo.Info) *LiveMemory {
	width := uintptr(info.WordSize())
	return &LiveMemory{
		width:   width,
		order:   info.Order,
		page:    uintptr(unix.Getpagesize()),
		mapped:  !info.Handle().Live(),
		atomics: width == unsafe.Sizeof(uintptr(0)) && sameOrder(info.Order, binary.NativeEndian),
	}
}

func sameOrder(a, b binary.ByteOrder) bool {
	probe := []byte{1, 2}
	return a.Uint16(probe) == b.Uint16(probe)
}

func (m *LiveMemory) PageSize() uintptr { return m.page }

func (m *LiveMemory) aligned(addr uintptr) bool {
	return m.atomics && addr%m.width == 0
}

func (m *LiveMemory) Read(addr uintptr) (uint64, error) {
	if addr == 0 {
		return 0, errNilSlot
	}
	if m.aligned(addr) {
		return uint64(atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr)))), nil
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), m.width)
	if m.width == 4 {
		return uint64(m.order.Uint32(b)), nil
	}
	return m.order.Uint64(b), nil
}

func (m *LiveMemory) Protect(start, end uintptr) error {
	if m.mapped || end <= start {
		return nil
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	return unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

func (m *LiveMemory) Write(addr uintptr, value uint64) error {
	if addr == 0 {
		return errNilSlot
	}
	if m.aligned(addr) {
		atomic.StoreUintptr((*uintptr)(unsafe.Pointer(addr)), uintptr(value))
		return nil
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), m.width)
	if m.width == 4 {
		m.order.PutUint32(b, uint32(value))
	} else {
		m.order.PutUint64(b, value)
	}
	return nil
}

func (m *LiveMemory) FlushICache(start, end uintptr) error {
	if m.mapped {
		return nil
	}
	return flushICache(start, end)
}

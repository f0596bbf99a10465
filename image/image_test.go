package image

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"
)

func TestSpanBounds(t *testing.T) {
	data := []byte{0x78, 0x56, 0x34, 0x12, 0xef, 0xcd, 0xab, 0x90, 'h', 'i', 0, 'x'}
	s := NewSpan(0x1000, data, nil)

	if v, err := s.Uint32(0); err != nil || v != 0x12345678 {
		t.Fatalf("Uint32(0) = %#x, %v", v, err)
	}
	if v, err := s.Uint64(0); err != nil || v != 0x90abcdef12345678 {
		t.Fatalf("Uint64(0) = %#x, %v", v, err)
	}
	if v, err := s.WithOrder(binary.BigEndian).Uint16(0); err != nil || v != 0x7856 {
		t.Fatalf("big endian Uint16(0) = %#x, %v", v, err)
	}
	if v, err := s.Word(0, 4); err != nil || v != 0x12345678 {
		t.Fatalf("Word(0, 4) = %#x, %v", v, err)
	}
	if _, err := s.Word(0, 2); err == nil {
		t.Fatalf("Word(0, 2) should fail")
	}

	if _, err := s.Uint64(8); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("Uint64(8) err = %v, want ErrOutOfBounds", err)
	}
	if _, err := s.Bytes(^uint64(0), 2); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("Bytes with wrapping length err = %v, want ErrOutOfBounds", err)
	}

	if str, err := s.CString(8); err != nil || str != "hi" {
		t.Fatalf("CString(8) = %q, %v", str, err)
	}
	if _, err := s.CString(11); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("unterminated CString err = %v, want ErrOutOfBounds", err)
	}
	if !s.Equal(8, "hi") || s.Equal(8, "h") || s.Equal(8, "hix") {
		t.Fatalf("Equal does not require an exact NUL terminated match")
	}

	if got := s.Addr(8); got != 0x1008 {
		t.Fatalf("Addr(8) = %#x, want 0x1008", got)
	}
}

func TestOpenFileAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	content := []byte("\x7fELF-not-really-but-bytes")
	if err := os.WriteFile(path, content, 0o400); err != nil {
		t.Fatalf("write image: %v", err)
	}

	h, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile(%s): %v", path, err)
	}
	if h.Source() != FromFile || h.Live() {
		t.Fatalf("OpenFile handle source = %v", h.Source())
	}
	if h.Size() != int64(len(content)) {
		t.Fatalf("Size() = %d, want %d", h.Size(), len(content))
	}

	span, err := h.Span()
	if err != nil {
		t.Fatalf("Span: %v", err)
	}
	if span.Base() != h.Base() || span.Len() != uint64(len(content)) {
		t.Fatalf("span base=%#x len=%d", span.Base(), span.Len())
	}

	// private mapping: writes stay in memory
	b, err := span.Bytes(0, 1)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	b[0] = 'X'

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := h.Span(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Span after Close err = %v, want ErrClosed", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image back: %v", err)
	}
	if got[0] != 0x7f {
		t.Fatalf("write through a private mapping reached the file")
	}
}

func TestOpenFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenFile(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("OpenFile on a missing file should fail")
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	if _, err := OpenFile(empty); err == nil {
		t.Fatalf("OpenFile on an empty file should fail")
	}
}

func TestOpenModule(t *testing.T) {
	backing := make([]byte, 0x3000)
	base := uintptr(unsafe.Pointer(&backing[0]))
	modules := StaticModules{
		{Start: base + 0x100000, End: base + 0x101000, Path: "/lib/other.so"},
		{Start: base, End: base + 0x1000, Path: "/lib/libtarget.so"},
		{Start: base + 0x1000, End: base + 0x3000, Offset: 0x1000, Path: "/lib/libtarget.so"},
	}

	h, err := OpenModule(modules, "libtarget")
	if err != nil {
		t.Fatalf("OpenModule(libtarget): %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	if h.Base() != base {
		t.Fatalf("Base() = %#x, want %#x", h.Base(), base)
	}
	if h.Size() != SizeUnknown || !h.Live() {
		t.Fatalf("live handle size=%d live=%v", h.Size(), h.Live())
	}
	if h.Path() != "/lib/libtarget.so" {
		t.Fatalf("Path() = %q", h.Path())
	}
	span, err := h.Span()
	if err != nil {
		t.Fatalf("Span: %v", err)
	}
	if span.Len() != 0x3000 {
		t.Fatalf("span covers %#x bytes, want the two contiguous mappings (0x3000)", span.Len())
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	backing[0] = 1 // still owned by us after Close

	if _, err := OpenModule(modules, "libnope"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("OpenModule(libnope) err = %v, want ErrModuleNotFound", err)
	}
}

func TestOpenWrapsCallerBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	h := Open(data, FromFile)
	if h.Size() != 4 || h.Base() != uintptr(unsafe.Pointer(&data[0])) {
		t.Fatalf("Open handle size=%d base=%#x", h.Size(), h.Base())
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	live := Open(data, FromLiveModule)
	if live.Size() != SizeUnknown || !live.Live() {
		t.Fatalf("live Open handle size=%d live=%v", live.Size(), live.Live())
	}
}

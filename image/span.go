package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrOutOfBounds = errors.New("read outside image bounds")

// Span is a bounds-checked view of image bytes. Offsets are relative to the
// image base; Addr converts them back to process addresses.
type Span struct {
	base  uintptr
	data  []byte
	order binary.ByteOrder
}

// NewSpan wraps data located at base. A nil order means little endian.
func NewSpan(base uintptr, data []byte, order binary.ByteOrder) Span {
	if order == nil {
		order = binary.LittleEndian
	}
	return Span{base: base, data: data, order: order}
}

// WithOrder returns the same span decoding with order.
func (s Span) WithOrder(order binary.ByteOrder) Span {
	s.order = order
	return s
}

func (s Span) Order() binary.ByteOrder { return s.order }

func (s Span) Len() uint64 { return uint64(len(s.data)) }

func (s Span) Base() uintptr { return s.base }

// Addr returns the process address of off.
func (s Span) Addr(off uint64) uintptr {
	return s.base + uintptr(off)
}

// Contains reports whether [off, off+n) lies inside the span.
func (s Span) Contains(off, n uint64) bool {
	end := off + n
	return end >= off && end <= uint64(len(s.data))
}

// Bytes returns the n bytes at off without copying.
func (s Span) Bytes(off, n uint64) ([]byte, error) {
	if !s.Contains(off, n) {
		return nil, fmt.Errorf("%w: [%#x, +%#x) of %#x", ErrOutOfBounds, off, n, len(s.data))
	}
	return s.data[off : off+n : off+n], nil
}

func (s Span) Uint8(off uint64) (uint8, error) {
	b, err := s.Bytes(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s Span) Uint16(off uint64) (uint16, error) {
	b, err := s.Bytes(off, 2)
	if err != nil {
		return 0, err
	}
	return s.order.Uint16(b), nil
}

func (s Span) Uint32(off uint64) (uint32, error) {
	b, err := s.Bytes(off, 4)
	if err != nil {
		return 0, err
	}
	return s.order.Uint32(b), nil
}

func (s Span) Uint64(off uint64) (uint64, error) {
	b, err := s.Bytes(off, 8)
	if err != nil {
		return 0, err
	}
	return s.order.Uint64(b), nil
}

// Word reads a 4 or 8 byte value, widened to uint64.
func (s Span) Word(off uint64, size int) (uint64, error) {
	switch size {
	case 4:
		v, err := s.Uint32(off)
		return uint64(v), err
	case 8:
		return s.Uint64(off)
	default:
		return 0, fmt.Errorf("unsupported word size %d", size)
	}
}

// CString reads a NUL terminated string starting at off. The terminator must
// lie inside the span.
func (s Span) CString(off uint64) (string, error) {
	if off >= uint64(len(s.data)) {
		return "", fmt.Errorf("%w: string at %#x of %#x", ErrOutOfBounds, off, len(s.data))
	}
	n := bytes.IndexByte(s.data[off:], 0)
	if n < 0 {
		return "", fmt.Errorf("%w: unterminated string at %#x", ErrOutOfBounds, off)
	}
	return string(s.data[off : off+uint64(n)]), nil
}

// Equal reports whether the NUL terminated string at off is exactly want.
func (s Span) Equal(off uint64, want string) bool {
	n := uint64(len(want))
	b, err := s.Bytes(off, n+1)
	if err != nil {
		return false
	}
	return b[n] == 0 && string(b[:n]) == want
}

//go:build !(linux && cgo)

package native

import "errors"

var (
	ErrClosed      = errors.New("library is closed")
	errUnsupported = errors.New("native libraries need linux and cgo")
)

const Supported = false

type Library struct{}

func Open(path string) (*Library, error) {
	_ = path
	return nil, errUnsupported
}

func Load(data []byte) (*Library, error) {
	_ = data
	return nil, errUnsupported
}

func (l *Library) Path() string { return "" }

func (l *Library) MappedPath() (string, error) { return "", errUnsupported }

func (l *Library) Sym(name string) (uintptr, error) {
	_ = name
	return 0, errUnsupported
}

func (l *Library) Close() error { return nil }

func Call0(fn uintptr) uintptr { panic(errUnsupported) }

func Call1(fn, a0 uintptr) uintptr { panic(errUnsupported) }

func Call2(fn, a0, a1 uintptr) uintptr { panic(errUnsupported) }

func Call3(fn, a0, a1, a2 uintptr) uintptr { panic(errUnsupported) }

// Package image opens ELF images either from disk, as a private writable
// mapping, or from the modules already mapped into the running process.
package image

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SizeUnknown is reported by live handles, whose extent is owned by the loader.
const SizeUnknown int64 = -1

// liveSpanLimit bounds the view of a live module whose extent the module
// source could not report.
const liveSpanLimit = 1 << 30

type Source int

const (
	FromFile Source = iota
	FromLiveModule
)

func (s Source) String() string {
	switch s {
	case FromFile:
		return "file"
	case FromLiveModule:
		return "live"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

var (
	ErrClosed         = errors.New("image handle is closed")
	ErrModuleNotFound = errors.New("module not found")
)

// Handle is one opened ELF image.
type Handle struct {
	mu      sync.RWMutex
	base    uintptr
	size    int64
	source  Source
	path    string
	data    []byte
	mapping []byte
	closed  bool
}

// OpenFile maps path privately with read/write access. Writes through the
// handle are copy-on-write and never reach the file, so a read-only
// descriptor is enough.
func OpenFile(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("map %s: empty file", path)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &Handle{
		base:    uintptr(unsafe.Pointer(&mapping[0])),
		size:    info.Size(),
		source:  FromFile,
		path:    path,
		data:    mapping,
		mapping: mapping,
	}, nil
}

// OpenModule selects a module mapped into the current process. An empty name
// selects the first module listed, which is the primary executable.
func OpenModule(src ModuleSource, name string) (*Handle, error) {
	if src == nil {
		src = ProcMaps{}
	}
	modules, err := src.Modules()
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}

	module, end, ok := findModule(modules, name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}
	base := module.Base()
	if base == 0 {
		return nil, fmt.Errorf("%w: %q has a nil base", ErrModuleNotFound, name)
	}

	extent := end - base
	if end <= base {
		extent = liveSpanLimit
	}

	return &Handle{
		base:   base,
		size:   SizeUnknown,
		source: FromLiveModule,
		path:   module.Path,
		data:   unsafe.Slice((*byte)(unsafe.Pointer(base)), int(extent)),
	}, nil
}

// Open wraps bytes owned by the caller. Closing the handle releases nothing.
func Open(data []byte, source Source) *Handle {
	h := &Handle{
		source: source,
		size:   int64(len(data)),
		data:   data,
	}
	if len(data) > 0 {
		h.base = uintptr(unsafe.Pointer(&data[0]))
	}
	if source == FromLiveModule {
		h.size = SizeUnknown
	}
	return h
}

func (h *Handle) Base() uintptr { return h.base }

// Size is the byte extent of a file-backed image, or SizeUnknown.
func (h *Handle) Size() int64 { return h.size }

func (h *Handle) Source() Source { return h.source }

func (h *Handle) Live() bool { return h.source == FromLiveModule }

func (h *Handle) Path() string { return h.path }

// Span returns the bounds-checked view of the image.
func (h *Handle) Span() (Span, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return Span{}, ErrClosed
	}
	return NewSpan(h.base, h.data, nil), nil
}

// Close syncs and unmaps a file-backed image. Live images are left untouched.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.data = nil

	if h.mapping == nil {
		return nil
	}
	mapping := h.mapping
	h.mapping = nil

	var syncErr error
	if err := unix.Msync(mapping, unix.MS_SYNC); err != nil {
		syncErr = fmt.Errorf("msync %s: %w", h.path, err)
	}
	if err := unix.Munmap(mapping); err != nil {
		return errors.Join(syncErr, fmt.Errorf("munmap %s: %w", h.path, err))
	}
	return syncErr
}

//go:build linux && cgo

// Package native loads shared libraries into the running process and calls
// into them. The dynamic loader entry points are looked up in the mapped libc
// through elfinfo, the same way hooks find their targets.
package native

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sliverarmory/elfhook/elfinfo"
	"github.com/sliverarmory/elfhook/image"
)

const (
	rtldNow   = 2
	rtldLocal = 0
)

type dynAPI struct {
	dlopen  uintptr
	dlsym   uintptr
	dlclose uintptr
	dlerror uintptr
}

var (
	apiOnce sync.Once
	api     dynAPI
	apiErr  error
)

// Library is a shared object opened with dlopen.
type Library struct {
	mu     sync.RWMutex
	fd     int
	handle uintptr
	path   string
	closed bool
}

// Open loads the shared object at path with RTLD_NOW, so every PLT slot is
// bound before Open returns.
func Open(path string) (*Library, error) {
	return open(path, -1)
}

var loaded atomic.Uint32

// Load loads a shared object image from memory. The image lives in a memfd,
// or an unlinked tmpfs file where memfd_create is missing, that stays open
// for the library's lifetime. Each image gets its own name so MappedPath
// tells them apart.
func Load(data []byte) (*Library, error) {
	if len(data) == 0 {
		return nil, errors.New("native: empty ELF image")
	}
	fd, err := anonymousFile(fmt.Sprintf("elfhook-%d", loaded.Add(1)))
	if err != nil {
		return nil, err
	}
	for rest := data; len(rest) > 0; {
		n, err := unix.Write(fd, rest)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("native: write image: %w", err)
		}
		rest = rest[n:]
	}
	return open(fmt.Sprintf("/proc/self/fd/%d", fd), fd)
}

func anonymousFile(name string) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err == nil {
		return fd, nil
	}
	fd, tmpErr := unix.Open("/dev/shm", unix.O_RDWR|unix.O_CLOEXEC|unix.O_TMPFILE, 0o600)
	if tmpErr != nil {
		return -1, fmt.Errorf("native: anonymous file: %w", errors.Join(err, tmpErr))
	}
	return fd, nil
}

func open(path string, fd int) (*Library, error) {
	closeFD := func() {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	dl, err := loaderAPI()
	if err != nil {
		closeFD()
		return nil, err
	}
	cPath, err := cString(path)
	if err != nil {
		closeFD()
		return nil, err
	}

	// clear stale dlerror
	_ = Call0(dl.dlerror)
	handle := Call2(dl.dlopen, uintptr(unsafe.Pointer(&cPath[0])), uintptr(rtldNow|rtldLocal))
	runtime.KeepAlive(cPath)
	if handle == 0 {
		closeFD()
		return nil, dl.failure("dlopen", path)
	}
	return &Library{fd: fd, handle: handle, path: path}, nil
}

// Path is the name the library was opened under.
func (l *Library) Path() string { return l.path }

// MappedPath is the path the library appears under in /proc/self/maps.
func (l *Library) MappedPath() (string, error) {
	if l.fd >= 0 {
		target, err := os.Readlink(l.path)
		if err != nil {
			return "", err
		}
		return strings.TrimSuffix(target, " (deleted)"), nil
	}
	if !strings.Contains(l.path, "/") {
		return l.path, nil
	}
	abs, err := filepath.Abs(l.path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// Sym returns the address of an exported symbol.
func (l *Library) Sym(name string) (uintptr, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("symbol name cannot be empty")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed || l.handle == 0 {
		return 0, ErrClosed
	}

	dl, err := loaderAPI()
	if err != nil {
		return 0, err
	}
	cName, err := cString(name)
	if err != nil {
		return 0, err
	}

	_ = Call0(dl.dlerror)
	sym := Call2(dl.dlsym, l.handle, uintptr(unsafe.Pointer(&cName[0])))
	runtime.KeepAlive(cName)
	if sym == 0 {
		return 0, dl.failure("dlsym", name)
	}
	return sym, nil
}

// Close unloads the library. It is safe to call more than once.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if l.handle != 0 {
		if dl, apiErr := loaderAPI(); apiErr == nil {
			if Call1(dl.dlclose, l.handle) != 0 {
				err = dl.failure("dlclose", l.path)
			}
		}
		l.handle = 0
	}
	if l.fd >= 0 {
		err = errors.Join(err, unix.Close(l.fd))
		l.fd = -1
	}
	return err
}

// cString returns s NUL terminated.
func cString(s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("native: %q contains NUL", s)
	}
	return append([]byte(s), 0), nil
}

// goString copies the NUL terminated string at p, reading at most limit bytes.
func goString(p uintptr, limit int) string {
	if p == 0 {
		return ""
	}
	n := 0
	for n < limit && *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

// failure reports a failed loader call with the dlerror message, if any.
func (dl *dynAPI) failure(op, arg string) error {
	if msg := goString(Call0(dl.dlerror), 4096); msg != "" {
		return fmt.Errorf("%s(%s): %s", op, arg, msg)
	}
	return fmt.Errorf("%s(%s) failed", op, arg)
}

func loaderAPI() (*dynAPI, error) {
	apiOnce.Do(func() {
		apiErr = initLoaderAPI(image.ProcMaps{})
	})
	if apiErr != nil {
		return nil, apiErr
	}
	return &api, nil
}

func initLoaderAPI(src image.ModuleSource) error {
	libc, err := findRuntimeLibc(src)
	if err != nil {
		return err
	}
	h, err := image.OpenModule(src, libc)
	if err != nil {
		return fmt.Errorf("open libc %s: %w", libc, err)
	}
	defer h.Close()

	info, err := elfinfo.FromSegments(h)
	if err != nil {
		return fmt.Errorf("parse libc %s: %w", libc, err)
	}

	resolve := func(name string) (uintptr, error) {
		sym, err := info.Lookup(name)
		if err != nil {
			return 0, fmt.Errorf("resolve libc symbol %s: %w", name, err)
		}
		if sym.Value == 0 {
			return 0, fmt.Errorf("resolve libc symbol %s: %w", name, elfinfo.ErrSymbolNotFound)
		}
		return info.Addr(sym.Value)
	}

	var out dynAPI
	for _, entry := range []struct {
		name string
		dst  *uintptr
	}{
		{"dlopen", &out.dlopen},
		{"dlsym", &out.dlsym},
		{"dlclose", &out.dlclose},
		{"dlerror", &out.dlerror},
	} {
		if *entry.dst, err = resolve(entry.name); err != nil {
			return err
		}
	}
	api = out
	return nil
}

// libcNames are base name prefixes of the C library in preference order.
var libcNames = []string{"libc.so", "libc-", "ld-musl", "libc.musl"}

// findRuntimeLibc returns the path of the mapped C library.
func findRuntimeLibc(src image.ModuleSource) (string, error) {
	modules, err := src.Modules()
	if err != nil {
		return "", err
	}
	best, rank := "", len(libcNames)
	for _, m := range modules {
		if !strings.Contains(m.Perms, "x") {
			continue
		}
		if r := libcRank(m.Path); r < rank {
			best, rank = m.Path, r
		}
	}
	if best == "" {
		return "", errors.New("native: no libc mapping")
	}
	return best, nil
}

func libcRank(path string) int {
	base := filepath.Base(path)
	for i, prefix := range libcNames {
		if strings.HasPrefix(base, prefix) {
			return i
		}
	}
	return len(libcNames)
}

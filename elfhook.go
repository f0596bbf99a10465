// Package elfhook redirects calls made through the PLT and GOT of a loaded
// ELF module to replacement functions.
//
// A hook request opens the module, reads its dynamic metadata, resolves the
// symbol through the module's hash table and rewrites every relocation slot
// bound to it. Nothing is cached between requests.
package elfhook

import (
	"debug/elf"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sliverarmory/elfhook/elfinfo"
	"github.com/sliverarmory/elfhook/image"
	"github.com/sliverarmory/elfhook/patch"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyHooked   = errors.New("already hooked")
	ErrProtection      = patch.ErrProtection
	ErrParse           = elfinfo.ErrParse
	ErrInvalidArgument = errors.New("invalid argument")
)

// Hooker installs hooks against one module source. Requests on the same
// Hooker are serialized.
type Hooker struct {
	mu      sync.Mutex
	modules image.ModuleSource
	log     *logrus.Logger
	memory  func(*elfinfo.Info) patch.Memory
}

type Option func(*Hooker)

// WithModules replaces the process module list, /proc/self/maps by default.
func WithModules(src image.ModuleSource) Option {
	return func(hk *Hooker) { hk.modules = src }
}

func WithLogger(log *logrus.Logger) Option {
	return func(hk *Hooker) { hk.log = log }
}

// WithMemory replaces the memory used to patch slots.
func WithMemory(memory func(*elfinfo.Info) patch.Memory) Option {
	return func(hk *Hooker) { hk.memory = memory }
}

// New returns a Hooker configured from the environment and opts.
func New(opts ...Option) *Hooker {
	cfg, cfgErr := LoadConfig()
	hk := &Hooker{
		modules: image.ProcMaps{Path: cfg.MapsPath},
		log:     cfg.Logger(),
		memory: func(info *elfinfo.Info) patch.Memory {
			return patch.NewLiveMemory(info)
		},
	}
	for _, opt := range opts {
		opt(hk)
	}
	if cfgErr != nil {
		hk.log.WithError(cfgErr).Warn("ignoring invalid configuration")
	}
	return hk
}

var (
	defaultOnce   sync.Once
	defaultHooker *Hooker
)

func defaultHook() *Hooker {
	defaultOnce.Do(func() { defaultHooker = New() })
	return defaultHooker
}

// Install hooks symbol in the named module of the current process through the
// default Hooker. See (*Hooker).Install.
func Install(module, symbol string, replacement uintptr) (uintptr, error) {
	return defaultHook().Install(module, symbol, replacement)
}

// Install points every PLT and GOT slot of module that is bound to symbol at
// replacement and returns the slot's previous value. module is matched as a
// substring of the mapped path; an empty module selects the main executable.
//
// The original is zero when symbol is defined but no slot refers to it. When
// every slot already holds replacement, the error is ErrAlreadyHooked and the
// module is unchanged. A protection failure returns the slots patched before
// it in a *patch.Error; they are not rolled back.
//
// Slots are replaced with single aligned stores, so concurrent callers of the
// hooked function see either the old or the new target. Patches of the same
// module made through other Hookers or other tools must be serialized by the
// caller.
func (hk *Hooker) Install(module, symbol string, replacement uintptr) (original uintptr, err error) {
	if symbol == "" {
		return 0, fmt.Errorf("elfhook: %w: empty symbol name", ErrInvalidArgument)
	}
	if replacement == 0 {
		return 0, fmt.Errorf("elfhook: %w: nil replacement for %s", ErrInvalidArgument, symbol)
	}

	hk.mu.Lock()
	defer hk.mu.Unlock()

	log := hk.log.WithFields(logrus.Fields{"module": module, "symbol": symbol})

	h, err := image.OpenModule(hk.modules, module)
	if err != nil {
		if errors.Is(err, image.ErrModuleNotFound) {
			return 0, fmt.Errorf("elfhook: %w: %w", ErrNotFound, err)
		}
		return 0, fmt.Errorf("elfhook: open module %q: %w", module, err)
	}
	defer func() {
		if closeErr := h.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("elfhook: close %s: %w", h.Path(), closeErr))
		}
	}()
	log = log.WithField("path", h.Path())

	info, err := elfinfo.FromSegments(h)
	if err != nil {
		return 0, fmt.Errorf("elfhook: %s: %w", h.Path(), err)
	}
	if err := checkNative(info); err != nil {
		return 0, fmt.Errorf("elfhook: %s: %w", h.Path(), err)
	}

	res, err := hk.hook(info, symbol, uint64(replacement), log)
	if res == nil {
		return 0, err
	}
	return uintptr(res.Original), err
}

// InstallFile patches a private mapping of the ELF file at path, for offline
// inspection of what Install would rewrite. The file itself is never written.
// Any supported machine is accepted.
func (hk *Hooker) InstallFile(path, symbol string, replacement uint64, view elfinfo.View) (res *patch.Result, err error) {
	if symbol == "" {
		return nil, fmt.Errorf("elfhook: %w: empty symbol name", ErrInvalidArgument)
	}
	if replacement == 0 {
		return nil, fmt.Errorf("elfhook: %w: nil replacement for %s", ErrInvalidArgument, symbol)
	}

	hk.mu.Lock()
	defer hk.mu.Unlock()

	h, err := image.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("elfhook: %w", err)
	}
	defer func() {
		if closeErr := h.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("elfhook: close %s: %w", path, closeErr))
		}
	}()

	info, err := elfinfo.Extract(h, view)
	if err != nil {
		return nil, fmt.Errorf("elfhook: %s: %w", path, err)
	}
	if !elfinfo.SupportedMachine(info.Machine) {
		return nil, fmt.Errorf("elfhook: %s: %w: unsupported machine %s", path, ErrParse, info.Machine)
	}

	log := hk.log.WithFields(logrus.Fields{"path": path, "symbol": symbol, "view": view})
	return hk.hook(info, symbol, replacement, log)
}

func (hk *Hooker) hook(info *elfinfo.Info, symbol string, replacement uint64, log *logrus.Entry) (*patch.Result, error) {
	sym, err := info.Lookup(symbol)
	if err != nil {
		if errors.Is(err, elfinfo.ErrSymbolNotFound) {
			log.Debug("symbol not in dynamic symbol table")
			return nil, fmt.Errorf("elfhook: %w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("elfhook: lookup %s: %w", symbol, err)
	}
	log.WithField("index", sym.Index).Debug("resolved symbol")

	res, err := patch.New(info, hk.memory(info), log).Patch(sym.Index, replacement)
	if err != nil {
		if errors.Is(err, patch.ErrReplacementWidth) {
			return res, fmt.Errorf("elfhook: %w: %w", ErrInvalidArgument, err)
		}
		return res, fmt.Errorf("elfhook: hook %s: %w", symbol, err)
	}
	if len(res.Records) > 0 && res.Patched() == 0 {
		return res, fmt.Errorf("elfhook: %s: %w", symbol, ErrAlreadyHooked)
	}
	if len(res.Records) == 0 {
		log.Info("symbol has no relocation slots")
	}
	return res, nil
}

// checkNative rejects images that cannot have been loaded by this process.
func checkNative(info *elfinfo.Info) error {
	want, ok := nativeMachine()
	if !ok {
		return fmt.Errorf("%w: unsupported architecture %s", ErrParse, runtime.GOARCH)
	}
	if info.Machine != want {
		return fmt.Errorf("%w: foreign machine %s, expected %s", ErrParse, info.Machine, want)
	}
	if info.WordSize() != wordSize {
		return fmt.Errorf("%w: foreign class %s", ErrParse, info.Class)
	}
	return nil
}

const wordSize = 4 << (^uintptr(0) >> 63)

func nativeMachine() (elf.Machine, bool) {
	switch runtime.GOARCH {
	case "386":
		return elf.EM_386, true
	case "amd64":
		return elf.EM_X86_64, true
	case "arm":
		return elf.EM_ARM, true
	case "arm64":
		return elf.EM_AARCH64, true
	case "riscv64":
		return elf.EM_RISCV, true
	default:
		return 0, false
	}
}

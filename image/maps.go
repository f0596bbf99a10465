package image

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultMapsPath is the module list of the calling process.
const DefaultMapsPath = "/proc/self/maps"

// Module is one file-backed mapping reported by a ModuleSource.
type Module struct {
	Start  uintptr
	End    uintptr
	Offset uintptr
	Perms  string
	Path   string
}

// Base returns the load base of the image the mapping belongs to.
func (m Module) Base() uintptr {
	return m.Start - m.Offset
}

// ModuleSource lists the modules mapped into the current process, in address
// order. It exists so handles can be opened against fixture data.
type ModuleSource interface {
	Modules() ([]Module, error)
}

// ProcMaps reads a /proc/<pid>/maps formatted file.
type ProcMaps struct {
	Path string
}

// StaticModules is a fixed module list.
type StaticModules []Module

func (s StaticModules) Modules() ([]Module, error) {
	return []Module(s), nil
}

func (p ProcMaps) Modules() ([]Module, error) {
	path := p.Path
	if path == "" {
		path = DefaultMapsPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseProcMaps(string(raw)), nil
}

func parseProcMaps(raw string) []Module {
	lines := strings.Split(raw, "\n")
	entries := make([]Module, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := parseHexUintptr(rangeParts[0])
		end, endErr := parseHexUintptr(rangeParts[1])
		offset, offsetErr := parseHexUintptr(fields[2])
		if startErr != nil || endErr != nil || offsetErr != nil {
			continue
		}
		if start < offset || end <= start {
			continue
		}

		path := ""
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
			path = strings.TrimSuffix(path, " (deleted)")
		}
		// anonymous regions, [heap], [stack], [vvar]
		if path == "" || !strings.HasPrefix(path, "/") {
			continue
		}

		entries = append(entries, Module{
			Start:  start,
			End:    end,
			Offset: offset,
			Perms:  fields[1],
			Path:   path,
		})
	}
	return entries
}

func parseHexUintptr(s string) (uintptr, error) {
	if s == "" {
		return 0, errors.New("empty hex string")
	}
	var out uintptr
	for _, r := range s {
		out <<= 4
		switch {
		case r >= '0' && r <= '9':
			out += uintptr(r - '0')
		case r >= 'a' && r <= 'f':
			out += uintptr(r-'a') + 10
		case r >= 'A' && r <= 'F':
			out += uintptr(r-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex string %q", s)
		}
	}
	return out, nil
}

// findModule picks the first module whose path contains name, or the first
// module at all when name is empty. The returned end covers every following
// mapping of the same path that is contiguous with it.
func findModule(modules []Module, name string) (Module, uintptr, bool) {
	for i, module := range modules {
		if name != "" && !strings.Contains(module.Path, name) {
			continue
		}
		end := module.End
		for _, next := range modules[i+1:] {
			if next.Path != module.Path || next.Start != end {
				break
			}
			end = next.End
		}
		return module, end, true
	}
	return Module{}, 0, false
}

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/elfhook"
	"github.com/sliverarmory/elfhook/image"
	"github.com/sliverarmory/elfhook/internal/native"
)

var (
	loadPath    string
	inMemory    bool
	moduleName  string
	symbolName  string
	replaceWith string
	callExport  string
	callArgs    []uint
)

var hookCmd = &cobra.Command{
	Use:   "hook --load <shared library> --symbol <name> --replacement <export>",
	Short: "Load a shared library, hook one of its imports and call into it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !native.Supported {
			return errors.New("hook needs a linux build with cgo enabled")
		}
		if len(callArgs) > 3 {
			return fmt.Errorf("--arg: at most 3 arguments, got %d", len(callArgs))
		}

		lib, err := loadLibrary()
		if err != nil {
			return err
		}
		defer lib.Close()

		module := moduleName
		if module == "" {
			if module, err = lib.MappedPath(); err != nil {
				return fmt.Errorf("locate %s in the module list: %w", lib.Path(), err)
			}
		}
		replacement, err := lib.Sym(replaceWith)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		call := func(stage string) error {
			if callExport == "" {
				return nil
			}
			fn, err := lib.Sym(callExport)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %s%v = %d\n", stage, callExport, callArgs, callN(fn, callArgs))
			return nil
		}
		if err := call("before"); err != nil {
			return err
		}

		hk := elfhook.New(elfhook.WithModules(image.ProcMaps{Path: cfg.MapsPath}), elfhook.WithLogger(log))
		original, err := hk.Install(module, symbolName, replacement)
		status := elfhook.StatusOf(err)
		fmt.Fprintf(out, "hook %s in %s: %s (original %#x, replacement %#x)\n", symbolName, module, status, original, replacement)
		if err != nil && !errors.Is(err, elfhook.ErrAlreadyHooked) {
			return err
		}
		return call("after")
	},
}

func loadLibrary() (*native.Library, error) {
	if !inMemory {
		return native.Open(loadPath)
	}
	data, err := os.ReadFile(loadPath)
	if err != nil {
		return nil, fmt.Errorf("read shared library: %w", err)
	}
	return native.Load(data)
}

// callN calls fn with up to three integer arguments and returns the C int
// result.
func callN(fn uintptr, args []uint) int32 {
	a := make([]uintptr, 3)
	for i, v := range args {
		a[i] = uintptr(v)
	}
	switch len(args) {
	case 0:
		return int32(native.Call0(fn))
	case 1:
		return int32(native.Call1(fn, a[0]))
	case 2:
		return int32(native.Call2(fn, a[0], a[1]))
	default:
		return int32(native.Call3(fn, a[0], a[1], a[2]))
	}
}

func init() {
	f := hookCmd.Flags()
	f.StringVar(&loadPath, "load", "", "Shared library to load")
	f.BoolVar(&inMemory, "in-memory", false, "Load the library from an unlinked tmpfs copy")
	f.StringVar(&moduleName, "module", "", "Module to patch, matched against mapped paths (default: the loaded library)")
	f.StringVar(&symbolName, "symbol", "", "Imported symbol to redirect")
	f.StringVar(&replaceWith, "replacement", "", "Export of the loaded library to redirect to")
	f.StringVar(&callExport, "call-export", "", "Export to call before and after hooking")
	f.UintSliceVar(&callArgs, "arg", nil, "Integer argument for --call-export (repeatable)")
	_ = hookCmd.MarkFlagRequired("load")
	_ = hookCmd.MarkFlagRequired("symbol")
	_ = hookCmd.MarkFlagRequired("replacement")
}

//go:build linux

package elfhook_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sliverarmory/elfhook"
	"github.com/sliverarmory/elfhook/elfinfo"
)

func buildGoSharedLib(t *testing.T, outDir string) string {
	t.Helper()
	requireCommand(t, "go")

	outputPath := filepath.Join(outDir, "libbasic_go_linux-"+runtime.GOARCH+".so")
	cmd := exec.Command("go", "build", "-buildmode=c-shared", "-trimpath", "-o", outputPath, "./testdata/go/basic")
	cmd.Env = overrideEnv(os.Environ(), map[string]string{
		"CGO_ENABLED": "1",
		"GOCACHE":     filepath.Join(os.TempDir(), "elfhook-go-build-cache"),
	})
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("go build -buildmode=c-shared: %v\n%s", err, out)
	}
	_ = os.Remove(outputPath[:len(outputPath)-len(".so")] + ".h")
	return outputPath
}

// A Go c-shared library reaches libc through the same PLT as C code does.
func TestHookGoSharedLibraryImports(t *testing.T) {
	soPath := buildGoSharedLib(t, t.TempDir())
	before, err := os.ReadFile(soPath)
	if err != nil {
		t.Fatalf("read %s: %v", soPath, err)
	}

	hk := elfhook.New()
	for _, view := range []elfinfo.View{elfinfo.SegmentView, elfinfo.SectionView} {
		for _, symbol := range []string{"strdup", "free"} {
			res, err := hk.InstallFile(soPath, symbol, 0x1000, view)
			if err != nil {
				t.Fatalf("InstallFile(%s, %s): %v", symbol, view, err)
			}
			if res.Patched() == 0 {
				t.Fatalf("InstallFile(%s, %s) found no slots", symbol, view)
			}
		}
	}

	after, err := os.ReadFile(soPath)
	if err != nil {
		t.Fatalf("read %s: %v", soPath, err)
	}
	if string(before) != string(after) {
		t.Fatalf("InstallFile modified %s", soPath)
	}
}

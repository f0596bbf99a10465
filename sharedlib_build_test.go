package elfhook_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const hookSource = "testdata/c/addhook.c"

// buildHookLibrary compiles testdata/c/addhook.c for goarch with zig cc, or
// with the host cc when goarch is native and zig is missing. Optimization is
// off so calls to add stay behind the PLT.
func buildHookLibrary(t *testing.T, outDir, goarch string, native bool) string {
	t.Helper()

	outputPath := filepath.Join(outDir, fmt.Sprintf("libaddhook_linux-%s.so", goarch))
	args := []string{"-shared", "-fPIC", "-O0", "-g0", "-o", outputPath, hookSource}

	if _, err := exec.LookPath("zig"); err == nil {
		target, ok := zigTargetFor(goarch)
		if !ok {
			t.Skipf("no zig target for linux/%s", goarch)
		}
		cmd := exec.Command("zig", append([]string{"cc", "-target", target}, args...)...)
		cmd.Env = overrideEnv(os.Environ(), map[string]string{
			"ZIG_GLOBAL_CACHE_DIR": filepath.Join(os.TempDir(), "elfhook-zig-global-cache"),
			"ZIG_LOCAL_CACHE_DIR":  filepath.Join(os.TempDir(), "elfhook-zig-local-cache"),
		})
		out, err := cmd.CombinedOutput()
		if err == nil {
			return outputPath
		}
		if !native {
			t.Fatalf("build hook library linux/%s: %v\n%s", goarch, err, out)
		}
		t.Logf("zig cc failed for linux/%s, retrying with cc: %v\n%s", goarch, err, out)
	}

	if !native {
		t.Skipf("zig not found in PATH, cannot cross compile linux/%s", goarch)
	}
	if _, err := exec.LookPath("cc"); err != nil {
		t.Skip("neither zig nor cc found in PATH")
	}
	out, err := exec.Command("cc", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("build hook library with cc: %v\n%s", err, out)
	}
	return outputPath
}

func zigTargetFor(goarch string) (string, bool) {
	switch goarch {
	case "386":
		return "x86-linux-gnu", true
	case "amd64":
		return "x86_64-linux-gnu", true
	case "arm":
		return "arm-linux-gnueabihf", true
	case "arm64":
		return "aarch64-linux-gnu", true
	case "riscv64":
		return "riscv64-linux-gnu", true
	default:
		return "", false
	}
}

func overrideEnv(base []string, overrides map[string]string) []string {
	block := make(map[string]struct{}, len(overrides))
	for key := range overrides {
		block[key] = struct{}{}
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		if _, drop := block[kv[:eq]]; drop {
			continue
		}
		out = append(out, kv)
	}

	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}

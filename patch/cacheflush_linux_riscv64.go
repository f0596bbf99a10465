//go:build linux && riscv64

package patch

import (
	"golang.org/x/sys/unix"
)

// riscv_flush_icache, all harts
const sysRiscvFlushICache = 259

func flushICache(start, end uintptr) error {
	if _, _, errno := unix.Syscall(sysRiscvFlushICache, start, end, 0); errno != 0 {
		return errno
	}
	return nil
}

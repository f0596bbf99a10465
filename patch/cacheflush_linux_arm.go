//go:build linux && arm

package patch

import (
	"golang.org/x/sys/unix"
)

// __ARM_NR_cacheflush
const sysCacheflush = 0xf0002

func flushICache(start, end uintptr) error {
	if _, _, errno := unix.Syscall(sysCacheflush, start, end, 0); errno != 0 {
		return errno
	}
	return nil
}

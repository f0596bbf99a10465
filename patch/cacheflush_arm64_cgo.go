//go:build arm64 && cgo

package patch

/*
static void elfhook_clear_cache(void *start, void *end) {
	__builtin___clear_cache((char *)start, (char *)end);
}
*/
import "C"

import "unsafe"

func flushICache(start, end uintptr) error {
	C.elfhook_clear_cache(unsafe.Pointer(start), unsafe.Pointer(end))
	return nil
}

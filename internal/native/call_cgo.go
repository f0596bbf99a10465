//go:build linux && cgo

package native

/*
#include <stdint.h>

typedef uintptr_t (*elfhook_fn0)(void);
typedef uintptr_t (*elfhook_fn1)(uintptr_t);
typedef uintptr_t (*elfhook_fn2)(uintptr_t, uintptr_t);
typedef uintptr_t (*elfhook_fn3)(uintptr_t, uintptr_t, uintptr_t);

static uintptr_t elfhook_call0(uintptr_t fn) {
	return ((elfhook_fn0)fn)();
}

static uintptr_t elfhook_call1(uintptr_t fn, uintptr_t a0) {
	return ((elfhook_fn1)fn)(a0);
}

static uintptr_t elfhook_call2(uintptr_t fn, uintptr_t a0, uintptr_t a1) {
	return ((elfhook_fn2)fn)(a0, a1);
}

static uintptr_t elfhook_call3(uintptr_t fn, uintptr_t a0, uintptr_t a1, uintptr_t a2) {
	return ((elfhook_fn3)fn)(a0, a1, a2);
}
*/
import "C"

import "errors"

var ErrClosed = errors.New("library is closed")

// Supported reports whether libraries can be loaded in this build.
const Supported = true

// Call0 calls the C function at fn with no arguments.
func Call0(fn uintptr) uintptr {
	return uintptr(C.elfhook_call0(C.uintptr_t(fn)))
}

func Call1(fn, a0 uintptr) uintptr {
	return uintptr(C.elfhook_call1(C.uintptr_t(fn), C.uintptr_t(a0)))
}

func Call2(fn, a0, a1 uintptr) uintptr {
	return uintptr(C.elfhook_call2(C.uintptr_t(fn), C.uintptr_t(a0), C.uintptr_t(a1)))
}

func Call3(fn, a0, a1, a2 uintptr) uintptr {
	return uintptr(C.elfhook_call3(C.uintptr_t(fn), C.uintptr_t(a0), C.uintptr_t(a1), C.uintptr_t(a2)))
}

// Package main exposes the decompiler through a handle-based C ABI,
// built with:
//
//	go build -buildmode=c-shared -o librcdecomp.so ./capi
//
// The handle wraps a decomp.Context; analysis state never crosses the
// boundary.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"runtime/cgo"

	"github.com/seclususs/rcdecomp/pkg/decomp"
)

//export create_context
func create_context() C.uintptr_t {
	ctx := decomp.NewContext()
	return C.uintptr_t(cgo.NewHandle(ctx))
}

//export load_binary
func load_binary(handle C.uintptr_t, path *C.char) C.int {
	if handle == 0 || path == nil {
		return -1
	}
	h := cgo.Handle(handle)
	ctx, ok := h.Value().(*decomp.Context)
	if !ok {
		return -1
	}
	_, status := ctx.LoadBinary(C.GoString(path))
	return C.int(status)
}

//export last_error
func last_error(handle C.uintptr_t) *C.char {
	if handle == 0 {
		return nil
	}
	ctx, ok := cgo.Handle(handle).Value().(*decomp.Context)
	if !ok {
		return nil
	}
	return C.CString(ctx.LastError)
}

//export free_context
func free_context(handle C.uintptr_t) {
	if handle == 0 {
		return
	}
	cgo.Handle(handle).Delete()
}

func main() {}

package decomp

import (
	"strings"
	"testing"

	"github.com/seclususs/rcdecomp/pkg/loader"
)

// pipelineImage is a two-function image: entry calls a leaf that returns
// a constant.
func pipelineImage() *loader.VirtualMemory {
	code := make([]byte, 0x40)
	copy(code[0x00:], []byte{0x55})                            // push rbp
	copy(code[0x01:], []byte{0xE8, 0x1A, 0x00, 0x00, 0x00})    // call 0x1020
	copy(code[0x06:], []byte{0x5D})                            // pop rbp
	copy(code[0x07:], []byte{0xC3})                            // ret
	copy(code[0x20:], []byte{0x48, 0xC7, 0xC0, 0x2A, 0, 0, 0}) // mov rax, 42
	copy(code[0x27:], []byte{0xC3})                            // ret
	vm := loader.NewVirtualMemory(0x1000, "x86_64", "elf")
	vm.AddSegment(0x1000, code, loader.PermRead|loader.PermExec, ".text")
	vm.Symbols[0x1000] = "main"
	return vm
}

func TestAnalyzeEndToEnd(t *testing.T) {
	res := Analyze(pipelineImage(), Options{Workers: 2})
	if len(res.Functions) != 2 {
		t.Fatalf("decompiled %d functions, want 2", len(res.Functions))
	}
	if res.Functions[0].Name != "main" {
		t.Errorf("first function name = %q", res.Functions[0].Name)
	}
	if res.Functions[1].Name != "sub_1020" {
		t.Errorf("second function name = %q", res.Functions[1].Name)
	}
	if !strings.Contains(res.Source, "long main(") {
		t.Error("source missing main definition")
	}
	if !strings.Contains(res.Source, "#include <stdint.h>") {
		t.Error("source missing header prologue")
	}
	for _, fn := range res.Functions {
		if fn.BlockCount == 0 || fn.Code == "" {
			t.Errorf("function %s has no blocks or code", fn.Name)
		}
	}
}

func TestContextStatusCodes(t *testing.T) {
	ctx := NewContext()
	if _, status := ctx.LoadBinary("/nonexistent/binary"); status != -2 {
		t.Errorf("missing file status = %d, want -2", status)
	}
	if ctx.LastError == "" {
		t.Error("context did not record the error")
	}
}

func TestResultTableOrdering(t *testing.T) {
	tbl := NewResultTable()
	tbl.Add(FunctionResult{Entry: 0x300, Name: "c"})
	tbl.Add(FunctionResult{Entry: 0x100, Name: "a"})
	tbl.Add(FunctionResult{Entry: 0x200, Name: "b"})
	fns := tbl.Functions()
	if fns[0].Name != "a" || fns[1].Name != "b" || fns[2].Name != "c" {
		t.Errorf("results not address-sorted: %+v", fns)
	}
	if tbl.Len() != 3 {
		t.Errorf("len = %d", tbl.Len())
	}
}

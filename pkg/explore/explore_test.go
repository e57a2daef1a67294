package explore

import (
	"testing"

	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/loader"
)

// testImage maps code at 0x1000: a main function calling a leaf at
// 0x1020, both ending in ret.
//
//	0x1000: push rbp
//	0x1001: call 0x1020
//	0x1006: ret
//	0x1020: mov rax, 1    (leaf, no symbol)
//	0x1027: ret
func testImage() *loader.VirtualMemory {
	code := make([]byte, 0x30)
	copy(code[0x00:], []byte{0x55})                               // push rbp
	copy(code[0x01:], []byte{0xE8, 0x1A, 0x00, 0x00, 0x00})       // call +0x1a -> 0x1020
	copy(code[0x06:], []byte{0xC3})                               // ret
	copy(code[0x20:], []byte{0x48, 0xC7, 0xC0, 0x01, 0, 0, 0})    // mov rax, 1
	copy(code[0x27:], []byte{0xC3})                               // ret
	vm := loader.NewVirtualMemory(0x1000, "x86_64", "elf")
	vm.AddSegment(0x1000, code, loader.PermRead|loader.PermExec, ".text")
	vm.Symbols[0x1000] = "main"
	return vm
}

func TestExplorerDiscoversCallTargets(t *testing.T) {
	vm := testImage()
	e := NewExplorer(2)
	e.Run(vm)

	funcs := e.Functions()
	if _, ok := funcs[0x1000]; !ok {
		t.Fatal("seed function not discovered")
	}
	leaf, ok := funcs[0x1020]
	if !ok {
		t.Fatal("call target not promoted to a function")
	}
	if leaf.InstrCount != 2 {
		t.Errorf("leaf instruction count = %d, want 2", leaf.InstrCount)
	}
	if len(leaf.IR) == 0 || leaf.IR[0].Addr != 0x1020 {
		t.Error("leaf IR missing or unsorted")
	}
}

// TestOutputReachability checks the output invariant: every emitted
// statement address was visited by the trace.
func TestOutputReachability(t *testing.T) {
	vm := testImage()
	e := NewExplorer(1)
	e.Run(vm)
	for entry, fn := range e.Functions() {
		for _, s := range fn.IR {
			if s.Addr < entry && s.Addr != 0 {
				t.Errorf("function 0x%x emitted statement below entry: 0x%x", entry, s.Addr)
			}
			if !e.covered[s.Addr] {
				t.Errorf("statement at 0x%x not reachable from any trace", s.Addr)
			}
		}
	}
}

func TestJumpTableResolution(t *testing.T) {
	vm := loader.NewVirtualMemory(0x1000, "x86_64", "elf")
	// Code segment: targets for the table entries.
	code := make([]byte, 0x40)
	code[0x10] = 0xC3 // 0x1010: ret
	code[0x20] = 0xC3 // 0x1020: ret
	code[0x30] = 0xC3 // 0x1030: ret
	vm.AddSegment(0x1000, code, loader.PermRead|loader.PermExec, ".text")
	// Read-only table at 0x2000: three 8-byte entries.
	table := make([]byte, 24)
	for i, target := range []uint64{0x1010, 0x1020, 0x1030} {
		for b := 0; b < 8; b++ {
			table[i*8+b] = byte(target >> (8 * b))
		}
	}
	vm.AddSegment(0x2000, table, loader.PermRead, ".rodata")

	history := []*disasm.Instruction{
		{ // cmp rcx, 2
			Addr: 0x1080, Mnemonic: "cmp",
			Operands: []disasm.Operand{
				{Kind: disasm.OperandRegister, Reg: "rcx"},
				{Kind: disasm.OperandImmediate, Imm: 2},
			},
			Bytes: []byte{0x48, 0x83, 0xF9, 0x02},
		},
		{ // lea rdx, [rip+disp] resolving to 0x2000
			Addr: 0x1084, Mnemonic: "lea",
			Operands: []disasm.Operand{
				{Kind: disasm.OperandRegister, Reg: "rdx"},
				{Kind: disasm.OperandMemory, Base: "rip", Disp: 0x2000 - 0x108B},
			},
			Bytes: []byte{0x48, 0x8D, 0x15, 0, 0, 0, 0},
		},
	}
	jmp := &disasm.Instruction{
		Addr: 0x1090, Mnemonic: "jmp",
		Operands: []disasm.Operand{
			{Kind: disasm.OperandMemory, Base: "rdx", Index: "rcx", Scale: 8},
		},
		Bytes: []byte{0xFF, 0x24, 0xCA},
	}

	targets := ResolveJumpTable(jmp, history, vm)
	if len(targets) != 3 {
		t.Fatalf("resolved %d targets, want 3 (%#x)", len(targets), targets)
	}
	want := []uint64{0x1010, 0x1020, 0x1030}
	for i, w := range want {
		if targets[i] != w {
			t.Errorf("target[%d] = 0x%x, want 0x%x", i, targets[i], w)
		}
	}
}

func TestJumpTableUnresolvable(t *testing.T) {
	vm := loader.NewVirtualMemory(0x1000, "x86_64", "elf")
	jmp := &disasm.Instruction{
		Addr: 0x1090, Mnemonic: "jmp",
		Operands: []disasm.Operand{
			{Kind: disasm.OperandMemory, Base: "rdx", Index: "rcx", Scale: 8},
		},
	}
	if got := ResolveJumpTable(jmp, nil, vm); got != nil {
		t.Errorf("unresolvable table returned %v", got)
	}
	// Register-direct jump is not a table.
	reg := &disasm.Instruction{
		Addr: 0x1090, Mnemonic: "jmp",
		Operands: []disasm.Operand{{Kind: disasm.OperandRegister, Reg: "rax"}},
	}
	if got := ResolveJumpTable(reg, nil, vm); got != nil {
		t.Errorf("register jump returned %v", got)
	}
}

func TestGapAnalysisFindsPrologue(t *testing.T) {
	code := make([]byte, 0x30)
	// Entry function at 0x1000: just ret.
	code[0] = 0xC3
	// Unreferenced function at 0x1010 (aligned): push rbp; mov rbp,rsp; ret.
	copy(code[0x10:], []byte{0x55, 0x48, 0x89, 0xE5, 0xC3})
	vm := loader.NewVirtualMemory(0x1000, "x86_64", "elf")
	vm.AddSegment(0x1000, code, loader.PermRead|loader.PermExec, ".text")

	e := NewExplorer(1)
	e.Run(vm)
	if _, ok := e.Functions()[0x1010]; !ok {
		t.Error("gap analysis missed the prologue at 0x1010")
	}
}

func TestPaddingSkipped(t *testing.T) {
	vm := loader.NewVirtualMemory(0x1000, "x86_64", "elf")
	code := make([]byte, 0x20)
	code[0] = 0xC3
	for i := 0x10; i < 0x20; i++ {
		code[i] = 0xCC
	}
	vm.AddSegment(0x1000, code, loader.PermRead|loader.PermExec, ".text")
	e := NewExplorer(1)
	e.Run(vm)
	if len(e.Functions()) != 1 {
		t.Errorf("padding produced functions: %d", len(e.Functions()))
	}
}

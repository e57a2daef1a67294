package ssa

import (
	"testing"

	"github.com/seclususs/rcdecomp/pkg/ir"
)

func TestAliasStackPropagation(t *testing.T) {
	// rax = rbp; rax -= 0x10: rax now points at Stack(-0x10).
	stmts := []*ir.Statement{
		ir.NewStatement(0x10, ir.Mov, ir.Reg("rax"), ir.Reg("rbp")),
		ir.NewStatement(0x14, ir.Sub, ir.Reg("rax"), ir.Imm(0x10)),
	}
	a := NewAliasAnalyzer()
	a.Analyze(stmts, "rbp")

	st, ok := a.RegionOf(ir.Reg("rax"))
	if !ok || st.Region.Kind != RegionStack || st.Offset != -0x10 {
		t.Fatalf("rax state = %+v, %v", st, ok)
	}
	if key := a.MemoryKey(ir.MemRef("rax", 8)); key != "mem_stack_-8" {
		t.Errorf("memory key = %q, want mem_stack_-8", key)
	}
}

func TestAliasHeapFromCall(t *testing.T) {
	call := ir.NewStatement(0x20, ir.Call, ir.Reg("rax"), ir.None())
	call.Extra = []*ir.Operand{ir.Reg("rdi")}
	a := NewAliasAnalyzer()
	a.Analyze([]*ir.Statement{call}, "rbp")

	st, ok := a.RegionOf(ir.Reg("rax"))
	if !ok || st.Region.Kind != RegionHeap || st.Region.Addr != 0x20 {
		t.Fatalf("call return state = %+v", st)
	}
	if !a.IsEscaped("rdi") {
		t.Error("call arguments must escape")
	}
	if !a.KeyEscaped("mem_heap_20") {
		t.Error("allocation region must be escaped under its memory key")
	}
	if a.KeyEscaped("mem_heap_99") {
		t.Error("unrelated heap key reported escaped")
	}
}

func TestKeyEscapedSymbolicRegion(t *testing.T) {
	// rcx aliases the caller-provided rdi; passing rcx to a call escapes
	// the whole symbolic region, so every offset's key is gated.
	call := ir.NewStatement(0x14, ir.Call, ir.Imm(0x400), ir.None())
	call.Extra = []*ir.Operand{ir.Reg("rcx")}
	stmts := []*ir.Statement{
		ir.NewStatement(0x10, ir.Mov, ir.Reg("rcx"), ir.Reg("rdi")),
		call,
	}
	a := NewAliasAnalyzer()
	a.Analyze(stmts, "rbp")

	for _, key := range []string{"mem_sym_rdi_0", "mem_sym_rdi_8", "mem_sym_rdi_-16"} {
		if !a.KeyEscaped(key) {
			t.Errorf("%s not escaped after base pointer escaped", key)
		}
	}
	if a.KeyEscaped("mem_sym_rsi_0") {
		t.Error("unescaped symbolic base reported escaped")
	}
	// Variable-name escapes stay on their own map.
	if a.IsEscaped("mem_sym_rdi_0") {
		t.Error("IsEscaped must not answer for memory keys")
	}
}

func TestAliasEscapeViaStore(t *testing.T) {
	stmts := []*ir.Statement{
		ir.NewStatement(0x30, ir.Mov, ir.MemRef("rbp", -8), ir.Reg("rcx")),
	}
	a := NewAliasAnalyzer()
	a.Analyze(stmts, "rbp")
	if !a.IsEscaped("rcx") {
		t.Error("stored value must be marked escaped")
	}
}

func TestAliasImulDropsState(t *testing.T) {
	stmts := []*ir.Statement{
		ir.NewStatement(0x40, ir.Mov, ir.Reg("rax"), ir.Reg("rbp")),
		ir.NewStatement(0x44, ir.Imul, ir.Reg("rax"), ir.Imm(3)),
	}
	a := NewAliasAnalyzer()
	a.Analyze(stmts, "rbp")
	if _, ok := a.RegionOf(ir.Reg("rax")); ok {
		t.Error("imul must drop pointer state")
	}
}

func TestMayAlias(t *testing.T) {
	stmts := []*ir.Statement{
		ir.NewStatement(0x50, ir.Mov, ir.Reg("rax"), ir.Reg("rbp")),
		ir.NewStatement(0x54, ir.Sub, ir.Reg("rax"), ir.Imm(8)),
		ir.NewStatement(0x58, ir.Mov, ir.Reg("rbx"), ir.Reg("rbp")),
		ir.NewStatement(0x5C, ir.Sub, ir.Reg("rbx"), ir.Imm(16)),
	}
	call := ir.NewStatement(0x60, ir.Call, ir.Reg("rcx"), ir.None())
	stmts = append(stmts, call)

	a := NewAliasAnalyzer()
	a.Analyze(stmts, "rbp")

	if a.MayAlias(ir.Reg("rax"), ir.Reg("rbx")) {
		t.Error("distinct stack offsets cannot alias")
	}
	if a.MayAlias(ir.Reg("rax"), ir.Reg("rcx")) {
		t.Error("stack and heap cannot alias")
	}
	if !a.MayAlias(ir.Reg("rax"), ir.Reg("rax")) {
		t.Error("same slot must alias itself")
	}
	// A register with no recorded state stays conservative.
	if !a.MayAlias(ir.Reg("rax"), ir.Reg("r15")) {
		t.Error("unknown regions alias everything")
	}
	if a.MayAlias(ir.MemAbs(0x1000), ir.MemAbs(0x2000)) {
		t.Error("distinct globals cannot alias")
	}
}

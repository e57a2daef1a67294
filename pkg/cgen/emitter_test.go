package cgen

import (
	"strings"
	"testing"

	"github.com/seclususs/rcdecomp/pkg/ast"
	"github.com/seclususs/rcdecomp/pkg/ir"
	"github.com/seclususs/rcdecomp/pkg/typing"
)

func TestFunctionName(t *testing.T) {
	symbols := map[uint64]string{0x400: "main", 0x500: "std::throw@plt"}
	tests := []struct {
		addr uint64
		want string
	}{
		{0x400, "main"},
		{0x500, "std__throw_plt"},
		{0x1000, "entry_point"},
		{0x2000, "sub_2000"},
	}
	for _, tc := range tests {
		if got := FunctionName(tc.addr, 0x1000, symbols); got != tc.want {
			t.Errorf("FunctionName(0x%x) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestEmitIfElse(t *testing.T) {
	tree := &ast.Node{
		Kind: ast.NodeIfElse,
		Cond: "rax == 0x5",
		TrueBody: &ast.Node{Kind: ast.NodeBlock, Stmts: []*ir.Statement{
			ir.NewStatement(0x10, ir.Mov, ir.SSA("rbx", 1), ir.Imm(1)),
		}},
		FalseBody: &ast.Node{Kind: ast.NodeBlock, Stmts: []*ir.Statement{
			ir.NewStatement(0x14, ir.Mov, ir.SSA("rbx", 2), ir.Imm(2)),
		}},
	}
	out := NewEmitter().Function("demo", tree, typing.NewSystem(), nil, nil)
	for _, want := range []string{
		"long demo(void) {",
		"if (rax == 0x5) {",
		"rbx_1 = 0x1;",
		"} else {",
		"rbx_2 = 0x2;",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestEmitLoopAndArtifactSuppression(t *testing.T) {
	tree := &ast.Node{
		Kind:    ast.NodeLoop,
		Cond:    "rcx_1 < 0xa",
		DoWhile: true,
		Body: &ast.Node{Kind: ast.NodeBlock, Stmts: []*ir.Statement{
			ir.NewStatement(0x10, ir.Add, ir.SSA("rcx", 2), ir.Expr(ir.Add, ir.SSA("rcx", 1), ir.Imm(1))),
			ir.NewStatement(0x10, ir.Mov, ir.Reg("eflags_zf"), ir.Imm(0)),
			ir.NewStatement(0x14, ir.Cmp, ir.Reg("temp_alu_flags"), ir.None()),
		}},
	}
	out := NewEmitter().Function("loopy", tree, typing.NewSystem(), nil, nil)
	if !strings.Contains(out, "do {") || !strings.Contains(out, "} while (rcx_1 < 0xa);") {
		t.Errorf("do-while shape missing:\n%s", out)
	}
	if strings.Contains(out, "eflags_zf") {
		t.Error("flag artifact leaked into output")
	}
	if strings.Contains(out, "temp_alu_flags") {
		t.Error("compare scratch leaked into output")
	}
}

func TestStructDefsPadding(t *testing.T) {
	sys := typing.NewSystem()
	sys.Structs["node"] = &typing.StructLayout{
		Name: "node",
		Fields: map[int64]*typing.Type{
			0:  typing.PointerTo(typing.StructOf("node")),
			16: typing.Integer(4),
		},
	}
	out := NewEmitter().StructDefs(sys)
	for _, want := range []string{
		"struct node {",
		"struct node* field_0;",
		"char pad_8[8];",
		"int32_t field_10;",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("struct defs missing %q:\n%s", want, out)
		}
	}
}

func TestEmitCall(t *testing.T) {
	call := ir.NewStatement(0x10, ir.Call, ir.Imm(0x400), ir.None())
	call.Extra = []*ir.Operand{ir.SSA("rdi", 1)}
	tree := &ast.Node{Kind: ast.NodeBlock, Stmts: []*ir.Statement{call}}
	out := NewEmitter().Function("caller", tree, typing.NewSystem(), nil, []string{"rdi"})
	if !strings.Contains(out, "sub_400(rdi_1);") {
		t.Errorf("call emission wrong:\n%s", out)
	}
	if !strings.Contains(out, "long caller(int64_t rdi)") {
		t.Errorf("parameter list wrong:\n%s", out)
	}
}

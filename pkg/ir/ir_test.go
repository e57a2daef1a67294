package ir

import (
	"math"
	"testing"
)

func TestOrderedFloatNaN(t *testing.T) {
	nan := NewOrderedFloat(math.NaN())
	if nan != NewOrderedFloat(math.NaN()) {
		t.Error("NaN should equal NaN by bit pattern")
	}
	if !nan.IsNaN() {
		t.Error("IsNaN false for NaN")
	}
	big := NewOrderedFloat(math.MaxFloat64)
	if nan.Less(big) {
		t.Error("NaN must order above all finite values")
	}
	if !big.Less(nan) {
		t.Error("finite value must order below NaN")
	}
	if !NewOrderedFloat(1.0).Less(NewOrderedFloat(2.0)) {
		t.Error("1.0 < 2.0")
	}
}

func TestOperandEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b *Operand
		eq   bool
	}{
		{"same register", Reg("RAX"), Reg("rax"), true},
		{"different register", Reg("rax"), Reg("rbx"), false},
		{"same ssa", SSA("rax", 3), SSA("rax", 3), true},
		{"different version", SSA("rax", 3), SSA("rax", 4), false},
		{"same imm", Imm(42), Imm(42), true},
		{"nan float", FloatImm(math.NaN()), FloatImm(math.NaN()), true},
		{"memref", MemRef("rbp", -8), MemRef("rbp", -8), true},
		{"memref disp", MemRef("rbp", -8), MemRef("rbp", -16), false},
		{
			"expression",
			Expr(Add, Reg("rax"), Imm(1)),
			Expr(Add, Reg("rax"), Imm(1)),
			true,
		},
		{
			"expression op differs",
			Expr(Add, Reg("rax"), Imm(1)),
			Expr(Sub, Reg("rax"), Imm(1)),
			false,
		},
		{"kind mismatch", Reg("rax"), Imm(0), false},
		{"none", None(), None(), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Equal(tc.b); got != tc.eq {
				t.Errorf("Equal(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.eq)
			}
			if tc.eq && tc.a.Key() != tc.b.Key() {
				t.Errorf("equal operands with distinct keys: %q vs %q", tc.a.Key(), tc.b.Key())
			}
			if !tc.eq && tc.a.Key() == tc.b.Key() {
				t.Errorf("unequal operands share key %q", tc.a.Key())
			}
		})
	}
}

func TestOperandClone(t *testing.T) {
	orig := Expr(Add, Reg("rax"), CondOp(Imm(1), Imm(2), Imm(3)))
	c := orig.Clone()
	if !orig.Equal(c) {
		t.Fatal("clone not structurally equal")
	}
	c.Left.Reg = "rbx"
	if orig.Left.Reg != "rax" {
		t.Error("clone shares children with original")
	}
}

func TestOpcodePredicates(t *testing.T) {
	for _, op := range []Opcode{Jmp, Je, Jne, Jg, Jge, Jl, Jle, Ret} {
		if !op.IsTerminator() {
			t.Errorf("%s should be a terminator", op)
		}
	}
	if Call.IsTerminator() {
		t.Error("call is not a terminator")
	}
	if Ret.IsBranch() {
		t.Error("ret is not a branch")
	}
	if !Jle.IsConditionalBranch() || Jmp.IsConditionalBranch() {
		t.Error("conditional-branch classification wrong")
	}
	if !Add.IsCommutative() || Sub.IsCommutative() {
		t.Error("commutativity classification wrong")
	}
}

func TestStatementClone(t *testing.T) {
	s := NewStatement(0x100, Call, Reg("malloc"), None()).WithType(TypeI64)
	s.Extra = []*Operand{Reg("rdi")}
	c := s.Clone()
	c.Extra[0].Reg = "rsi"
	if s.Extra[0].Reg != "rdi" {
		t.Error("statement clone shares extras")
	}
	if c.Type != TypeI64 || c.Addr != 0x100 {
		t.Error("clone lost fields")
	}
}

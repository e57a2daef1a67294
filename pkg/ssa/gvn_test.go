package ssa

import (
	"math"
	"testing"

	"github.com/seclususs/rcdecomp/pkg/graph"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

func singleBlock(stmts ...*ir.Statement) *graph.CFG {
	c := graph.NewCFG()
	c.Entry = stmts[0].Addr
	c.Blocks[c.Entry] = &graph.BasicBlock{ID: c.Entry, Stmts: stmts}
	return c
}

func TestGVNRewritesRedundantExpression(t *testing.T) {
	// b = x + y; c = x + y  =>  c = b
	c := singleBlock(
		ir.NewStatement(0x10, ir.Add, ir.SSA("rbx", 1), ir.Expr(ir.Add, ir.SSA("rdi", 0), ir.SSA("rsi", 0))),
		ir.NewStatement(0x14, ir.Add, ir.SSA("rcx", 1), ir.Expr(ir.Add, ir.SSA("rdi", 0), ir.SSA("rsi", 0))),
		ir.NewStatement(0x18, ir.Ret, ir.None(), ir.None()),
	)
	NewExpressionOptimizer().Run(c)
	second := c.Blocks[0x10].Stmts[1]
	if second.Op != ir.Mov {
		t.Fatalf("redundant computation should become a mov, got %s", second.Op)
	}
	if second.Src.Kind != ir.KindSSA || second.Src.Name != "rbx" {
		t.Errorf("forwarded operand = %s, want rbx_1", second.Src)
	}
}

func TestGVNCommutativeCanonicalization(t *testing.T) {
	// b = x + y; c = y + x must share a value number.
	e := NewExpressionOptimizer()
	vn1 := e.valueNumber(ir.Expr(ir.Add, ir.SSA("x", 0), ir.SSA("y", 0)))
	vn2 := e.valueNumber(ir.Expr(ir.Add, ir.SSA("y", 0), ir.SSA("x", 0)))
	if vn1 != vn2 {
		t.Errorf("a+b and b+a got distinct VNs %d, %d", vn1, vn2)
	}
	// Non-commutative operators keep order.
	vn3 := e.valueNumber(ir.Expr(ir.Sub, ir.SSA("x", 0), ir.SSA("y", 0)))
	vn4 := e.valueNumber(ir.Expr(ir.Sub, ir.SSA("y", 0), ir.SSA("x", 0)))
	if vn3 == vn4 {
		t.Error("a-b and b-a must not share a VN")
	}
}

func TestGVNFloatKeying(t *testing.T) {
	e := NewExpressionOptimizer()
	vn1 := e.valueNumber(ir.FloatImm(math.NaN()))
	vn2 := e.valueNumber(ir.FloatImm(math.NaN()))
	if vn1 != vn2 {
		t.Error("identical NaN bit patterns must share a VN")
	}
	vn3 := e.valueNumber(ir.FloatImm(1.5))
	if vn1 == vn3 {
		t.Error("distinct floats share a VN")
	}
}

func TestSimplifyIdentities(t *testing.T) {
	x := ir.SSA("x", 1)
	tests := []struct {
		name string
		in   *ir.Operand
		want *ir.Operand
	}{
		{"x+0", ir.Expr(ir.Add, x.Clone(), ir.Imm(0)), x},
		{"0+x", ir.Expr(ir.Add, ir.Imm(0), x.Clone()), x},
		{"x*1", ir.Expr(ir.Imul, x.Clone(), ir.Imm(1)), x},
		{"x*0", ir.Expr(ir.Imul, x.Clone(), ir.Imm(0)), ir.Imm(0)},
		{"x-x", ir.Expr(ir.Sub, x.Clone(), x.Clone()), ir.Imm(0)},
		{"x/x", ir.Expr(ir.Div, x.Clone(), x.Clone()), ir.Imm(1)},
		{"x-0", ir.Expr(ir.Sub, x.Clone(), ir.Imm(0)), x},
		{"const fold", ir.Expr(ir.Imul, ir.Imm(6), ir.Imm(7)), ir.Imm(42)},
		{"nested", ir.Expr(ir.Add, ir.Expr(ir.Add, x.Clone(), ir.Imm(0)), ir.Imm(0)), x},
		{"cond true", ir.CondOp(ir.Imm(1), x.Clone(), ir.Imm(9)), x},
		{"cond false", ir.CondOp(ir.Imm(0), ir.Imm(9), x.Clone()), x},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Simplify(tc.in); !got.Equal(tc.want) {
				t.Errorf("Simplify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSimplifyWrappingArithmetic(t *testing.T) {
	got := Simplify(ir.Expr(ir.Add, ir.Imm(math.MaxInt64), ir.Imm(1)))
	if got.Kind != ir.KindImm || got.Imm != math.MinInt64 {
		t.Errorf("max+1 = %s, want wrap to MinInt64", got)
	}
}

func TestSimplifyFloatNaNPropagation(t *testing.T) {
	got := Simplify(ir.Expr(ir.FAdd, ir.FloatImm(math.NaN()), ir.FloatImm(1.0)))
	if got.Kind != ir.KindFloatImm || !got.Float.IsNaN() {
		t.Errorf("NaN + 1.0 = %s, want NaN", got)
	}
	got = Simplify(ir.Expr(ir.FDiv, ir.FloatImm(1.0), ir.FloatImm(0.0)))
	if got.Kind != ir.KindFloatImm || !math.IsInf(got.Float.Value(), 1) {
		t.Errorf("1/0.0 = %s, want +Inf", got)
	}
}

func TestADCERemovesDeadCode(t *testing.T) {
	// rbx is dead; rax feeds the stack store, and stores stay.
	c := singleBlock(
		ir.NewStatement(0x10, ir.Mov, ir.SSA("rax", 1), ir.Imm(5)),
		ir.NewStatement(0x14, ir.Mov, ir.SSA("rbx", 1), ir.Imm(6)),
		ir.NewStatement(0x18, ir.Mov, ir.SSA("mem_stack_-8", 1), ir.SSA("rax", 1)),
		ir.NewStatement(0x1C, ir.Ret, ir.None(), ir.None()),
	)
	NewADCE().Run(c)
	b := c.Blocks[0x10]
	if len(b.Stmts) != 3 {
		t.Fatalf("expected 3 surviving statements, got %d", len(b.Stmts))
	}
	for _, s := range b.Stmts {
		if s.Dst != nil && s.Dst.Kind == ir.KindSSA && s.Dst.Name == "rbx" {
			t.Error("dead rbx assignment survived")
		}
	}
}

func TestADCEKeepsCallArgumentDef(t *testing.T) {
	call := ir.NewStatement(0x14, ir.Call, ir.Imm(0x400), ir.None())
	call.Extra = []*ir.Operand{ir.SSA("rdi", 1)}
	c := singleBlock(
		ir.NewStatement(0x10, ir.Mov, ir.SSA("rdi", 1), ir.Imm(5)),
		call,
		ir.NewStatement(0x18, ir.Ret, ir.None(), ir.None()),
	)
	NewADCE().Run(c)
	if len(c.Blocks[0x10].Stmts) != 3 {
		t.Errorf("call argument def must stay live, got %d statements", len(c.Blocks[0x10].Stmts))
	}
}

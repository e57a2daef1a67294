package ssa

import (
	"testing"

	"github.com/seclususs/rcdecomp/pkg/graph"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

// TestSCCPConstantFolding is the literal folding scenario:
// rax←5; rbx←10; rax←rax+rbx; rcx←rax. After SSA+SCCP the final
// statement's RHS is the immediate 15.
func TestSCCPConstantFolding(t *testing.T) {
	stmts := []*ir.Statement{
		ir.NewStatement(0x100, ir.Mov, ir.Reg("rax"), ir.Imm(5)),
		ir.NewStatement(0x104, ir.Mov, ir.Reg("rbx"), ir.Imm(10)),
		ir.NewStatement(0x108, ir.Add, ir.Reg("rax"), ir.Expr(ir.Add, ir.Reg("rax"), ir.Reg("rbx"))),
		ir.NewStatement(0x10C, ir.Mov, ir.Reg("rcx"), ir.Reg("rax")),
		ir.NewStatement(0x110, ir.Ret, ir.None(), ir.None()),
	}
	c, _ := buildSSA(t, stmts)
	sccp := NewSCCP()
	sccp.Run(c)
	sccp.Apply(c)

	b := c.Blocks[0x100]
	final := b.Stmts[3]
	if final.Op != ir.Mov || final.Dst.Name != "rcx" {
		t.Fatalf("unexpected statement order: %s", final)
	}
	src := Simplify(final.Src)
	if src.Kind != ir.KindImm || src.Imm != 15 {
		t.Errorf("rcx source = %s, want 15", src)
	}
}

// TestSCCPDeadBranch is the literal dead-branch scenario: a constant
// condition removes the untaken block and shrinks the successor list.
func TestSCCPDeadBranch(t *testing.T) {
	stmts := []*ir.Statement{
		ir.NewStatement(0x1, ir.Mov, ir.Reg("rax"), ir.Imm(1)),
		ir.NewStatement(0x2, ir.Mov, ir.Reg("zf"), ir.Expr(ir.Je, ir.Reg("rax"), ir.Imm(1))),
		ir.NewStatement(0x3, ir.Je, ir.Imm(100), ir.Reg("zf")),
		// fall-through block 200-equivalent
		ir.NewStatement(0x4, ir.Mov, ir.Reg("rbx"), ir.Imm(0xDEAD)),
		ir.NewStatement(0x5, ir.Ret, ir.None(), ir.None()),
		// taken block
		ir.NewStatement(100, ir.Mov, ir.Reg("rbx"), ir.Imm(0xBEEF)),
		ir.NewStatement(101, ir.Ret, ir.None(), ir.None()),
	}
	c, _ := buildSSA(t, stmts)
	sccp := NewSCCP()
	sccp.Run(c)
	sccp.Apply(c)

	if _, alive := c.Blocks[0x4]; alive {
		t.Error("untaken fall-through block must be deleted")
	}
	if _, alive := c.Blocks[100]; !alive {
		t.Fatal("taken block must survive")
	}
	entry := c.Blocks[0x1]
	if len(entry.Succs) != 1 || entry.Succs[0] != 100 {
		t.Errorf("entry successors = %#v, want [100]", entry.Succs)
	}
}

// TestSCCPMonotonicity drives the lattice through a merge of unequal
// constants and checks the cell only descends.
func TestSCCPMonotonicity(t *testing.T) {
	if got := meet(top(), constant(5)); got != constant(5) {
		t.Errorf("Top ⊔ 5 = %v", got)
	}
	if got := meet(constant(5), constant(5)); got != constant(5) {
		t.Errorf("5 ⊔ 5 = %v", got)
	}
	if got := meet(constant(5), constant(6)); !got.isBottom() {
		t.Errorf("5 ⊔ 6 = %v, want Bottom", got)
	}
	if got := meet(bottom(), constant(5)); !got.isBottom() {
		t.Errorf("Bottom ⊔ 5 = %v, want Bottom", got)
	}

	// Once a cell reaches Bottom it cannot climb back to Constant.
	s := NewSCCP()
	s.update("v", bottom())
	s.update("v", constant(3))
	if !s.values["v"].isBottom() {
		t.Error("lattice value ascended from Bottom")
	}
}

func TestSCCPPhiOverExecutableEdges(t *testing.T) {
	// Diamond where both arms assign the same constant: the phi folds.
	stmts := []*ir.Statement{
		ir.NewStatement(0x100, ir.Cmp, ir.Reg("temp_alu_flags"), ir.Expr(ir.Sub, ir.Reg("rdi"), ir.Imm(0))),
		ir.NewStatement(0x108, ir.Je, ir.Imm(0x114), ir.Reg("lazy_check_zf")),
		ir.NewStatement(0x10C, ir.Mov, ir.Reg("rbx"), ir.Imm(7)),
		ir.NewStatement(0x110, ir.Jmp, ir.Imm(0x118), ir.None()),
		ir.NewStatement(0x114, ir.Mov, ir.Reg("rbx"), ir.Imm(7)),
		ir.NewStatement(0x118, ir.Mov, ir.Reg("rcx"), ir.Reg("rbx")),
		ir.NewStatement(0x11C, ir.Ret, ir.None(), ir.None()),
	}
	c, _ := buildSSA(t, stmts)
	sccp := NewSCCP()
	sccp.Run(c)
	sccp.Apply(c)

	final := c.Blocks[0x118]
	for _, s := range final.Stmts {
		if s.Dst != nil && s.Dst.Kind == ir.KindSSA && s.Dst.Name == "rcx" {
			if s.Src.Kind != ir.KindImm || s.Src.Imm != 7 {
				t.Errorf("phi of equal constants should fold: rcx src = %s", s.Src)
			}
			return
		}
	}
	t.Fatal("rcx assignment not found")
}

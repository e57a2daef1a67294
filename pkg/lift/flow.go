package lift

import (
	"strings"

	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

func (l *Lifter) liftRet(inst *disasm.Instruction, out *[]*ir.Statement) {
	*out = append(*out,
		ir.NewStatement(inst.Addr, ir.Add, ir.Reg("rsp"), ir.Imm(l.PointerSize)).WithType(ir.TypeI64),
		ir.NewStatement(inst.Addr, ir.Ret, ir.None(), ir.None()),
	)
}

func (l *Lifter) liftCall(inst *disasm.Instruction, out *[]*ir.Statement) {
	*out = append(*out,
		ir.NewStatement(inst.Addr, ir.Sub, ir.Reg("rsp"), ir.Imm(l.PointerSize)).WithType(ir.TypeI64),
		ir.NewStatement(inst.Addr, ir.Call, l.Operand(inst, 0), ir.None()),
	)
}

func (l *Lifter) liftJump(inst *disasm.Instruction, out *[]*ir.Statement) {
	*out = append(*out, ir.NewStatement(inst.Addr, ir.Jmp, l.Operand(inst, 0), ir.None()))
}

// liftConditionalBranch encodes j<cc>/b.<cc>: the opcode carries the
// condition class, the target sits in the primary operand, and the
// secondary operand holds a compact lazy_check_<cc> token the structurer
// resolves against the preceding flag writes.
func (l *Lifter) liftConditionalBranch(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	target := l.Operand(inst, 0)
	var suffix string
	switch {
	case strings.HasPrefix(mnem, "b."):
		suffix = mnem[2:]
	case strings.HasPrefix(mnem, "j"):
		suffix = mnem[1:]
	}
	op := branchOpcode(suffix)
	if op == ir.Jmp {
		*out = append(*out, ir.NewStatement(inst.Addr, ir.Jmp, target, ir.None()))
		return
	}
	*out = append(*out, ir.NewStatement(inst.Addr, op, target, lazyCondition(suffix)))
}

// liftCompareBranch expands cbz/cbnz into an inline compare condition.
func (l *Lifter) liftCompareBranch(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	reg := l.Operand(inst, 0)
	target := l.Operand(inst, 1)
	cond := ir.Expr(ir.Cmp, reg, ir.Imm(0))
	op := ir.Je
	if mnem == "cbnz" {
		op = ir.Jne
	}
	*out = append(*out, ir.NewStatement(inst.Addr, op, target, cond))
}

func branchOpcode(suffix string) ir.Opcode {
	switch suffix {
	case "e", "z", "eq":
		return ir.Je
	case "ne", "nz":
		return ir.Jne
	case "g", "gt", "a":
		return ir.Jg
	case "ge", "ae", "hs", "cs":
		return ir.Jge
	case "l", "lt", "b", "c", "lo", "cc", "s", "mi":
		return ir.Jl
	case "le", "be", "ls":
		return ir.Jle
	default:
		return ir.Jmp
	}
}

// lazyCondition synthesizes the condition token for a cc suffix. The token
// is a register name so it flows through SSA untouched until the
// structurer resolves it.
func lazyCondition(suffix string) *ir.Operand {
	name := "check_unknown"
	switch suffix {
	case "e", "z", "eq":
		name = "check_zf"
	case "ne", "nz":
		name = "check_nz"
	case "s", "mi":
		name = "check_sf"
	case "ns", "pl":
		name = "check_ns"
	case "o", "vs":
		name = "check_of"
	case "b", "c", "nae", "lo":
		name = "check_cf"
	case "l", "lt":
		name = "check_lt"
	case "ge", "nl", "ae", "hs":
		name = "check_ge"
	case "le", "be", "ls":
		name = "check_le"
	case "g", "gt", "a":
		name = "check_gt"
	}
	return ir.Reg("lazy_" + name)
}

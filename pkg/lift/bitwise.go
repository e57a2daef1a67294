package lift

import (
	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

func shiftOpcode(mnem string) ir.Opcode {
	switch mnem {
	case "shl", "sal", "lsl":
		return ir.Shl
	case "shr", "lsr":
		return ir.Shr
	case "sar", "asr":
		return ir.Sar
	case "rol":
		return ir.Rol
	case "ror":
		return ir.Ror
	}
	return ir.Unknown
}

// liftShiftRotate masks the count against 0x3F before shifting. Flags that
// the hardware leaves untouched when the masked count is zero are wrapped
// in a conditional that preserves the prior flag value.
func (l *Lifter) liftShiftRotate(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	dst := l.Operand(inst, 0)
	count := ir.Imm(1)
	if len(inst.Operands) > 1 {
		count = l.Operand(inst, 1)
	}
	op := shiftOpcode(mnem)
	masked := ir.Expr(ir.And, count, ir.Imm(0x3F))
	expr := ir.Expr(op, dst.Clone(), masked.Clone())
	*out = append(*out, ir.NewStatement(inst.Addr, op, dst.Clone(), expr).WithType(ir.TypeI64))

	switch op {
	case ir.Shl, ir.Shr, ir.Sar:
		l.shiftFlags(inst.Addr, mnem, dst, masked, out)
	case ir.Rol, ir.Ror:
		l.rotateFlags(inst.Addr, masked, out)
	}
}

// keepIfZeroCount wraps newVal so that a zero shift count preserves the
// flag's previous value.
func keepIfZeroCount(addr uint64, flag string, count, newVal *ir.Operand, out *[]*ir.Statement) {
	isZero := ir.Expr(ir.Je, count.Clone(), ir.Imm(0))
	movFlag(addr, flag, ir.CondOp(isZero, ir.Reg(flag), newVal), out)
}

func (l *Lifter) shiftFlags(addr uint64, mnem string, result, count *ir.Operand, out *[]*ir.Statement) {
	sf := ir.Expr(ir.Shr, result.Clone(), ir.Imm(63))
	keepIfZeroCount(addr, FlagSF, count, sf, out)

	zf := ir.Expr(ir.Je, result.Clone(), ir.Imm(0))
	keepIfZeroCount(addr, FlagZF, count, zf, out)

	pf := ir.Expr(ir.Call, ir.Reg("__intrinsic_parity"), result.Clone())
	keepIfZeroCount(addr, FlagPF, count, pf, out)

	// OF is only defined for a count of exactly one: SF^CF after shl,
	// zero after shr/sar.
	isOne := ir.Expr(ir.Je, count.Clone(), ir.Imm(1))
	var defined *ir.Operand
	if mnem == "shl" || mnem == "sal" || mnem == "lsl" {
		defined = ir.Expr(ir.Xor, ir.Reg(FlagSF), ir.Reg(FlagCF))
	} else {
		defined = ir.Imm(0)
	}
	of := ir.CondOp(isOne, defined, ir.Reg("undefined"))
	keepIfZeroCount(addr, FlagOF, count, of, out)
}

func (l *Lifter) rotateFlags(addr uint64, count *ir.Operand, out *[]*ir.Statement) {
	for _, flag := range []string{FlagZF, FlagSF, FlagPF} {
		keepIfZeroCount(addr, flag, count, ir.Reg("undefined"), out)
	}
}

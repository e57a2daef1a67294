package lift

import (
	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/ir"
	log "github.com/sirupsen/logrus"
)

func (l *Lifter) liftPush(inst *disasm.Instruction, out *[]*ir.Statement) {
	src := l.Operand(inst, 0)
	if src.IsNone() {
		return
	}
	*out = append(*out,
		ir.NewStatement(inst.Addr, ir.Sub, ir.Reg("rsp"), ir.Imm(l.PointerSize)).WithType(ir.TypeI64),
		ir.NewStatement(inst.Addr, ir.Mov, ir.MemRef("rsp", 0), src).WithType(ir.TypeI64),
	)
}

func (l *Lifter) liftPop(inst *disasm.Instruction, out *[]*ir.Statement) {
	dst := l.Operand(inst, 0)
	if dst.IsNone() {
		return
	}
	*out = append(*out,
		ir.NewStatement(inst.Addr, ir.Mov, dst, ir.MemRef("rsp", 0)).WithType(ir.TypeI64),
		ir.NewStatement(inst.Addr, ir.Add, ir.Reg("rsp"), ir.Imm(l.PointerSize)).WithType(ir.TypeI64),
	)
}

func (l *Lifter) liftMove(inst *disasm.Instruction, out *[]*ir.Statement) {
	*out = append(*out, ir.NewStatement(inst.Addr, ir.Mov,
		l.Operand(inst, 0), l.Operand(inst, 1)))
}

func (l *Lifter) liftLea(inst *disasm.Instruction, out *[]*ir.Statement) {
	*out = append(*out, ir.NewStatement(inst.Addr, ir.Lea,
		l.Operand(inst, 0), l.Operand(inst, 1)))
}

func (l *Lifter) liftArithmetic(inst *disasm.Instruction, mnem string, op ir.Opcode, out *[]*ir.Statement) {
	switch mnem {
	case "mul", "imul":
		l.liftMultiplication(inst, mnem, out)
		return
	case "div", "idiv":
		l.liftDivision(inst, mnem, out)
		return
	case "adc":
		l.liftAddWithCarry(inst, out)
		return
	case "sbb":
		l.liftSubWithBorrow(inst, out)
		return
	case "inc":
		l.liftIncDec(inst, ir.Inc, out)
		return
	case "dec":
		l.liftIncDec(inst, ir.Dec, out)
		return
	}

	// Three-operand ARM forms compute dst = src1 <op> src2; two-operand
	// x86 forms reuse the destination as the first source.
	dst := l.Operand(inst, 0)
	var src1, src2 *ir.Operand
	if len(inst.Operands) >= 3 {
		src1, src2 = l.Operand(inst, 1), l.Operand(inst, 2)
	} else {
		src1, src2 = dst.Clone(), l.Operand(inst, 1)
	}
	expr := ir.Expr(op, src1.Clone(), src2.Clone())
	*out = append(*out, ir.NewStatement(inst.Addr, op, dst.Clone(), expr).WithType(ir.TypeI64))

	switch op {
	case ir.Add:
		flagsAdd(inst.Addr, dst, src1, out)
	case ir.Sub:
		flagsSub(inst.Addr, dst, src1, src2, out)
	case ir.And, ir.Or, ir.Xor:
		flagsLogical(inst.Addr, dst, out)
	}
}

func (l *Lifter) liftIncDec(inst *disasm.Instruction, op ir.Opcode, out *[]*ir.Statement) {
	dst := l.Operand(inst, 0)
	delta := int64(1)
	if op == ir.Dec {
		delta = -1
	}
	expr := ir.Expr(ir.Add, dst.Clone(), ir.Imm(delta))
	*out = append(*out, ir.NewStatement(inst.Addr, op, dst.Clone(), expr).WithType(ir.TypeI64))
	flagZero(inst.Addr, dst, out)
	flagSign(inst.Addr, dst, out)
	flagParity(inst.Addr, dst, out)
	flagOverflowDeferred(inst.Addr, out)
	flagUndefined(inst.Addr, FlagAF, out)
	// inc/dec leave CF untouched, unlike add/sub.
}

func (l *Lifter) liftMultiplication(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	op := ir.Imul
	if mnem == "mul" {
		op = ir.Mul
	}
	if len(inst.Operands) == 1 {
		// One-operand form: rdx:rax = rax * src.
		src := l.Operand(inst, 0)
		rax, rdx := ir.Reg("rax"), ir.Reg("rdx")
		*out = append(*out,
			ir.NewStatement(inst.Addr, op, rax.Clone(), ir.Expr(op, rax.Clone(), src.Clone())),
			ir.NewStatement(inst.Addr, ir.MulHi, rdx, ir.Expr(ir.MulHi, rax, src)),
		)
		flagUndefined(inst.Addr, FlagCF, out)
		flagUndefined(inst.Addr, FlagOF, out)
		return
	}
	dst := l.Operand(inst, 0)
	var src1, src2 *ir.Operand
	if len(inst.Operands) >= 3 {
		src1, src2 = l.Operand(inst, 1), l.Operand(inst, 2)
	} else {
		src1, src2 = dst.Clone(), l.Operand(inst, 1)
	}
	*out = append(*out, ir.NewStatement(inst.Addr, ir.Imul, dst, ir.Expr(op, src1, src2)))
}

func (l *Lifter) liftDivision(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	op := ir.Idiv
	if mnem == "div" {
		op = ir.Div
	}
	src := l.Operand(inst, 0)
	rax, rdx := ir.Reg("rax"), ir.Reg("rdx")
	*out = append(*out,
		ir.NewStatement(inst.Addr, op, rax.Clone(), ir.Expr(op, rax, src)),
		// The remainder register becomes an opaque def.
		ir.NewStatement(inst.Addr, ir.Unknown, rdx, ir.None()),
	)
}

func (l *Lifter) liftAddWithCarry(inst *disasm.Instruction, out *[]*ir.Statement) {
	dst, src := l.Operand(inst, 0), l.Operand(inst, 1)
	sum := ir.Expr(ir.Add, dst.Clone(), src)
	res := ir.Expr(ir.Add, sum, ir.Reg(FlagCF))
	*out = append(*out, ir.NewStatement(inst.Addr, ir.Adc, dst.Clone(), res).WithType(ir.TypeI64))
	flagsGeneral(inst.Addr, dst, out)
}

func (l *Lifter) liftSubWithBorrow(inst *disasm.Instruction, out *[]*ir.Statement) {
	dst, src := l.Operand(inst, 0), l.Operand(inst, 1)
	diff := ir.Expr(ir.Sub, dst.Clone(), src)
	res := ir.Expr(ir.Sub, diff, ir.Reg(FlagCF))
	*out = append(*out, ir.NewStatement(inst.Addr, ir.Sbb, dst.Clone(), res).WithType(ir.TypeI64))
	flagsGeneral(inst.Addr, dst, out)
}

// liftCompare models cmp/test: the result lands in a scratch register so
// the flag updates have a value to describe, and the structurer later
// pairs it with the consuming branch.
func (l *Lifter) liftCompare(inst *disasm.Instruction, op ir.Opcode, out *[]*ir.Statement) {
	op1, op2 := l.Operand(inst, 0), l.Operand(inst, 1)
	scratch := ir.Reg("temp_alu_flags")
	switch op {
	case ir.And:
		*out = append(*out, ir.NewStatement(inst.Addr, ir.Test, scratch.Clone(),
			ir.Expr(ir.And, op1.Clone(), op2.Clone())))
		flagsLogical(inst.Addr, scratch, out)
	default:
		*out = append(*out, ir.NewStatement(inst.Addr, ir.Cmp, scratch.Clone(),
			ir.Expr(ir.Sub, op1.Clone(), op2.Clone())))
		flagsSub(inst.Addr, scratch, op1, op2, out)
	}
}

func (l *Lifter) liftConditionalMove(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	dst, src := l.Operand(inst, 0), l.Operand(inst, 1)
	suffix := mnem[len("cmov"):]
	cond := lazyCondition(suffix)
	*out = append(*out, ir.NewStatement(inst.Addr, ir.Cmov, dst.Clone(),
		ir.CondOp(cond, src, dst)))
}

// liftSetCC turns set<cc> into a 0/1 assignment of the lazy condition.
func (l *Lifter) liftSetCC(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	dst := l.Operand(inst, 0)
	cond := lazyCondition(mnem[len("set"):])
	*out = append(*out, ir.NewStatement(inst.Addr, ir.Mov, dst,
		ir.CondOp(cond, ir.Imm(1), ir.Imm(0))).WithType(ir.TypeI8))
}

// liftGenericUnknown is the logged variant of the opaque fallback, used by
// dispatch paths that expected to recognize the mnemonic.
func (l *Lifter) liftGenericUnknown(inst *disasm.Instruction, out *[]*ir.Statement) {
	log.WithField("mnemonic", inst.Mnemonic).Debug("lifting unrecognized instruction as unknown")
	l.liftUnknown(inst, out)
}

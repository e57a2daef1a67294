// Package lift translates normalized machine instructions into IR
// micro-ops with explicit flag updates. Lifting is pure: the same
// instruction always produces the same statement list, and no state is
// shared between calls.
package lift

import (
	"strings"

	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

// Lifter converts one instruction at a time.
type Lifter struct {
	PointerSize int64
	semantics   *semanticTable
}

// New builds a lifter for 64-bit targets.
func New() *Lifter {
	return &Lifter{PointerSize: 8, semantics: newSemanticTable()}
}

// Lift emits the micro-op list for one instruction.
func (l *Lifter) Lift(inst *disasm.Instruction) []*ir.Statement {
	var out []*ir.Statement
	mnem := strings.ToLower(inst.Mnemonic)

	if l.semantics.lift(l, inst, mnem, &out) {
		return out
	}
	if isSIMDMnemonic(mnem) {
		l.liftSIMD(inst, mnem, &out)
		return out
	}

	switch mnem {
	case "ret", "retn":
		l.liftRet(inst, &out)
	case "call", "bl", "blr":
		l.liftCall(inst, &out)
	case "jmp", "b", "br":
		l.liftJump(inst, &out)
	case "push":
		l.liftPush(inst, &out)
	case "pop":
		l.liftPop(inst, &out)
	case "mov", "movabs", "movzx", "movsx", "movsxd", "ldr", "ldur":
		l.liftMove(inst, &out)
	case "str", "stur":
		// ARM stores name the value first: the memory operand is the
		// destination.
		out = append(out, ir.NewStatement(inst.Addr, ir.Mov,
			l.Operand(inst, 1), l.Operand(inst, 0)))
	case "lea", "adr", "adrp":
		l.liftLea(inst, &out)
	case "add", "inc", "adc":
		l.liftArithmetic(inst, mnem, ir.Add, &out)
	case "sub", "dec", "sbb":
		l.liftArithmetic(inst, mnem, ir.Sub, &out)
	case "neg":
		dst := l.Operand(inst, 0)
		out = append(out, ir.NewStatement(inst.Addr, ir.Sub, dst.Clone(),
			ir.Expr(ir.Sub, ir.Imm(0), dst)).WithType(ir.TypeI64))
	case "imul", "mul":
		l.liftArithmetic(inst, mnem, ir.Imul, &out)
	case "idiv", "div":
		l.liftArithmetic(inst, mnem, ir.Div, &out)
	case "and":
		l.liftArithmetic(inst, mnem, ir.And, &out)
	case "tst":
		l.liftCompare(inst, ir.And, &out)
	case "or", "orr":
		l.liftArithmetic(inst, mnem, ir.Or, &out)
	case "xor", "eor":
		l.liftArithmetic(inst, mnem, ir.Xor, &out)
	case "not", "mvn":
		dst := l.Operand(inst, 0)
		out = append(out, ir.NewStatement(inst.Addr, ir.Xor, dst.Clone(),
			ir.Expr(ir.Xor, dst, ir.Imm(-1))).WithType(ir.TypeI64))
	case "shl", "sal", "shr", "sar", "rol", "ror", "lsl", "lsr", "asr":
		l.liftShiftRotate(inst, mnem, &out)
	case "cmp", "cmn":
		op := ir.Sub
		if mnem == "cmn" {
			op = ir.Add
		}
		l.liftCompare(inst, op, &out)
	case "test":
		l.liftCompare(inst, ir.And, &out)
	case "syscall", "sysenter", "svc", "cpuid", "rdtsc", "rdtscp",
		"popcnt", "lzcnt", "tzcnt", "andn":
		l.liftSystem(inst, mnem, &out)
	case "nop", "endbr64", "pacibsp", "hint":
		// No semantic effect.
	case "cbz", "cbnz":
		l.liftCompareBranch(inst, mnem, &out)
	default:
		switch {
		case strings.HasPrefix(mnem, "cmov"):
			l.liftConditionalMove(inst, mnem, &out)
		case strings.HasPrefix(mnem, "set"):
			l.liftSetCC(inst, mnem, &out)
		case strings.HasPrefix(mnem, "aes") || strings.HasPrefix(mnem, "sha"):
			l.liftCrypto(inst, mnem, &out)
		case strings.HasPrefix(mnem, "j") || strings.HasPrefix(mnem, "b."):
			l.liftConditionalBranch(inst, mnem, &out)
		default:
			l.liftUnknown(inst, &out)
		}
	}
	return out
}

// Operand returns the n-th instruction operand converted to IR, or the
// none sentinel when absent.
func (l *Lifter) Operand(inst *disasm.Instruction, n int) *ir.Operand {
	if n >= len(inst.Operands) {
		return ir.None()
	}
	return l.convert(inst.Operands[n])
}

// convert maps a decoder operand to the IR vocabulary. A plain base+disp
// memory operand becomes MemRef; indexed forms become an address
// expression so array patterns stay visible to later passes.
func (l *Lifter) convert(op disasm.Operand) *ir.Operand {
	switch op.Kind {
	case disasm.OperandRegister:
		return ir.Reg(op.Reg)
	case disasm.OperandImmediate:
		return ir.Imm(op.Imm)
	case disasm.OperandMemory:
		if op.Base == "" && op.Index == "" {
			return ir.MemAbs(uint64(op.Disp))
		}
		if op.Index == "" {
			return ir.MemRef(op.Base, op.Disp)
		}
		var expr *ir.Operand
		if op.Base != "" {
			expr = ir.Reg(op.Base)
		} else {
			expr = ir.Imm(0)
		}
		idx := ir.Reg(op.Index)
		if op.Scale > 1 {
			idx = ir.Expr(ir.Imul, idx, ir.Imm(op.Scale))
		}
		expr = ir.Expr(ir.Add, expr, idx)
		if op.Disp != 0 {
			expr = ir.Expr(ir.Add, expr, ir.Imm(op.Disp))
		}
		return expr
	default:
		return ir.None()
	}
}

// liftUnknown emits the opaque fallback: a def of the primary operand and
// a use of the secondary.
func (l *Lifter) liftUnknown(inst *disasm.Instruction, out *[]*ir.Statement) {
	*out = append(*out, ir.NewStatement(inst.Addr, ir.Unknown,
		l.Operand(inst, 0), l.Operand(inst, 1)))
}

package lift

import (
	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

// flagEffect names a flag update a template instruction performs.
type flagEffect uint8

const (
	effectZero flagEffect = iota
	effectSign
	effectParity
	effectCarryClear
	effectOverflowClear
	effectCarryUndefined
	effectOverflowUndefined
	effectAuxUndefined
)

// template describes a table-driven lifting for a simple ALU mnemonic:
// one micro-op with the destination reused as first source, plus a flag
// effect list. Mnemonics the table does not cover fall back to the full
// switch in Lift.
type template struct {
	op      ir.Opcode
	typ     ir.DataType
	vector  bool
	effects []flagEffect
}

type semanticTable struct {
	defs map[string]template
}

func newSemanticTable() *semanticTable {
	t := &semanticTable{defs: map[string]template{}}
	arith := []flagEffect{effectZero, effectSign, effectParity, effectAuxUndefined}
	logical := append([]flagEffect{effectCarryClear, effectOverflowClear}, arith...)

	t.defs["fadd"] = template{op: ir.FAdd, typ: ir.TypeF64}
	t.defs["addss"] = template{op: ir.FAdd, typ: ir.TypeF32}
	t.defs["addsd"] = template{op: ir.FAdd, typ: ir.TypeF64}
	t.defs["subss"] = template{op: ir.FSub, typ: ir.TypeF32}
	t.defs["subsd"] = template{op: ir.FSub, typ: ir.TypeF64}
	t.defs["mulss"] = template{op: ir.FMul, typ: ir.TypeF32}
	t.defs["mulsd"] = template{op: ir.FMul, typ: ir.TypeF64}
	t.defs["divss"] = template{op: ir.FDiv, typ: ir.TypeF32}
	t.defs["divsd"] = template{op: ir.FDiv, typ: ir.TypeF64}
	t.defs["fcmp"] = template{op: ir.FCmp, typ: ir.TypeF64, effects: arith}
	t.defs["comiss"] = template{op: ir.FCmp, typ: ir.TypeF32, effects: logical}
	t.defs["comisd"] = template{op: ir.FCmp, typ: ir.TypeF64, effects: logical}
	return t
}

// lift applies a template if one is registered for the mnemonic.
func (t *semanticTable) lift(l *Lifter, inst *disasm.Instruction, mnem string, out *[]*ir.Statement) bool {
	def, ok := t.defs[mnem]
	if !ok {
		return false
	}
	dst := l.Operand(inst, 0)
	src := l.Operand(inst, 1)
	if src.IsNone() {
		src = dst.Clone()
	}
	expr := ir.Expr(def.op, dst.Clone(), src)
	*out = append(*out, ir.NewStatement(inst.Addr, def.op, dst.Clone(), expr).WithType(def.typ))
	for _, e := range def.effects {
		switch e {
		case effectZero:
			flagZero(inst.Addr, dst, out)
		case effectSign:
			flagSign(inst.Addr, dst, out)
		case effectParity:
			flagParity(inst.Addr, dst, out)
		case effectCarryClear:
			movFlag(inst.Addr, FlagCF, ir.Imm(0), out)
		case effectOverflowClear:
			movFlag(inst.Addr, FlagOF, ir.Imm(0), out)
		case effectCarryUndefined:
			flagUndefined(inst.Addr, FlagCF, out)
		case effectOverflowUndefined:
			flagUndefined(inst.Addr, FlagOF, out)
		case effectAuxUndefined:
			flagUndefined(inst.Addr, FlagAF, out)
		}
	}
	return true
}

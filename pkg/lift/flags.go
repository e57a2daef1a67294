package lift

import "github.com/seclususs/rcdecomp/pkg/ir"

// Pseudo-registers for the architectural flags. Updates are explicit in
// the IR so later passes never need the originating mnemonic's semantics.
const (
	FlagZF = "eflags_zf"
	FlagSF = "eflags_sf"
	FlagCF = "eflags_cf"
	FlagOF = "eflags_of"
	FlagPF = "eflags_pf"
	FlagAF = "eflags_af"
)

func movFlag(addr uint64, flag string, val *ir.Operand, out *[]*ir.Statement) {
	*out = append(*out, ir.NewStatement(addr, ir.Mov, ir.Reg(flag), val).WithType(ir.TypeI8))
}

// flagZero sets ZF to (result == 0 ? 1 : 0).
func flagZero(addr uint64, result *ir.Operand, out *[]*ir.Statement) {
	cond := ir.Expr(ir.Je, result.Clone(), ir.Imm(0))
	movFlag(addr, FlagZF, ir.CondOp(cond, ir.Imm(1), ir.Imm(0)), out)
}

// flagSign extracts the top bit of the result.
func flagSign(addr uint64, result *ir.Operand, out *[]*ir.Statement) {
	shift := ir.Expr(ir.Shr, result.Clone(), ir.Imm(63))
	movFlag(addr, FlagSF, ir.Expr(ir.And, shift, ir.Imm(1)), out)
}

// flagParity computes even parity of the low byte via a popcount temp.
func flagParity(addr uint64, result *ir.Operand, out *[]*ir.Statement) {
	lowByte := ir.Expr(ir.And, result.Clone(), ir.Imm(0xFF))
	tmp := ir.Reg("temp_popcnt")
	*out = append(*out, ir.NewStatement(addr, ir.Popcnt, tmp, lowByte).WithType(ir.TypeI8))
	bit := ir.Expr(ir.And, tmp.Clone(), ir.Imm(1))
	isEven := ir.Expr(ir.Je, bit, ir.Imm(0))
	movFlag(addr, FlagPF, ir.CondOp(isEven, ir.Imm(1), ir.Imm(0)), out)
}

// flagOverflowDeferred records that OF depends on the full operand widths
// by writing the calc_overflow_deferred placeholder; no later pass
// computes the actual overflow value.
func flagOverflowDeferred(addr uint64, out *[]*ir.Statement) {
	movFlag(addr, FlagOF, ir.Reg("calc_overflow_deferred"), out)
}

func flagUndefined(addr uint64, flag string, out *[]*ir.Statement) {
	movFlag(addr, flag, ir.Reg("undefined"), out)
}

// flagsAdd emits the flag updates of an addition: CF via result < op1
// (unsigned wrap check), OF deferred.
func flagsAdd(addr uint64, result, op1 *ir.Operand, out *[]*ir.Statement) {
	flagZero(addr, result, out)
	flagSign(addr, result, out)
	flagParity(addr, result, out)
	movFlag(addr, FlagCF, ir.Expr(ir.Jl, result.Clone(), op1.Clone()), out)
	flagOverflowDeferred(addr, out)
}

// flagsSub emits the flag updates of a subtraction: CF via op1 < op2.
func flagsSub(addr uint64, result, op1, op2 *ir.Operand, out *[]*ir.Statement) {
	flagZero(addr, result, out)
	flagSign(addr, result, out)
	flagParity(addr, result, out)
	movFlag(addr, FlagCF, ir.Expr(ir.Jl, op1.Clone(), op2.Clone()), out)
	flagOverflowDeferred(addr, out)
}

// flagsLogical clears CF/OF and computes ZF/SF/PF; AF is undefined.
func flagsLogical(addr uint64, result *ir.Operand, out *[]*ir.Statement) {
	movFlag(addr, FlagCF, ir.Imm(0), out)
	movFlag(addr, FlagOF, ir.Imm(0), out)
	flagZero(addr, result, out)
	flagSign(addr, result, out)
	flagParity(addr, result, out)
	flagUndefined(addr, FlagAF, out)
}

// flagsGeneral is the reduced set used by adc/sbb where carry chains make
// CF/OF data-dependent.
func flagsGeneral(addr uint64, result *ir.Operand, out *[]*ir.Statement) {
	flagZero(addr, result, out)
	flagSign(addr, result, out)
	flagParity(addr, result, out)
}

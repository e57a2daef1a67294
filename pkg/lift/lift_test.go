package lift

import (
	"testing"

	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

func instr(addr uint64, mnem, opText string, ops ...disasm.Operand) *disasm.Instruction {
	return &disasm.Instruction{Addr: addr, Mnemonic: mnem, OpText: opText, Operands: ops}
}

func reg(name string) disasm.Operand { return disasm.Operand{Kind: disasm.OperandRegister, Reg: name} }
func imm(v int64) disasm.Operand     { return disasm.Operand{Kind: disasm.OperandImmediate, Imm: v} }
func mem(base string, disp int64) disasm.Operand {
	return disasm.Operand{Kind: disasm.OperandMemory, Base: base, Disp: disp}
}

// findFlagWrite returns the last statement assigning the given flag.
func findFlagWrite(stmts []*ir.Statement, flag string) *ir.Statement {
	for i := len(stmts) - 1; i >= 0; i-- {
		s := stmts[i]
		if s.Dst != nil && s.Dst.Kind == ir.KindRegister && s.Dst.Reg == flag {
			return s
		}
	}
	return nil
}

func TestLiftIsPure(t *testing.T) {
	l := New()
	in := instr(0x10, "add", "rax, 5", reg("rax"), imm(5))
	a := l.Lift(in)
	b := l.Lift(in)
	if len(a) != len(b) {
		t.Fatalf("lift not deterministic: %d vs %d statements", len(a), len(b))
	}
	for i := range a {
		if a[i].Op != b[i].Op || !a[i].Dst.Equal(b[i].Dst) || !a[i].Src.Equal(b[i].Src) {
			t.Errorf("statement %d differs between runs", i)
		}
	}
}

func TestLiftStackDiscipline(t *testing.T) {
	l := New()

	t.Run("push", func(t *testing.T) {
		out := l.Lift(instr(0x10, "push", "rbp", reg("rbp")))
		if len(out) != 2 {
			t.Fatalf("push lifted to %d statements", len(out))
		}
		if out[0].Op != ir.Sub || out[0].Dst.Reg != "rsp" || out[0].Src.Imm != 8 {
			t.Errorf("first micro-op should be rsp -= 8, got %s", out[0])
		}
		if out[1].Op != ir.Mov || out[1].Dst.Kind != ir.KindMemRef || out[1].Dst.Base != "rsp" {
			t.Errorf("second micro-op should store to [rsp], got %s", out[1])
		}
	})

	t.Run("pop", func(t *testing.T) {
		out := l.Lift(instr(0x11, "pop", "rbx", reg("rbx")))
		if len(out) != 2 {
			t.Fatalf("pop lifted to %d statements", len(out))
		}
		if out[0].Op != ir.Mov || out[0].Src.Kind != ir.KindMemRef {
			t.Errorf("first micro-op should load from [rsp], got %s", out[0])
		}
		if out[1].Op != ir.Add || out[1].Src.Imm != 8 {
			t.Errorf("second micro-op should be rsp += 8, got %s", out[1])
		}
	})

	t.Run("call", func(t *testing.T) {
		out := l.Lift(instr(0x12, "call", "0x400", imm(0x400)))
		if len(out) != 2 || out[0].Op != ir.Sub || out[1].Op != ir.Call {
			t.Fatalf("call shape wrong: %v", out)
		}
		if out[1].Dst.Imm != 0x400 {
			t.Errorf("call target = %s", out[1].Dst)
		}
	})

	t.Run("ret", func(t *testing.T) {
		out := l.Lift(instr(0x13, "ret", ""))
		if len(out) != 2 || out[0].Op != ir.Add || out[1].Op != ir.Ret {
			t.Fatalf("ret shape wrong: %v", out)
		}
	})
}

func TestLiftAddFlags(t *testing.T) {
	l := New()
	out := l.Lift(instr(0x20, "add", "rax, rbx", reg("rax"), reg("rbx")))
	if out[0].Op != ir.Add || out[0].Src.Kind != ir.KindExpr {
		t.Fatalf("add result should be an expression, got %s", out[0])
	}
	for _, flag := range []string{FlagZF, FlagSF, FlagPF, FlagCF, FlagOF} {
		if findFlagWrite(out, flag) == nil {
			t.Errorf("add missing %s update", flag)
		}
	}
	zf := findFlagWrite(out, FlagZF)
	if zf.Src.Kind != ir.KindCond {
		t.Errorf("zf should be a conditional 0/1, got %s", zf.Src)
	}
}

func TestLiftConditionalBranch(t *testing.T) {
	l := New()
	out := l.Lift(instr(0x30, "je", "0x114", imm(0x114)))
	if len(out) != 1 {
		t.Fatalf("je lifted to %d statements", len(out))
	}
	s := out[0]
	if s.Op != ir.Je || s.Dst.Imm != 0x114 {
		t.Errorf("branch shape wrong: %s", s)
	}
	if s.Src.Kind != ir.KindRegister || s.Src.Reg != "lazy_check_zf" {
		t.Errorf("condition token = %s, want lazy_check_zf", s.Src)
	}

	out = l.Lift(instr(0x34, "jg", "0x200", imm(0x200)))
	if out[0].Op != ir.Jg || out[0].Src.Reg != "lazy_check_gt" {
		t.Errorf("jg token = %s", out[0].Src)
	}
}

func TestLiftShiftMasksCount(t *testing.T) {
	l := New()
	out := l.Lift(instr(0x40, "shl", "rax, cl", reg("rax"), reg("cl")))
	s := out[0]
	if s.Op != ir.Shl {
		t.Fatalf("opcode = %s", s.Op)
	}
	// RHS must be shl(rax, and(cl, 0x3f)).
	if s.Src.Kind != ir.KindExpr || s.Src.Right.Kind != ir.KindExpr ||
		s.Src.Right.Op != ir.And || s.Src.Right.Right.Imm != 0x3F {
		t.Errorf("shift count not masked: %s", s.Src)
	}
	// Zero-count shifts preserve flags via a conditional.
	zf := findFlagWrite(out, FlagZF)
	if zf == nil || zf.Src.Kind != ir.KindCond {
		t.Error("shift flag update must be conditional on count != 0")
	}
	if zf.Src.TrueVal.Kind != ir.KindRegister || zf.Src.TrueVal.Reg != FlagZF {
		t.Errorf("zero-count path must keep prior flag, got %s", zf.Src.TrueVal)
	}
}

func TestLiftSIMDIntrinsic(t *testing.T) {
	l := New()
	tests := []struct {
		mnem, opText, want string
	}{
		{"addps", "xmm0, xmm1", "_mm_add_ps"},
		{"vaddps", "ymm0, ymm1, ymm2", "_mm256_add_ps"},
		{"vaddps", "zmm0, zmm1, zmm2", "_mm512_add_ps"},
		{"pxor", "xmm0, xmm0", "_mm_xor_si128"},
	}
	for _, tc := range tests {
		t.Run(tc.mnem+" "+tc.opText, func(t *testing.T) {
			out := l.Lift(instr(0x50, tc.mnem, tc.opText, reg("xmm0"), reg("xmm1")))
			if len(out) != 1 || out[0].Op != ir.Call {
				t.Fatalf("simd should lift to one call, got %v", out)
			}
			if out[0].Dst.Reg != tc.want {
				t.Errorf("intrinsic = %q, want %q", out[0].Dst.Reg, tc.want)
			}
			if len(out[0].Extra) == 0 || out[0].Extra[0].Reg != "xmm0" {
				t.Error("destination register must be the first extra argument")
			}
		})
	}
}

func TestLiftSystem(t *testing.T) {
	l := New()
	out := l.Lift(instr(0x60, "syscall", ""))
	if out[0].Op != ir.Call || out[0].Dst.Reg != "__asm_syscall" {
		t.Fatalf("syscall target = %s", out[0].Dst)
	}
	if len(out[0].Extra) != 4 || out[0].Extra[0].Reg != "rax" {
		t.Error("syscall must list implicit input registers")
	}
	if out[1].Op != ir.Unknown || out[1].Dst.Reg != "rax" {
		t.Error("syscall must def rax opaquely")
	}

	out = l.Lift(instr(0x64, "popcnt", "rax, rbx", reg("rax"), reg("rbx")))
	if out[0].Dst.Reg != "__builtin_popcnt" {
		t.Errorf("popcnt target = %s", out[0].Dst)
	}
}

func TestLiftUnknownMnemonic(t *testing.T) {
	l := New()
	out := l.Lift(instr(0x70, "xyzzy", "rax, rbx", reg("rax"), reg("rbx")))
	if len(out) != 1 || out[0].Op != ir.Unknown {
		t.Fatalf("unknown mnemonic must lift to a single Unknown, got %v", out)
	}
	if out[0].Dst.Reg != "rax" || out[0].Src.Reg != "rbx" {
		t.Error("unknown must keep raw operands")
	}
}

func TestLiftCmovAndMemoryOperand(t *testing.T) {
	l := New()
	out := l.Lift(instr(0x80, "cmove", "rax, rbx", reg("rax"), reg("rbx")))
	if out[0].Op != ir.Cmov || out[0].Src.Kind != ir.KindCond {
		t.Fatalf("cmov shape wrong: %s", out[0])
	}

	out = l.Lift(instr(0x84, "mov", "rax, [rbx+rcx*4+8]",
		reg("rax"),
		disasm.Operand{Kind: disasm.OperandMemory, Base: "rbx", Index: "rcx", Scale: 4, Disp: 8}))
	src := out[0].Src
	if src.Kind != ir.KindExpr || src.Op != ir.Add {
		t.Fatalf("indexed memory should convert to an address expression, got %s", src)
	}

	out = l.Lift(instr(0x88, "mov", "rax, [rbp-8]", reg("rax"), mem("rbp", -8)))
	if out[0].Src.Kind != ir.KindMemRef || out[0].Src.Disp != -8 {
		t.Errorf("base+disp should stay a MemRef, got %s", out[0].Src)
	}
}

func TestLiftCompare(t *testing.T) {
	l := New()
	out := l.Lift(instr(0x90, "cmp", "rax, 0", reg("rax"), imm(0)))
	if out[0].Op != ir.Cmp {
		t.Fatalf("first statement = %s", out[0])
	}
	if findFlagWrite(out, FlagZF) == nil || findFlagWrite(out, FlagCF) == nil {
		t.Error("cmp must update zf and cf")
	}
	out = l.Lift(instr(0x94, "test", "rax, rax", reg("rax"), reg("rax")))
	if out[0].Op != ir.Test {
		t.Errorf("test lifts to %s", out[0].Op)
	}
	cf := findFlagWrite(out, FlagCF)
	if cf == nil || cf.Src.Kind != ir.KindImm || cf.Src.Imm != 0 {
		t.Error("test must clear cf")
	}
}

package lift

import (
	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/ir"
	log "github.com/sirupsen/logrus"
)

// liftSystem turns privileged and extension instructions into calls to
// __asm_/__builtin_ helpers with the architecturally implicit inputs as
// extra arguments; implicit outputs become fresh opaque defs.
func (l *Lifter) liftSystem(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	log.WithFields(log.Fields{"mnemonic": mnem, "addr": inst.Addr}).Debug("lifting system instruction")
	switch mnem {
	case "syscall", "sysenter", "svc":
		call := ir.NewStatement(inst.Addr, ir.Call, ir.Reg("__asm_"+mnem), ir.None())
		call.Extra = []*ir.Operand{
			ir.Reg("rax"), ir.Reg("rdi"), ir.Reg("rsi"), ir.Reg("rdx"),
		}
		*out = append(*out, call,
			ir.NewStatement(inst.Addr, ir.Unknown, ir.Reg("rax"), ir.None()))

	case "cpuid":
		call := ir.NewStatement(inst.Addr, ir.Call, ir.Reg("__asm_cpuid"), ir.None())
		call.Extra = []*ir.Operand{ir.Reg("eax"), ir.Reg("ecx")}
		*out = append(*out, call)
		for _, r := range []string{"eax", "ebx", "ecx", "edx"} {
			*out = append(*out, ir.NewStatement(inst.Addr, ir.Unknown, ir.Reg(r), ir.None()))
		}

	case "rdtsc", "rdtscp":
		*out = append(*out,
			ir.NewStatement(inst.Addr, ir.Call, ir.Reg("__asm_rdtsc"), ir.None()),
			ir.NewStatement(inst.Addr, ir.Unknown, ir.Reg("eax"), ir.None()),
			ir.NewStatement(inst.Addr, ir.Unknown, ir.Reg("edx"), ir.None()))

	case "andn":
		dst := l.Operand(inst, 0)
		src1, src2 := l.Operand(inst, 1), l.Operand(inst, 2)
		inverted := ir.Expr(ir.Xor, src1, ir.Imm(-1))
		*out = append(*out, ir.NewStatement(inst.Addr, ir.Mov, dst,
			ir.Expr(ir.And, inverted, src2)))

	case "popcnt", "lzcnt", "tzcnt":
		dst, src := l.Operand(inst, 0), l.Operand(inst, 1)
		call := ir.NewStatement(inst.Addr, ir.Call, ir.Reg("__builtin_"+mnem), ir.None())
		call.Extra = []*ir.Operand{src}
		*out = append(*out, call,
			ir.NewStatement(inst.Addr, ir.Unknown, dst, ir.None()))

	default:
		l.liftGenericUnknown(inst, out)
	}
}

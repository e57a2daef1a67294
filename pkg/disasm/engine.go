package disasm

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// ErrDecode marks an undecodable byte range. Tracing treats it as a local
// failure: the block ends there and the function is still emitted.
var ErrDecode = errors.New("cannot decode instruction")

// Engine decodes one instruction at a time for a fixed architecture.
// Engines are cheap; discovery workers each build their own.
type Engine struct {
	arch string
	mode int
}

// NewEngine builds a decoder for the loader's architecture tag.
func NewEngine(archName string) *Engine {
	mode := 64
	if archName == "x86" {
		mode = 32
	}
	return &Engine{arch: archName, mode: mode}
}

// Arch returns the architecture tag the engine decodes for.
func (e *Engine) Arch() string { return e.arch }

// Decode normalizes the instruction starting at buf[0], which is mapped at
// addr. Branch-relative operands are resolved to absolute targets.
func (e *Engine) Decode(buf []byte, addr uint64) (*Instruction, error) {
	switch e.arch {
	case "arm64", "aarch64":
		return e.decodeARM64(buf, addr)
	default:
		return e.decodeX86(buf, addr)
	}
}

func (e *Engine) decodeX86(buf []byte, addr uint64) (*Instruction, error) {
	inst, err := x86asm.Decode(buf, e.mode)
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	out := &Instruction{
		Addr:     addr,
		Mnemonic: strings.ToLower(inst.Op.String()),
		OpText:   strings.ToLower(x86asm.IntelSyntax(inst, addr, nil)),
		Bytes:    append([]byte(nil), buf[:inst.Len]...),
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			out.Operands = append(out.Operands, Operand{
				Kind: OperandRegister,
				Reg:  strings.ToLower(a.String()),
			})
		case x86asm.Imm:
			out.Operands = append(out.Operands, Operand{
				Kind: OperandImmediate,
				Imm:  int64(a),
			})
		case x86asm.Rel:
			// Relative branch displacement: resolve against the address of
			// the next instruction.
			out.Operands = append(out.Operands, Operand{
				Kind: OperandImmediate,
				Imm:  int64(addr) + int64(inst.Len) + int64(a),
			})
		case x86asm.Mem:
			m := Operand{Kind: OperandMemory, Disp: a.Disp}
			if a.Base != 0 {
				m.Base = strings.ToLower(a.Base.String())
			}
			if a.Index != 0 {
				m.Index = strings.ToLower(a.Index.String())
				m.Scale = int64(a.Scale)
			}
			out.Operands = append(out.Operands, m)
		default:
			out.Operands = append(out.Operands, Operand{Kind: OperandUnknown})
		}
	}
	return out, nil
}

package disasm

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
)

func (e *Engine) decodeARM64(buf []byte, addr uint64) (*Instruction, error) {
	if len(buf) < 4 {
		return nil, errors.Wrap(ErrDecode, "short arm64 buffer")
	}
	inst, err := arm64asm.Decode(buf[:4])
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	out := &Instruction{
		Addr:     addr,
		Mnemonic: strings.ToLower(inst.Op.String()),
		OpText:   strings.ToLower(arm64asm.GNUSyntax(inst)),
		Bytes:    append([]byte(nil), buf[:4]...),
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case arm64asm.Reg:
			out.Operands = append(out.Operands, Operand{
				Kind: OperandRegister,
				Reg:  strings.ToLower(a.String()),
			})
		case arm64asm.RegSP:
			out.Operands = append(out.Operands, Operand{
				Kind: OperandRegister,
				Reg:  strings.ToLower(arm64asm.Reg(a).String()),
			})
		case arm64asm.Imm:
			out.Operands = append(out.Operands, Operand{
				Kind: OperandImmediate,
				Imm:  int64(a.Imm),
			})
		case arm64asm.Imm64:
			out.Operands = append(out.Operands, Operand{
				Kind: OperandImmediate,
				Imm:  a.Imm,
			})
		case arm64asm.PCRel:
			out.Operands = append(out.Operands, Operand{
				Kind: OperandImmediate,
				Imm:  int64(addr) + int64(a),
			})
		case arm64asm.Cond:
			// Fold the condition into the mnemonic (b + eq -> b.eq) so the
			// lifter sees the same shape as x86 j<cc>.
			out.Mnemonic = out.Mnemonic + "." + strings.ToLower(a.String())
		default:
			out.Operands = append(out.Operands, parseARM64TextOperand(arg.String()))
		}
	}
	return out, nil
}

// parseARM64TextOperand recovers memory operands from their printed form
// ("[x29,#-16]", "[x2,x3,lsl #2]"). arm64asm keeps the raw displacement
// unexported, so the text is the stable surface.
func parseARM64TextOperand(s string) Operand {
	s = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "!"))
	if !strings.HasPrefix(s, "[") {
		if v, ok := parseHashImm(s); ok {
			return Operand{Kind: OperandImmediate, Imm: v}
		}
		return Operand{Kind: OperandUnknown}
	}
	end := strings.Index(s, "]")
	if end < 0 {
		return Operand{Kind: OperandUnknown}
	}
	inner := s[1:end]
	post := strings.TrimPrefix(s[end+1:], ",")
	parts := strings.Split(inner, ",")
	m := Operand{Kind: OperandMemory, Base: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if v, ok := parseHashImm(p); ok {
			m.Disp = v
			continue
		}
		if shift, found := strings.CutPrefix(p, "lsl #"); found {
			if n, err := strconv.ParseInt(shift, 0, 64); err == nil {
				m.Scale = 1 << n
			}
			continue
		}
		if m.Index == "" {
			m.Index = p
			if m.Scale == 0 {
				m.Scale = 1
			}
		}
	}
	// Post-indexed displacement ("[x2],#16") adjusts the base after the
	// access; record it so stack tracking still sees the delta.
	if v, ok := parseHashImm(strings.TrimSpace(post)); ok && m.Disp == 0 {
		m.Disp = v
	}
	return m
}

func parseHashImm(s string) (int64, bool) {
	if !strings.HasPrefix(s, "#") {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 0, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

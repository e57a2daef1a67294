// Package disasm wraps the golang.org/x/arch decoders behind one
// normalized instruction shape: a mnemonic plus a flat operand list with
// register, immediate, and memory variants. The rest of the pipeline never
// touches an architecture-specific decoder type.
package disasm

import "fmt"

// OperandKind tags a normalized operand variant.
type OperandKind uint8

const (
	OperandUnknown OperandKind = iota
	OperandRegister
	OperandImmediate
	OperandMemory
)

// Operand is one normalized instruction operand.
type Operand struct {
	Kind  OperandKind
	Reg   string // OperandRegister: lower-cased name
	Imm   int64  // OperandImmediate: value, or resolved branch target
	Base  string // OperandMemory: base register ("" if absent)
	Index string // OperandMemory: index register ("" if absent)
	Scale int64  // OperandMemory: index scale (0 if no index)
	Disp  int64  // OperandMemory: signed displacement
}

// Instruction is one decoded, normalized machine instruction.
type Instruction struct {
	Addr     uint64
	Mnemonic string
	OpText   string
	Bytes    []byte
	Operands []Operand
}

// Len returns the encoded byte length.
func (i *Instruction) Len() int { return len(i.Bytes) }

// Operand returns the n-th operand, or a zero Operand when absent.
func (i *Instruction) Operand(n int) Operand {
	if n < len(i.Operands) {
		return i.Operands[n]
	}
	return Operand{}
}

func (i *Instruction) String() string {
	return fmt.Sprintf("0x%x: %s %s", i.Addr, i.Mnemonic, i.OpText)
}

package ir

import (
	"fmt"
	"strings"
)

// OperandKind tags the active variant of an Operand.
type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindRegister
	KindSSA
	KindImm
	KindFloatImm
	KindMemAbs
	KindMemRef
	KindExpr
	KindCond
	KindLane
)

// Operand is a tagged variant. Only the fields relevant to Kind are set;
// child operands are boxed so expression trees and conditionals can nest
// without cycles.
type Operand struct {
	Kind OperandKind

	Reg     string       // KindRegister: lower-cased register name
	Name    string       // KindSSA: base name
	Version int          // KindSSA: version index
	Imm     int64        // KindImm
	Float   OrderedFloat // KindFloatImm
	Addr    uint64       // KindMemAbs
	Base    string       // KindMemRef: base register name
	Disp    int64        // KindMemRef: signed displacement

	Op    Opcode   // KindExpr
	Left  *Operand // KindExpr
	Right *Operand // KindExpr

	Cond     *Operand // KindCond
	TrueVal  *Operand // KindCond
	FalseVal *Operand // KindCond

	Inner *Operand // KindLane
	Lane  int      // KindLane
}

// None returns the sentinel operand for an unused slot.
func None() *Operand { return &Operand{Kind: KindNone} }

// Reg builds a register operand; the name is lower-cased.
func Reg(name string) *Operand {
	return &Operand{Kind: KindRegister, Reg: strings.ToLower(name)}
}

// SSA builds a versioned variable operand.
func SSA(name string, version int) *Operand {
	return &Operand{Kind: KindSSA, Name: name, Version: version}
}

// Imm builds a 64-bit signed immediate.
func Imm(v int64) *Operand { return &Operand{Kind: KindImm, Imm: v} }

// FloatImm builds a float immediate with bit-pattern equality.
func FloatImm(v float64) *Operand {
	return &Operand{Kind: KindFloatImm, Float: NewOrderedFloat(v)}
}

// MemAbs builds an absolute-memory operand.
func MemAbs(addr uint64) *Operand { return &Operand{Kind: KindMemAbs, Addr: addr} }

// MemRef builds a base+displacement memory reference.
func MemRef(base string, disp int64) *Operand {
	return &Operand{Kind: KindMemRef, Base: strings.ToLower(base), Disp: disp}
}

// Expr builds a binary expression node.
func Expr(op Opcode, left, right *Operand) *Operand {
	return &Operand{Kind: KindExpr, Op: op, Left: left, Right: right}
}

// CondOp builds a conditional (cond ? trueVal : falseVal) operand.
func CondOp(cond, trueVal, falseVal *Operand) *Operand {
	return &Operand{Kind: KindCond, Cond: cond, TrueVal: trueVal, FalseVal: falseVal}
}

// LaneOf builds a vector-lane projection.
func LaneOf(inner *Operand, lane int) *Operand {
	return &Operand{Kind: KindLane, Inner: inner, Lane: lane}
}

// IsNone reports whether o is absent or the sentinel.
func (o *Operand) IsNone() bool { return o == nil || o.Kind == KindNone }

// Clone returns a deep copy of the operand tree.
func (o *Operand) Clone() *Operand {
	if o == nil {
		return nil
	}
	c := *o
	c.Left = o.Left.Clone()
	c.Right = o.Right.Clone()
	c.Cond = o.Cond.Clone()
	c.TrueVal = o.TrueVal.Clone()
	c.FalseVal = o.FalseVal.Clone()
	c.Inner = o.Inner.Clone()
	return &c
}

// Equal compares two operand trees structurally. Float immediates compare
// by bit pattern, so NaN equals itself.
func (o *Operand) Equal(other *Operand) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.Kind != other.Kind {
		return false
	}
	switch o.Kind {
	case KindNone:
		return true
	case KindRegister:
		return o.Reg == other.Reg
	case KindSSA:
		return o.Name == other.Name && o.Version == other.Version
	case KindImm:
		return o.Imm == other.Imm
	case KindFloatImm:
		return o.Float == other.Float
	case KindMemAbs:
		return o.Addr == other.Addr
	case KindMemRef:
		return o.Base == other.Base && o.Disp == other.Disp
	case KindExpr:
		return o.Op == other.Op && o.Left.Equal(other.Left) && o.Right.Equal(other.Right)
	case KindCond:
		return o.Cond.Equal(other.Cond) && o.TrueVal.Equal(other.TrueVal) && o.FalseVal.Equal(other.FalseVal)
	case KindLane:
		return o.Lane == other.Lane && o.Inner.Equal(other.Inner)
	}
	return false
}

// Key returns a stable string usable as a hash-map key for structural
// identity. Distinct trees produce distinct keys.
func (o *Operand) Key() string {
	if o == nil {
		return "-"
	}
	switch o.Kind {
	case KindNone:
		return "-"
	case KindRegister:
		return "r:" + o.Reg
	case KindSSA:
		return fmt.Sprintf("s:%s_%d", o.Name, o.Version)
	case KindImm:
		return fmt.Sprintf("i:%d", o.Imm)
	case KindFloatImm:
		return fmt.Sprintf("f:%016x", uint64(o.Float))
	case KindMemAbs:
		return fmt.Sprintf("a:%x", o.Addr)
	case KindMemRef:
		return fmt.Sprintf("m:%s:%d", o.Base, o.Disp)
	case KindExpr:
		return fmt.Sprintf("e:%d(%s,%s)", o.Op, o.Left.Key(), o.Right.Key())
	case KindCond:
		return fmt.Sprintf("c:(%s?%s:%s)", o.Cond.Key(), o.TrueVal.Key(), o.FalseVal.Key())
	case KindLane:
		return fmt.Sprintf("l:%d(%s)", o.Lane, o.Inner.Key())
	}
	return "?"
}

func (o *Operand) String() string {
	if o == nil {
		return "_"
	}
	switch o.Kind {
	case KindNone:
		return "_"
	case KindRegister:
		return o.Reg
	case KindSSA:
		return fmt.Sprintf("%s_%d", o.Name, o.Version)
	case KindImm:
		return fmt.Sprintf("0x%x", uint64(o.Imm))
	case KindFloatImm:
		return fmt.Sprintf("%g", o.Float.Value())
	case KindMemAbs:
		return fmt.Sprintf("[0x%x]", o.Addr)
	case KindMemRef:
		if o.Disp < 0 {
			return fmt.Sprintf("[%s-0x%x]", o.Base, uint64(-o.Disp))
		}
		return fmt.Sprintf("[%s+0x%x]", o.Base, uint64(o.Disp))
	case KindExpr:
		return fmt.Sprintf("(%s %s %s)", o.Left, o.Op, o.Right)
	case KindCond:
		return fmt.Sprintf("(%s ? %s : %s)", o.Cond, o.TrueVal, o.FalseVal)
	case KindLane:
		return fmt.Sprintf("%s[%d]", o.Inner, o.Lane)
	}
	return "?"
}

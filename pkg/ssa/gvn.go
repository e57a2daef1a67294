package ssa

import (
	"fmt"

	"github.com/seclususs/rcdecomp/pkg/graph"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

// ExpressionOptimizer runs global value numbering followed by algebraic
// simplification. Operands are mapped to value numbers by recursive
// structural hashing; commutative operators canonicalize operand order so
// a+b and b+a share a number.
type ExpressionOptimizer struct {
	operandVN map[string]uint32
	exprVN    map[string]uint32
	canonical map[uint32]*ir.Operand
	nextVN    uint32
}

// NewExpressionOptimizer returns a fresh optimizer.
func NewExpressionOptimizer() *ExpressionOptimizer {
	return &ExpressionOptimizer{
		operandVN: make(map[string]uint32),
		exprVN:    make(map[string]uint32),
		canonical: make(map[uint32]*ir.Operand),
		nextVN:    1,
	}
}

// Run numbers values block-by-block in address order, rewriting redundant
// computations to moves from the canonical operand, then folds algebraic
// identities across the whole graph.
func (e *ExpressionOptimizer) Run(c *graph.CFG) {
	e.runGVN(c)
	for _, id := range c.SortedIDs() {
		for _, s := range c.Blocks[id].Stmts {
			s.Src = Simplify(s.Src)
			if s.Dst != nil && s.Dst.Kind == ir.KindExpr {
				s.Dst = Simplify(s.Dst)
			}
		}
	}
}

func (e *ExpressionOptimizer) runGVN(c *graph.CFG) {
	e.reset()
	for _, id := range c.SortedIDs() {
		for _, s := range c.Blocks[id].Stmts {
			s.Src = Simplify(s.Src)
			switch s.Op {
			case ir.Mov, ir.Add, ir.Sub, ir.Imul, ir.Div, ir.And, ir.Or,
				ir.Xor, ir.Shl, ir.Shr, ir.VecAdd, ir.VecSub, ir.VecMul,
				ir.VecDiv, ir.VecAnd, ir.VecOr, ir.VecXor:
				if s.Dst == nil || s.Dst.Kind != ir.KindSSA {
					continue
				}
				vn := e.valueNumber(s.Src)
				if canon, ok := e.canonical[vn]; ok {
					if !canon.Equal(s.Dst) {
						// The value is already available: forward it.
						s.Op = ir.Mov
						s.Src = canon.Clone()
					}
				} else {
					// First computation of this value: its destination
					// becomes the canonical operand.
					e.canonical[vn] = s.Dst.Clone()
				}
				e.operandVN[s.Dst.Key()] = vn
			case ir.Phi:
				if s.Dst != nil && s.Dst.Kind == ir.KindSSA {
					vn := e.fresh()
					e.operandVN[s.Dst.Key()] = vn
					e.canonical[vn] = s.Dst.Clone()
				}
			}
		}
	}
}

func (e *ExpressionOptimizer) reset() {
	e.operandVN = make(map[string]uint32)
	e.exprVN = make(map[string]uint32)
	e.canonical = make(map[uint32]*ir.Operand)
	e.nextVN = 1
}

func (e *ExpressionOptimizer) fresh() uint32 {
	vn := e.nextVN
	e.nextVN++
	return vn
}

// valueNumber computes the VN of an operand tree.
func (e *ExpressionOptimizer) valueNumber(op *ir.Operand) uint32 {
	if op == nil {
		return e.fresh()
	}
	if vn, ok := e.operandVN[op.Key()]; ok {
		return vn
	}
	switch op.Kind {
	case ir.KindSSA, ir.KindRegister:
		vn := e.fresh()
		e.operandVN[op.Key()] = vn
		e.canonical[vn] = op.Clone()
		return vn
	case ir.KindImm:
		return e.keyedVN(fmt.Sprintf("imm:%d", op.Imm), op)
	case ir.KindFloatImm:
		return e.keyedVN(fmt.Sprintf("fimm:%016x", uint64(op.Float)), op)
	case ir.KindExpr:
		left := e.valueNumber(op.Left)
		right := e.valueNumber(op.Right)
		if op.Op.IsCommutative() && left > right {
			left, right = right, left
		}
		return e.keyedVN(fmt.Sprintf("expr:%d:%d:%d", op.Op, left, right), op)
	default:
		return e.fresh()
	}
}

func (e *ExpressionOptimizer) keyedVN(key string, op *ir.Operand) uint32 {
	if vn, ok := e.exprVN[key]; ok {
		return vn
	}
	vn := e.fresh()
	e.exprVN[key] = vn
	if _, ok := e.canonical[vn]; !ok && op.Kind != ir.KindExpr {
		e.canonical[vn] = op.Clone()
	}
	return vn
}

// Simplify folds algebraic identities and fully-constant subtrees:
// x+0, x·1, x·0, x−x, x/x, wrapping integer folds, float folds with NaN
// propagation, and decided conditionals.
func Simplify(op *ir.Operand) *ir.Operand {
	if op == nil {
		return nil
	}
	switch op.Kind {
	case ir.KindExpr:
		op.Left = Simplify(op.Left)
		op.Right = Simplify(op.Right)
		l, r := op.Left, op.Right

		switch op.Op {
		case ir.Add:
			if r.Kind == ir.KindImm && r.Imm == 0 {
				return l
			}
			if l.Kind == ir.KindImm && l.Imm == 0 {
				return r
			}
		case ir.Sub:
			if r.Kind == ir.KindImm && r.Imm == 0 {
				return l
			}
			if l.Equal(r) {
				return ir.Imm(0)
			}
		case ir.Imul, ir.Mul:
			if r.Kind == ir.KindImm && r.Imm == 1 {
				return l
			}
			if l.Kind == ir.KindImm && l.Imm == 1 {
				return r
			}
			if (r.Kind == ir.KindImm && r.Imm == 0) || (l.Kind == ir.KindImm && l.Imm == 0) {
				return ir.Imm(0)
			}
		case ir.Div, ir.Idiv:
			if r.Kind == ir.KindImm && r.Imm == 1 {
				return l
			}
			if l.Equal(r) {
				return ir.Imm(1)
			}
		}

		if l.Kind == ir.KindImm && r.Kind == ir.KindImm {
			if v, ok := foldConstants(op.Op, l.Imm, r.Imm); ok {
				return ir.Imm(v)
			}
		}
		if l.Kind == ir.KindFloatImm && r.Kind == ir.KindFloatImm {
			if v, ok := foldFloats(op.Op, l.Float.Value(), r.Float.Value()); ok {
				return ir.FloatImm(v)
			}
		}
		return op

	case ir.KindCond:
		op.Cond = Simplify(op.Cond)
		op.TrueVal = Simplify(op.TrueVal)
		op.FalseVal = Simplify(op.FalseVal)
		if op.Cond.Kind == ir.KindImm {
			if op.Cond.Imm != 0 {
				return op.TrueVal
			}
			return op.FalseVal
		}
		return op

	default:
		return op
	}
}

// foldFloats evaluates a float expression; NaN operands propagate through
// IEEE semantics untouched.
func foldFloats(op ir.Opcode, a, b float64) (float64, bool) {
	switch op {
	case ir.FAdd:
		return a + b, true
	case ir.FSub:
		return a - b, true
	case ir.FMul:
		return a * b, true
	case ir.FDiv:
		return a / b, true
	default:
		return 0, false
	}
}

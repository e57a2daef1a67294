package ssa

import (
	"fmt"

	"github.com/seclususs/rcdecomp/pkg/graph"
	"github.com/seclususs/rcdecomp/pkg/ir"
	log "github.com/sirupsen/logrus"
)

// LatticeState is the three-point SCCP domain.
type LatticeState uint8

const (
	LatticeTop LatticeState = iota
	LatticeConstant
	LatticeBottom
)

// LatticeValue pairs the state with the constant payload.
type LatticeValue struct {
	State LatticeState
	Const int64
}

func top() LatticeValue               { return LatticeValue{State: LatticeTop} }
func bottom() LatticeValue            { return LatticeValue{State: LatticeBottom} }
func constant(v int64) LatticeValue   { return LatticeValue{State: LatticeConstant, Const: v} }
func (v LatticeValue) isConst() bool  { return v.State == LatticeConstant }
func (v LatticeValue) isBottom() bool { return v.State == LatticeBottom }

// meet is the lattice join: Top ⊔ x = x, Bottom absorbs, equal constants
// stay, unequal constants fall to Bottom.
func meet(a, b LatticeValue) LatticeValue {
	switch {
	case a.State == LatticeTop:
		return b
	case b.State == LatticeTop:
		return a
	case a.isBottom() || b.isBottom():
		return bottom()
	case a.Const == b.Const:
		return a
	default:
		return bottom()
	}
}

type edge struct{ from, to uint64 }

// SCCP is the sparse conditional constant propagation solver: two
// worklists (flow edges and SSA names), with only executable edges
// evaluated and φs restricted to executable incoming edges.
type SCCP struct {
	values     map[string]LatticeValue
	flowWork   []edge
	ssaWork    []string
	executable map[edge]bool
	visited    map[uint64]bool
	iterations int
}

// sccpBound caps total worklist pops on hostile inputs.
const sccpBound = 200000

// NewSCCP returns an empty solver.
func NewSCCP() *SCCP {
	return &SCCP{
		values:     make(map[string]LatticeValue),
		executable: make(map[edge]bool),
		visited:    make(map[uint64]bool),
	}
}

func ssaKey(name string, version int) string {
	return fmt.Sprintf("%s_%d", name, version)
}

// Run solves the lattice over the CFG.
func (s *SCCP) Run(c *graph.CFG) {
	s.flowWork = append(s.flowWork, edge{0, c.Entry})
	for len(s.flowWork) > 0 || len(s.ssaWork) > 0 {
		s.iterations++
		if s.iterations > sccpBound {
			log.Warn("sccp iteration cap reached; applying partial lattice")
			return
		}
		if len(s.flowWork) > 0 {
			e := s.flowWork[0]
			s.flowWork = s.flowWork[1:]
			if s.executable[e] {
				continue
			}
			s.executable[e] = true
			s.visitPhis(c, e.to)
			s.visited[e.to] = true
			s.visitBlock(c, e.to)
			continue
		}
		name := s.ssaWork[0]
		s.ssaWork = s.ssaWork[1:]
		s.visitUses(c, name)
	}
}

// Value returns the final lattice value for an SSA name.
func (s *SCCP) Value(name string, version int) LatticeValue {
	if v, ok := s.values[ssaKey(name, version)]; ok {
		return v
	}
	return top()
}

// Apply substitutes proven constants into the IR and deletes blocks never
// marked executable, shrinking surviving edges to match.
func (s *SCCP) Apply(c *graph.CFG) {
	for _, id := range c.SortedIDs() {
		for _, stmt := range c.Blocks[id].Stmts {
			// Defs keep their SSA destination; only embedded uses (address
			// expressions) fold.
			if stmt.Dst != nil && stmt.Dst.Kind == ir.KindExpr {
				s.substitute(stmt.Dst)
			}
			s.substitute(stmt.Src)
			for _, e := range stmt.Extra {
				s.substitute(e)
			}
		}
	}
	for _, id := range c.SortedIDs() {
		if id == c.Entry || s.visited[id] {
			continue
		}
		b := c.Blocks[id]
		for _, succ := range append([]uint64(nil), b.Succs...) {
			c.RemoveEdge(id, succ)
		}
		for _, pred := range append([]uint64(nil), b.Preds...) {
			c.RemoveEdge(pred, id)
		}
		delete(c.Blocks, id)
	}
	// Drop edges whose executability was refuted even when both endpoints
	// survive.
	for _, id := range c.SortedIDs() {
		b := c.Blocks[id]
		for _, succ := range append([]uint64(nil), b.Succs...) {
			if _, ok := c.Blocks[succ]; !ok {
				b.Succs = removeID(b.Succs, succ)
			}
		}
	}
}

func removeID(s []uint64, v uint64) []uint64 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (s *SCCP) substitute(op *ir.Operand) {
	if op == nil {
		return
	}
	switch op.Kind {
	case ir.KindSSA:
		if v, ok := s.values[ssaKey(op.Name, op.Version)]; ok && v.isConst() {
			*op = *ir.Imm(v.Const)
		}
	case ir.KindExpr:
		s.substitute(op.Left)
		s.substitute(op.Right)
	case ir.KindCond:
		s.substitute(op.Cond)
		s.substitute(op.TrueVal)
		s.substitute(op.FalseVal)
	}
}

// visitPhis re-evaluates the φs at the head of a newly executable edge's
// target, considering only executable incoming edges.
func (s *SCCP) visitPhis(c *graph.CFG, blockID uint64) {
	b, ok := c.Blocks[blockID]
	if !ok {
		return
	}
	for _, stmt := range b.Stmts {
		if stmt.Op != ir.Phi {
			break
		}
		if stmt.Dst.Kind != ir.KindSSA {
			continue
		}
		merged := top()
		for i, pred := range b.Preds {
			if !s.executable[edge{pred, blockID}] {
				continue
			}
			if i < len(stmt.Extra) {
				merged = meet(merged, s.eval(stmt.Extra[i]))
			}
		}
		s.update(ssaKey(stmt.Dst.Name, stmt.Dst.Version), merged)
	}
}

func (s *SCCP) visitBlock(c *graph.CFG, blockID uint64) {
	b, ok := c.Blocks[blockID]
	if !ok {
		return
	}
	for _, stmt := range b.Stmts {
		if stmt.Op == ir.Phi {
			continue
		}
		s.visitStatement(c, b, stmt)
	}
}

// visitUses re-evaluates every executable statement reading the changed
// name.
func (s *SCCP) visitUses(c *graph.CFG, name string) {
	for _, id := range c.SortedIDs() {
		if !s.visited[id] {
			continue
		}
		b := c.Blocks[id]
		for _, stmt := range b.Stmts {
			if stmt.Op == ir.Phi {
				s.visitPhis(c, id)
				continue
			}
			if usesName(stmt, name) {
				s.visitStatement(c, b, stmt)
			}
		}
	}
}

func usesName(stmt *ir.Statement, name string) bool {
	if operandUses(stmt.Src, name) || operandUses(stmt.Dst, name) {
		return true
	}
	for _, e := range stmt.Extra {
		if operandUses(e, name) {
			return true
		}
	}
	return false
}

func operandUses(op *ir.Operand, name string) bool {
	if op == nil {
		return false
	}
	switch op.Kind {
	case ir.KindSSA:
		return ssaKey(op.Name, op.Version) == name
	case ir.KindExpr:
		return operandUses(op.Left, name) || operandUses(op.Right, name)
	case ir.KindCond:
		return operandUses(op.Cond, name) || operandUses(op.TrueVal, name) ||
			operandUses(op.FalseVal, name)
	}
	return false
}

// visitStatement transfers one statement: defs update the target's cell,
// branches mark outgoing edges executable per the condition's value.
func (s *SCCP) visitStatement(c *graph.CFG, b *graph.BasicBlock, stmt *ir.Statement) {
	if stmt.Dst != nil && stmt.Dst.Kind == ir.KindSSA {
		var result LatticeValue
		switch stmt.Op {
		case ir.Mov, ir.Add, ir.Sub, ir.Imul, ir.Div,
			ir.And, ir.Or, ir.Xor, ir.Shl, ir.Shr, ir.Sar:
			result = s.eval(stmt.Src)
		default:
			result = bottom()
		}
		s.update(ssaKey(stmt.Dst.Name, stmt.Dst.Version), result)
	}

	switch {
	case stmt.Op == ir.Jmp:
		if stmt.Dst.Kind == ir.KindImm {
			s.flowWork = append(s.flowWork, edge{b.ID, uint64(stmt.Dst.Imm)})
		} else {
			for _, succ := range b.Succs {
				s.flowWork = append(s.flowWork, edge{b.ID, succ})
			}
		}
	case stmt.Op.IsConditionalBranch():
		cond := s.eval(stmt.Src)
		if len(b.Succs) == 2 {
			switch {
			case cond.isConst():
				// Successor order is fall-through first, branch target
				// second; a true condition takes the target.
				taken := b.Succs[1]
				if cond.Const == 0 {
					taken = b.Succs[0]
				}
				s.flowWork = append(s.flowWork, edge{b.ID, taken})
			case cond.isBottom():
				s.flowWork = append(s.flowWork, edge{b.ID, b.Succs[0]}, edge{b.ID, b.Succs[1]})
			}
			// Top: neither edge proven reachable yet.
		} else {
			for _, succ := range b.Succs {
				s.flowWork = append(s.flowWork, edge{b.ID, succ})
			}
		}
	default:
		if stmt == b.Terminator() {
			for _, succ := range b.Succs {
				s.flowWork = append(s.flowWork, edge{b.ID, succ})
			}
		}
	}
}

// eval folds an operand tree over the current lattice.
func (s *SCCP) eval(op *ir.Operand) LatticeValue {
	if op == nil {
		return bottom()
	}
	switch op.Kind {
	case ir.KindImm:
		return constant(op.Imm)
	case ir.KindSSA:
		if v, ok := s.values[ssaKey(op.Name, op.Version)]; ok {
			return v
		}
		if op.Version == 0 {
			// Version 0 is the live-in value: defined outside the
			// function, so it is already overdefined.
			return bottom()
		}
		return top()
	case ir.KindFloatImm:
		// Floats stay out of the integer lattice.
		return bottom()
	case ir.KindExpr:
		left, right := s.eval(op.Left), s.eval(op.Right)
		if left.isConst() && right.isConst() {
			if v, ok := foldConstants(op.Op, left.Const, right.Const); ok {
				return constant(v)
			}
			return bottom()
		}
		if left.isBottom() || right.isBottom() {
			return bottom()
		}
		return top()
	default:
		return bottom()
	}
}

// foldConstants evaluates an integer expression with wrapping arithmetic.
func foldConstants(op ir.Opcode, a, b int64) (int64, bool) {
	switch op {
	case ir.Add:
		return a + b, true
	case ir.Sub:
		return a - b, true
	case ir.Imul, ir.Mul:
		return a * b, true
	case ir.Div, ir.Idiv:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case ir.And:
		return a & b, true
	case ir.Or:
		return a | b, true
	case ir.Xor:
		return a ^ b, true
	case ir.Shl:
		return a << (uint64(b) & 0x3F), true
	case ir.Shr:
		return int64(uint64(a) >> (uint64(b) & 0x3F)), true
	case ir.Sar:
		return a >> (uint64(b) & 0x3F), true
	case ir.Je:
		return boolToInt(a == b), true
	case ir.Jne:
		return boolToInt(a != b), true
	case ir.Jg:
		return boolToInt(a > b), true
	case ir.Jge:
		return boolToInt(a >= b), true
	case ir.Jl:
		return boolToInt(a < b), true
	case ir.Jle:
		return boolToInt(a <= b), true
	default:
		return 0, false
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// update lowers a cell monotonically; raising is refused so values only
// descend Top → Constant → Bottom.
func (s *SCCP) update(key string, newVal LatticeValue) {
	old, ok := s.values[key]
	if !ok {
		old = top()
	}
	merged := meet(old, newVal)
	if merged == old && ok {
		return
	}
	if !ok && merged.State == LatticeTop {
		return
	}
	s.values[key] = merged
	s.ssaWork = append(s.ssaWork, key)
}

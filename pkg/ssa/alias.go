// Package ssa holds alias analysis, SSA construction, and the SSA-form
// optimizations (SCCP, GVN, algebraic simplification, ADCE).
package ssa

import (
	"fmt"
	"strings"

	"github.com/seclususs/rcdecomp/pkg/ir"
)

// RegionKind classifies where a pointer points.
type RegionKind uint8

const (
	RegionUnknown RegionKind = iota
	RegionGlobal
	RegionStack
	RegionHeap
	RegionSymbolic
)

// Region is a memory-region tag used to name memory SSA variables.
type Region struct {
	Kind   RegionKind
	Addr   uint64 // RegionGlobal / RegionHeap (allocation site)
	Offset int64  // RegionStack
	Base   string // RegionSymbolic
}

// PointerState tracks one variable's pointer value during alias analysis.
type PointerState struct {
	Region  Region
	Offset  int64
	Index   string // index variable, "" when absent
	Scale   int64
	Escaped bool
}

// AliasAnalyzer propagates pointer states across a function's statements
// and answers region and escape queries. Variable escapes are keyed by
// name; region escapes are keyed by the region tag so memory SSA keys can
// be gated too.
type AliasAnalyzer struct {
	states         map[string]PointerState
	escaped        map[string]bool
	escapedRegions map[string]bool
	framePtr       string
}

// NewAliasAnalyzer returns an empty analyzer.
func NewAliasAnalyzer() *AliasAnalyzer {
	return &AliasAnalyzer{
		states:         make(map[string]PointerState),
		escaped:        make(map[string]bool),
		escapedRegions: make(map[string]bool),
	}
}

// Analyze seeds the frame pointer at Stack(0) and walks the statements in
// order, propagating pointer states.
func (a *AliasAnalyzer) Analyze(stmts []*ir.Statement, framePointer string) {
	a.states = make(map[string]PointerState)
	a.escaped = make(map[string]bool)
	a.escapedRegions = make(map[string]bool)
	a.framePtr = framePointer
	a.states[framePointer] = PointerState{Region: Region{Kind: RegionStack}}

	for _, s := range stmts {
		switch s.Op {
		case ir.Mov, ir.Lea, ir.VecMov:
			a.propagateCopy(s.Dst, s.Src)
		case ir.Add, ir.Sub:
			a.propagateLinear(s)
		case ir.Imul, ir.Shl:
			if name, ok := varName(s.Dst); ok {
				delete(a.states, name)
			}
		case ir.And:
			a.maskPointer(s)
		case ir.Call:
			a.handleCall(s)
		default:
			if name, ok := varName(s.Dst); ok {
				delete(a.states, name)
			}
		}
		// A store through memory escapes the stored value.
		if s.Op == ir.Mov || s.Op == ir.VecMov {
			if s.Dst != nil && (s.Dst.Kind == ir.KindMemRef || s.Dst.Kind == ir.KindMemAbs) {
				a.markEscaped(s.Src)
			}
		}
	}
}

func (a *AliasAnalyzer) propagateCopy(dst, src *ir.Operand) {
	name, ok := varName(dst)
	if !ok {
		return
	}
	switch src.Kind {
	case ir.KindRegister, ir.KindSSA:
		srcName := operandBase(src)
		if st, ok := a.states[srcName]; ok {
			a.states[name] = st
		} else if srcName == a.framePtr {
			a.states[name] = PointerState{Region: Region{Kind: RegionStack}}
		} else {
			a.states[name] = PointerState{Region: Region{Kind: RegionSymbolic, Base: srcName}}
		}
	case ir.KindMemRef:
		if st, ok := a.states[src.Base]; ok {
			st.Offset += src.Disp
			a.states[name] = st
		} else {
			delete(a.states, name)
		}
	case ir.KindMemAbs:
		a.states[name] = PointerState{Region: Region{Kind: RegionGlobal, Addr: src.Addr}}
	default:
		delete(a.states, name)
	}
}

func (a *AliasAnalyzer) propagateLinear(s *ir.Statement) {
	name, ok := varName(s.Dst)
	if !ok {
		return
	}
	st, hasState := a.states[name]
	switch src := s.Src; src.Kind {
	case ir.KindImm:
		if !hasState {
			return
		}
		if s.Op == ir.Sub {
			st.Offset -= src.Imm
		} else {
			st.Offset += src.Imm
		}
		a.states[name] = st
	case ir.KindRegister, ir.KindSSA:
		other := operandBase(src)
		if !hasState {
			// dst had no pointer state; adopt the source's if it has one.
			if srcState, ok := a.states[other]; ok {
				a.states[name] = srcState
			}
			return
		}
		// Adding a second pointer-bearing variable becomes an index if the
		// slot is free, otherwise the state is no longer linear.
		if st.Index == "" {
			st.Index = other
			st.Scale = 1
			a.states[name] = st
		} else {
			delete(a.states, name)
		}
	case ir.KindExpr:
		// The lifter writes dst = (dst op k): recover the immediate leg.
		if src.Right != nil && src.Right.Kind == ir.KindImm && hasState {
			if s.Op == ir.Sub {
				st.Offset -= src.Right.Imm
			} else {
				st.Offset += src.Right.Imm
			}
			a.states[name] = st
			return
		}
		delete(a.states, name)
	default:
		delete(a.states, name)
	}
}

// maskPointer: aligning masks keep the region but reset the offset; any
// other masking is treated the same way since only the region matters for
// the memory key.
func (a *AliasAnalyzer) maskPointer(s *ir.Statement) {
	name, ok := varName(s.Dst)
	if !ok {
		return
	}
	if st, ok := a.states[name]; ok {
		st.Offset = 0
		a.states[name] = st
	}
}

// handleCall allocates a fresh heap region at the call site for the
// return-register destination and escapes every argument. The allocation
// itself is born escaped: the callee handed the pointer out.
func (a *AliasAnalyzer) handleCall(s *ir.Statement) {
	for _, arg := range s.Extra {
		a.markEscaped(arg)
	}
	if s.Dst != nil && s.Dst.Kind == ir.KindRegister {
		st := PointerState{
			Region:  Region{Kind: RegionHeap, Addr: s.Addr},
			Escaped: true,
		}
		a.states[s.Dst.Reg] = st
		a.escapedRegions[regionTag(st)] = true
	}
}

func (a *AliasAnalyzer) markEscaped(op *ir.Operand) {
	name, ok := varName(op)
	if !ok {
		return
	}
	a.escaped[name] = true
	if st, ok := a.states[name]; ok {
		st.Escaped = true
		a.states[name] = st
		// A pointer escaping makes everything behind its region
		// reachable from outside.
		if tag := regionTag(st); tag != "" {
			a.escapedRegions[tag] = true
		}
	}
}

// RegionOf combines a base register's state with an operand's own
// displacement and indexing. The second result is false when the region
// cannot be determined.
func (a *AliasAnalyzer) RegionOf(op *ir.Operand) (PointerState, bool) {
	switch op.Kind {
	case ir.KindRegister, ir.KindSSA:
		name := operandBase(op)
		if name == a.framePtr {
			return PointerState{Region: Region{Kind: RegionStack}}, true
		}
		st, ok := a.states[name]
		return st, ok
	case ir.KindMemRef:
		base, ok := a.RegionOf(ir.Reg(op.Base))
		if !ok {
			return PointerState{}, false
		}
		base.Offset += op.Disp
		return base, true
	case ir.KindMemAbs:
		return PointerState{Region: Region{Kind: RegionGlobal, Addr: op.Addr}}, true
	case ir.KindExpr:
		if op.Op == ir.Add && op.Right.Kind == ir.KindImm {
			st, ok := a.RegionOf(op.Left)
			if !ok {
				return PointerState{}, false
			}
			st.Offset += op.Right.Imm
			return st, true
		}
		return PointerState{}, false
	default:
		return PointerState{}, false
	}
}

// MayAlias reports whether two operands can address the same memory.
// Distinct stack offsets, distinct globals, and cross-class pairs cannot;
// Unknown aliases with everything.
func (a *AliasAnalyzer) MayAlias(op1, op2 *ir.Operand) bool {
	s1, ok1 := a.RegionOf(op1)
	s2, ok2 := a.RegionOf(op2)
	if !ok1 || !ok2 {
		return true
	}
	k1, k2 := s1.Region.Kind, s2.Region.Kind
	if k1 == RegionUnknown || k2 == RegionUnknown {
		return true
	}
	if k1 != k2 {
		// Cross-class Stack/Heap/Global pairs cannot alias; symbolic
		// regions stay conservative.
		if k1 == RegionSymbolic || k2 == RegionSymbolic {
			return true
		}
		return false
	}
	switch k1 {
	case RegionStack:
		return s1.Region.Offset+s1.Offset == s2.Region.Offset+s2.Offset ||
			s1.Index != "" || s2.Index != ""
	case RegionGlobal:
		return s1.Region.Addr == s2.Region.Addr
	default:
		return true
	}
}

// regionTag names a pointer state's region without its offset
// refinement: every store through one symbolic base or one allocation
// site shares a tag, so escape gating works at region granularity.
func regionTag(st PointerState) string {
	switch st.Region.Kind {
	case RegionStack:
		return fmt.Sprintf("mem_stack_%d", st.Region.Offset+st.Offset)
	case RegionGlobal:
		return fmt.Sprintf("mem_global_%x", st.Region.Addr)
	case RegionHeap:
		return fmt.Sprintf("mem_heap_%x", st.Region.Addr)
	case RegionSymbolic:
		return "mem_sym_" + st.Region.Base
	default:
		return ""
	}
}

// KeyEscaped reports whether the region behind a memory SSA key has
// escaped. Symbolic keys carry an offset suffix the region tag does not,
// so it is stripped before the lookup.
func (a *AliasAnalyzer) KeyEscaped(key string) bool {
	if a.escapedRegions[key] {
		return true
	}
	if strings.HasPrefix(key, "mem_sym_") {
		if i := strings.LastIndexByte(key, '_'); i > len("mem_sym_") {
			return a.escapedRegions[key[:i]]
		}
	}
	return false
}

// IsEscaped reports whether the named variable's address may be visible to
// code outside the function. Memory SSA keys are gated through KeyEscaped
// instead: this map is keyed by register and variable names only.
func (a *AliasAnalyzer) IsEscaped(name string) bool {
	if a.escaped[name] {
		return true
	}
	if st, ok := a.states[name]; ok {
		return st.Escaped
	}
	return false
}

// MemoryKey names the SSA slot for a memory operand, or "" when the
// region is unknown and the access stays unversioned.
func (a *AliasAnalyzer) MemoryKey(op *ir.Operand) string {
	st, ok := a.RegionOf(op)
	if !ok {
		return ""
	}
	switch st.Region.Kind {
	case RegionStack:
		return fmt.Sprintf("mem_stack_%d", st.Region.Offset+st.Offset)
	case RegionGlobal:
		return fmt.Sprintf("mem_global_%x", st.Region.Addr)
	case RegionHeap:
		return fmt.Sprintf("mem_heap_%x", st.Region.Addr)
	case RegionSymbolic:
		return fmt.Sprintf("mem_sym_%s_%d", st.Region.Base, st.Offset)
	default:
		return ""
	}
}

func varName(op *ir.Operand) (string, bool) {
	if op == nil {
		return "", false
	}
	switch op.Kind {
	case ir.KindRegister:
		return op.Reg, true
	case ir.KindSSA:
		return op.Name, true
	}
	return "", false
}

func operandBase(op *ir.Operand) string {
	if op.Kind == ir.KindSSA {
		return op.Name
	}
	return op.Reg
}

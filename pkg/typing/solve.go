package typing

import (
	"fmt"
	"sort"

	"github.com/seclususs/rcdecomp/pkg/ir"
	log "github.com/sirupsen/logrus"
)

const (
	// maxOuterIterations bounds the interprocedural worklist.
	maxOuterIterations = 15000
	// maxInnerIterations bounds one function's constraint fixed point.
	maxInnerIterations = 100
	// argSlots is the default signature width before evidence arrives.
	argSlots = 8
)

// Solver runs the interprocedural constraint analysis over every
// function's SSA IR.
type Solver struct {
	sys      *System
	work     []uint64
	enqueued map[uint64]bool
}

// NewSolver wraps a type system.
func NewSolver(sys *System) *Solver {
	return &Solver{sys: sys, enqueued: make(map[uint64]bool)}
}

// Run builds the call graph, then iterates functions on a worklist:
// collect local constraints, solve to a local fixed point, and
// re-enqueue callers/callees whose signatures changed.
func (sv *Solver) Run(funcs map[uint64][]*ir.Statement) {
	sv.buildCallGraph(funcs)
	for _, addr := range sortedFuncAddrs(funcs) {
		if _, ok := sv.sys.Signatures[addr]; !ok {
			sv.sys.Signatures[addr] = NewSignature(argSlots)
		}
		sv.enqueue(addr)
	}

	iterations := 0
	for len(sv.work) > 0 {
		addr := sv.work[0]
		sv.work = sv.work[1:]
		sv.enqueued[addr] = false

		stmts, ok := funcs[addr]
		if !ok {
			continue
		}
		oldSig := sv.sys.Signatures[addr].Clone()
		sv.collectConstraints(stmts, addr)
		localChanged := sv.solveLocal()

		if !oldSig.Equal(sv.sys.Signatures[addr]) {
			for _, caller := range sv.sys.Calls.Callers(addr) {
				sv.enqueue(caller)
			}
		}
		for _, callee := range sv.sys.Calls.Callees(addr) {
			if sv.propagateToCallee(addr, callee, stmts) {
				sv.enqueue(callee)
			}
		}

		if localChanged {
			iterations++
		}
		if iterations > maxOuterIterations {
			log.WithField("iterations", iterations).Warn("type solver iteration cap reached")
			break
		}
	}

	sv.reconstructNestedStructs()
	sv.finalize()
	log.WithField("iterations", iterations).Info("type analysis converged")
}

func (sv *Solver) enqueue(addr uint64) {
	if !sv.enqueued[addr] {
		sv.enqueued[addr] = true
		sv.work = append(sv.work, addr)
	}
}

func (sv *Solver) buildCallGraph(funcs map[uint64][]*ir.Statement) {
	for caller, stmts := range funcs {
		for _, s := range stmts {
			if s.Op == ir.Call && s.Dst != nil && s.Dst.Kind == ir.KindImm {
				sv.sys.Calls.AddEdge(caller, uint64(s.Dst.Imm))
			}
		}
	}
}

// collectConstraints resets and regathers the function's constraints.
func (sv *Solver) collectConstraints(stmts []*ir.Statement, fn uint64) {
	sv.sys.resetConstraints()
	for _, s := range stmts {
		sv.inferMemoryPatterns(s.Dst)
		sv.inferMemoryPatterns(s.Src)
		switch s.Op {
		case ir.Mov, ir.VecMov, ir.Lea, ir.Phi:
			sv.constrainDataMovement(s)
		case ir.Add:
			sv.constrainDerivedPointer(s)
		case ir.Call:
			if s.Dst != nil && s.Dst.Kind == ir.KindImm {
				callee := uint64(s.Dst.Imm)
				for idx, arg := range s.Extra {
					if name, ok := typeVarName(arg); ok {
						sv.sys.addConstraint(Constraint{Kind: ConstraintArgPass, Var: name, Func: callee, Index: idx})
					}
				}
				sv.sys.addConstraint(Constraint{Kind: ConstraintCallResult, Var: "rax", Func: callee})
				sv.sys.addConstraint(Constraint{Kind: ConstraintCallResult, Var: "x0", Func: callee})
			}
		case ir.Ret:
			sv.sys.addConstraint(Constraint{Kind: ConstraintReturnResult, Var: "rax", Func: fn})
			sv.sys.addConstraint(Constraint{Kind: ConstraintReturnResult, Var: "x0", Func: fn})
		}
	}
}

// inferMemoryPatterns extracts base + idx·scale array evidence.
func (sv *Solver) inferMemoryPatterns(op *ir.Operand) {
	if op == nil || op.Kind != ir.KindExpr {
		return
	}
	sv.inferMemoryPatterns(op.Left)
	sv.inferMemoryPatterns(op.Right)
	if op.Op != ir.Add {
		return
	}
	if base, scale, ok := matchArrayPattern(op.Left, op.Right); ok {
		var elem *Type
		switch scale {
		case 1:
			elem = Integer(1)
		case 2:
			elem = Integer(2)
		case 4:
			elem = Integer(4)
		case 8:
			elem = Integer(8)
		default:
			elem = Unknown()
		}
		sv.sys.addConstraint(Constraint{Kind: ConstraintIsArrayBase, Var: base, Type: elem})
	}
}

func matchArrayPattern(a, b *ir.Operand) (string, int64, bool) {
	if base, ok := typeVarName(a); ok {
		if b != nil && b.Kind == ir.KindExpr && b.Op == ir.Imul && b.Right.Kind == ir.KindImm {
			return base, b.Right.Imm, true
		}
	}
	if base, ok := typeVarName(b); ok {
		if a != nil && a.Kind == ir.KindExpr && a.Op == ir.Imul && a.Right.Kind == ir.KindImm {
			return base, a.Right.Imm, true
		}
	}
	return "", 0, false
}

func (sv *Solver) constrainDataMovement(s *ir.Statement) {
	dstName, dstOK := typeVarName(s.Dst)
	srcName, srcOK := typeVarName(s.Src)
	switch {
	case dstOK && srcOK:
		sv.sys.addConstraint(Constraint{Kind: ConstraintEqual, Var: dstName, Other: srcName})
	case dstOK && s.Src != nil && s.Src.Kind == ir.KindMemRef:
		sv.sys.addConstraint(Constraint{Kind: ConstraintHasField, Var: s.Src.Base, Offset: s.Src.Disp, Other: dstName})
	case dstOK && s.Src != nil && s.Src.Kind == ir.KindFloatImm:
		sv.sys.addConstraint(Constraint{Kind: ConstraintIsType, Var: dstName, Type: Float(4)})
	case srcOK && s.Dst != nil && s.Dst.Kind == ir.KindMemRef:
		sv.sys.addConstraint(Constraint{Kind: ConstraintHasField, Var: s.Dst.Base, Offset: s.Dst.Disp, Other: srcName})
	}
	// Phi arms share the target's type.
	if s.Op == ir.Phi && dstOK {
		for _, in := range s.Extra {
			if name, ok := typeVarName(in); ok {
				sv.sys.addConstraint(Constraint{Kind: ConstraintEqual, Var: dstName, Other: name})
			}
		}
	}
}

// constrainDerivedPointer records child := parent + constant.
func (sv *Solver) constrainDerivedPointer(s *ir.Statement) {
	dstName, ok := typeVarName(s.Dst)
	if !ok || s.Src == nil || s.Src.Kind != ir.KindExpr || s.Src.Op != ir.Add {
		return
	}
	base, baseOK := typeVarName(s.Src.Left)
	if baseOK && s.Src.Right.Kind == ir.KindImm {
		sv.sys.addConstraint(Constraint{
			Kind: ConstraintDerivedPointer, Var: dstName, Other: base, Offset: s.Src.Right.Imm,
		})
	}
}

// solveLocal iterates constraint application until nothing changes or the
// inner bound is hit.
func (sv *Solver) solveLocal() bool {
	constraints := sv.sys.sortedConstraints()
	any := false
	for round := 0; round < maxInnerIterations; round++ {
		changed := false
		for _, c := range constraints {
			if sv.apply(c) {
				changed = true
			}
		}
		if !changed {
			break
		}
		any = true
		if round == maxInnerIterations-1 {
			log.Warn("local constraint iteration cap reached")
		}
	}
	return any
}

func (sv *Solver) apply(c Constraint) bool {
	switch c.Kind {
	case ConstraintIsType:
		return sv.unifyVarWithType(c.Var, c.Type)
	case ConstraintEqual:
		return sv.unifyVars(c.Var, c.Other)
	case ConstraintHasField:
		return sv.applyField(c.Var, c.Offset, c.Other)
	case ConstraintArgPass:
		return sv.applyArgPass(c)
	case ConstraintCallResult:
		if sig, ok := sv.sys.Signatures[c.Func]; ok && !sig.Return.IsUnknown() {
			return sv.unifyVarWithType(c.Var, sig.Return)
		}
	case ConstraintReturnResult:
		t := sv.sys.TypeOf(c.Var)
		if t.IsUnknown() {
			return false
		}
		sig, ok := sv.sys.Signatures[c.Func]
		if !ok {
			return false
		}
		unified := sv.sys.Unify(sig.Return, t)
		if !sig.Return.Equal(unified) {
			sig.Return = unified
			return true
		}
	case ConstraintIsArrayBase:
		return sv.unifyVarWithType(c.Var, PointerTo(c.Type))
	case ConstraintDerivedPointer:
		// Resolved after the fixed point, once parent types settled.
	}
	return false
}

func (sv *Solver) applyArgPass(c Constraint) bool {
	sig, ok := sv.sys.Signatures[c.Func]
	if !ok || c.Index >= len(sig.Args) {
		return false
	}
	slot := sig.Args[c.Index]
	if !slot.IsUnknown() {
		return sv.unifyVarWithType(c.Var, slot)
	}
	varType := sv.sys.TypeOf(c.Var)
	if varType.IsUnknown() {
		return false
	}
	unified := sv.sys.Unify(slot, varType)
	if !slot.Equal(unified) {
		sig.Args[c.Index] = unified
		return true
	}
	return false
}

// applyField reifies base as a pointer-to-struct and unifies the field at
// the offset with the moved value's type. A field pointing back at its
// containing struct tags the layout recursive.
func (sv *Solver) applyField(baseVar string, offset int64, fieldVar string) bool {
	changed := false
	baseType := sv.sys.TypeOf(baseVar)

	var structName string
	switch {
	case baseType.Kind == KindPointer && baseType.Inner.Kind == KindStruct:
		structName = baseType.Inner.Name
	case baseType.Kind == KindPointer && baseType.Inner.IsUnknown(), baseType.IsUnknown():
		structName = sv.sys.newStructName()
		sv.sys.Structs[structName] = &StructLayout{Name: structName, Fields: map[int64]*Type{}}
		sv.sys.VarTypes[baseVar] = PointerTo(StructOf(structName))
		changed = true
	default:
		return false
	}

	layout, ok := sv.sys.Structs[structName]
	if !ok {
		layout = &StructLayout{Name: structName, Fields: map[int64]*Type{}}
		sv.sys.Structs[structName] = layout
	}

	fieldType := sv.sys.TypeOf(fieldVar)
	if fieldType.Kind == KindPointer && fieldType.Inner.Kind == KindStruct && fieldType.Inner.Name == structName {
		if !layout.Recursive {
			layout.Recursive = true
			changed = true
		}
	}
	if existing, ok := layout.Fields[offset]; ok {
		unified := sv.sys.Unify(existing, fieldType)
		if !existing.Equal(unified) {
			layout.Fields[offset] = unified
			sv.unifyVarWithType(fieldVar, unified)
			changed = true
		}
	} else {
		layout.Fields[offset] = fieldType
		changed = true
	}
	return changed
}

func (sv *Solver) unifyVars(a, b string) bool {
	ta, tb := sv.sys.TypeOf(a), sv.sys.TypeOf(b)
	if ta.Equal(tb) {
		return false
	}
	unified := sv.sys.Unify(ta, tb)
	changed := false
	if !ta.Equal(unified) {
		sv.sys.VarTypes[a] = unified
		changed = true
	}
	if !tb.Equal(unified) {
		sv.sys.VarTypes[b] = unified
		changed = true
	}
	return changed
}

func (sv *Solver) unifyVarWithType(name string, t *Type) bool {
	cur := sv.sys.TypeOf(name)
	if cur.Equal(t) {
		return false
	}
	unified := sv.sys.Unify(cur, t)
	if !cur.Equal(unified) {
		sv.sys.VarTypes[name] = unified
		return true
	}
	return false
}

// propagateToCallee pushes argument types at each call site into the
// callee's signature, unifying when both sides carry information.
func (sv *Solver) propagateToCallee(caller, callee uint64, stmts []*ir.Statement) bool {
	changed := false
	sig, ok := sv.sys.Signatures[callee]
	if !ok {
		return false
	}
	for _, s := range stmts {
		if s.Op != ir.Call || s.Dst == nil || s.Dst.Kind != ir.KindImm || uint64(s.Dst.Imm) != callee {
			continue
		}
		for idx, arg := range s.Extra {
			if idx >= len(sig.Args) {
				break
			}
			var argType *Type
			switch arg.Kind {
			case ir.KindImm:
				argType = Integer(8)
			case ir.KindFloatImm:
				argType = Float(4)
			case ir.KindRegister:
				argType = sv.sys.TypeOf(arg.Reg)
			case ir.KindSSA:
				argType = sv.sys.TypeOf(ssaTypeVar(arg.Name, arg.Version))
			default:
				continue
			}
			if argType.IsUnknown() {
				continue
			}
			unified := sv.sys.Unify(sig.Args[idx], argType)
			if !sig.Args[idx].Equal(unified) {
				log.WithFields(log.Fields{
					"caller": fmt.Sprintf("0x%x", caller),
					"callee": fmt.Sprintf("0x%x", callee),
					"arg":    idx,
				}).Debug("argument type refined at call site")
				sig.Args[idx] = unified
				changed = true
			}
		}
	}
	return changed
}

// reconstructNestedStructs resolves DerivedPointer constraints now that
// parent layouts are stable: child := parent + off points at the field's
// type when one is known.
func (sv *Solver) reconstructNestedStructs() {
	for _, c := range sv.sys.sortedConstraints() {
		if c.Kind != ConstraintDerivedPointer {
			continue
		}
		parent := sv.sys.TypeOf(c.Other)
		if parent.Kind != KindPointer || parent.Inner.Kind != KindStruct {
			continue
		}
		layout, ok := sv.sys.Structs[parent.Inner.Name]
		if !ok {
			continue
		}
		if fieldType, ok := layout.Fields[c.Offset]; ok {
			sv.sys.VarTypes[c.Var] = PointerTo(fieldType)
		}
	}
}

// finalize replaces leftover Unknowns with the pointer-width integer and
// collapses unions whose members all resolved equal.
func (sv *Solver) finalize() {
	for name, t := range sv.sys.VarTypes {
		sv.sys.VarTypes[name] = resolveType(t)
	}
	for _, sig := range sv.sys.Signatures {
		sig.Return = resolveType(sig.Return)
		for i := range sig.Args {
			sig.Args[i] = resolveType(sig.Args[i])
		}
	}
	for _, layout := range sv.sys.Structs {
		for off, t := range layout.Fields {
			layout.Fields[off] = resolveType(t)
		}
	}
}

func resolveType(t *Type) *Type {
	switch t.Kind {
	case KindUnknown:
		return Integer(8)
	case KindPointer:
		return PointerTo(resolveType(t.Inner))
	case KindArray:
		return ArrayOf(resolveType(t.Inner), t.Count)
	case KindUnion:
		resolved := make([]*Type, len(t.Members))
		for i, m := range t.Members {
			resolved[i] = resolveType(m)
		}
		allEqual := true
		for _, m := range resolved[1:] {
			if !m.Equal(resolved[0]) {
				allEqual = false
				break
			}
		}
		if allEqual && len(resolved) > 0 {
			return resolved[0]
		}
		return UnionOf(resolved...)
	default:
		return t
	}
}

// typeVarName names the type variable an operand binds to.
func typeVarName(op *ir.Operand) (string, bool) {
	if op == nil {
		return "", false
	}
	switch op.Kind {
	case ir.KindRegister:
		return op.Reg, true
	case ir.KindSSA:
		return ssaTypeVar(op.Name, op.Version), true
	}
	return "", false
}

func ssaTypeVar(name string, version int) string {
	return fmt.Sprintf("%s_%d", name, version)
}

func sortedFuncAddrs(funcs map[uint64][]*ir.Statement) []uint64 {
	out := make([]uint64, 0, len(funcs))
	for k := range funcs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

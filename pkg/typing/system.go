package typing

import (
	"fmt"
	"sort"
)

// ConstraintKind tags the constraint variants the solver accumulates.
type ConstraintKind uint8

const (
	// ConstraintEqual: two variables share a type.
	ConstraintEqual ConstraintKind = iota
	// ConstraintIsType: a variable has exactly the given type.
	ConstraintIsType
	// ConstraintHasField: Var points at a struct whose field at Offset
	// has Other's type.
	ConstraintHasField
	// ConstraintArgPass: Var flows into Func's Index-th parameter.
	ConstraintArgPass
	// ConstraintCallResult: Var receives Func's return type.
	ConstraintCallResult
	// ConstraintReturnResult: Func's return type absorbs Var's type at a
	// return site.
	ConstraintReturnResult
	// ConstraintIsArrayBase: Var is a pointer to elements of Type.
	ConstraintIsArrayBase
	// ConstraintDerivedPointer: Var := Other + Offset, used to reconstruct
	// nested structs.
	ConstraintDerivedPointer
)

// Constraint is one typed fact about the program.
type Constraint struct {
	Kind   ConstraintKind
	Var    string
	Other  string
	Type   *Type
	Func   uint64
	Index  int
	Offset int64
}

func (c Constraint) key() string {
	return fmt.Sprintf("%d|%s|%s|%s|%x|%d|%d", c.Kind, c.Var, c.Other, c.Type.Key(), c.Func, c.Index, c.Offset)
}

// CallGraph records caller→callee edges both ways.
type CallGraph struct {
	callees map[uint64]map[uint64]bool
	callers map[uint64]map[uint64]bool
}

// NewCallGraph returns an empty graph.
func NewCallGraph() *CallGraph {
	return &CallGraph{
		callees: make(map[uint64]map[uint64]bool),
		callers: make(map[uint64]map[uint64]bool),
	}
}

// AddEdge records one call site.
func (g *CallGraph) AddEdge(caller, callee uint64) {
	if g.callees[caller] == nil {
		g.callees[caller] = map[uint64]bool{}
	}
	g.callees[caller][callee] = true
	if g.callers[callee] == nil {
		g.callers[callee] = map[uint64]bool{}
	}
	g.callers[callee][caller] = true
}

// Callees returns the sorted callee set of a function.
func (g *CallGraph) Callees(caller uint64) []uint64 { return sortedSet(g.callees[caller]) }

// Callers returns the sorted caller set of a function.
func (g *CallGraph) Callers(callee uint64) []uint64 { return sortedSet(g.callers[callee]) }

func sortedSet(m map[uint64]bool) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// System is the single-owner type store: signatures, per-variable types,
// struct and class layouts. The signature database, the solver and the
// vtable binder write to it in turn; it has no locking of its own.
type System struct {
	Signatures map[uint64]*Signature
	VarTypes   map[string]*Type
	Structs    map[string]*StructLayout
	Classes    map[string]*ClassLayout
	Calls      *CallGraph

	constraints   map[string]Constraint
	structCounter int
	unifyCache    map[[2]string]bool
	classCounter  int
}

// NewSystem returns an empty type system.
func NewSystem() *System {
	return &System{
		Signatures:  make(map[uint64]*Signature),
		VarTypes:    make(map[string]*Type),
		Structs:     make(map[string]*StructLayout),
		Classes:     make(map[string]*ClassLayout),
		Calls:       NewCallGraph(),
		constraints: make(map[string]Constraint),
		unifyCache:  make(map[[2]string]bool),
	}
}

// TypeOf returns the recovered type of a variable (Unknown when absent).
func (s *System) TypeOf(name string) *Type {
	if t, ok := s.VarTypes[name]; ok {
		return t
	}
	return Unknown()
}

func (s *System) addConstraint(c Constraint) {
	s.constraints[c.key()] = c
}

func (s *System) resetConstraints() {
	s.constraints = make(map[string]Constraint)
}

func (s *System) sortedConstraints() []Constraint {
	keys := make([]string, 0, len(s.constraints))
	for k := range s.constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Constraint, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.constraints[k])
	}
	return out
}

func (s *System) newStructName() string {
	s.structCounter++
	return fmt.Sprintf("struct_%d", s.structCounter)
}

// Unify merges two types: equal types collapse, Unknown defers, widths
// take the maximum, pointers unify componentwise, and anything else joins
// into a Union. The cache breaks cycles through recursive pointers.
func (s *System) Unify(a, b *Type) *Type {
	if a.Equal(b) {
		return a
	}
	if a.IsUnknown() {
		return b
	}
	if b.IsUnknown() {
		return a
	}
	cacheKey := [2]string{a.Key(), b.Key()}
	if s.unifyCache[cacheKey] {
		return a
	}
	s.unifyCache[cacheKey] = true
	defer delete(s.unifyCache, cacheKey)

	switch {
	case a.Kind == KindPointer && b.Kind == KindPointer:
		return PointerTo(s.Unify(a.Inner, b.Inner))
	case a.Kind == KindStruct && b.Kind == KindStruct:
		if a.Name == b.Name {
			return a
		}
		return UnionOf(a, b)
	case a.Kind == KindInteger && b.Kind == KindInteger:
		return Integer(maxInt(a.Width, b.Width))
	case a.Kind == KindFloat && b.Kind == KindFloat:
		return Float(maxInt(a.Width, b.Width))
	case a.Kind == KindUnion:
		return s.extendUnion(a, b)
	case b.Kind == KindUnion:
		return s.extendUnion(b, a)
	default:
		return UnionOf(a, b)
	}
}

func (s *System) extendUnion(u, t *Type) *Type {
	for _, m := range u.Members {
		if m.Equal(t) {
			return u
		}
	}
	return UnionOf(append(append([]*Type(nil), u.Members...), t)...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

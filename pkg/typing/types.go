// Package typing recovers types: interprocedural constraint solving,
// struct reconstruction, vtable-based class detection, and the known-
// signature database.
package typing

import (
	"fmt"
	"sort"
	"strings"
)

// TypeKind tags the Type variant.
type TypeKind uint8

const (
	KindUnknown TypeKind = iota
	KindVoid
	KindInteger
	KindFloat
	KindPointer
	KindStruct
	KindClass
	KindArray
	KindVector
	KindUnion
)

// Type is the recovered-type sum. Types form a semilattice with Unknown
// as top and Union as the join of incompatible types. Recursive shapes go
// through Pointer boxes, never by embedding.
type Type struct {
	Kind    TypeKind
	Width   int     // Integer (1/2/4/8), Float (4/8), Vector (bits)
	Inner   *Type   // Pointer, Array
	Count   int     // Array length
	Name    string  // Struct, Class
	Members []*Type // Union
}

func Unknown() *Type          { return &Type{Kind: KindUnknown} }
func Void() *Type             { return &Type{Kind: KindVoid} }
func Integer(w int) *Type     { return &Type{Kind: KindInteger, Width: w} }
func Float(w int) *Type       { return &Type{Kind: KindFloat, Width: w} }
func PointerTo(t *Type) *Type { return &Type{Kind: KindPointer, Inner: t} }
func StructOf(n string) *Type { return &Type{Kind: KindStruct, Name: n} }
func ClassOf(n string) *Type  { return &Type{Kind: KindClass, Name: n} }
func Vector(w int) *Type      { return &Type{Kind: KindVector, Width: w} }

func ArrayOf(t *Type, n int) *Type {
	return &Type{Kind: KindArray, Inner: t, Count: n}
}

func UnionOf(members ...*Type) *Type {
	return &Type{Kind: KindUnion, Members: members}
}

// IsUnknown reports whether t is nil or the top element.
func (t *Type) IsUnknown() bool { return t == nil || t.Kind == KindUnknown }

// Equal compares two types structurally.
func (t *Type) Equal(o *Type) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Kind != o.Kind || t.Width != o.Width || t.Count != o.Count || t.Name != o.Name {
		return false
	}
	if (t.Inner == nil) != (o.Inner == nil) {
		return false
	}
	if t.Inner != nil && !t.Inner.Equal(o.Inner) {
		return false
	}
	if len(t.Members) != len(o.Members) {
		return false
	}
	for i := range t.Members {
		if !t.Members[i].Equal(o.Members[i]) {
			return false
		}
	}
	return true
}

// Key is a stable identity string (used by the unification cache).
func (t *Type) Key() string {
	if t == nil {
		return "?"
	}
	switch t.Kind {
	case KindUnknown:
		return "?"
	case KindVoid:
		return "void"
	case KindInteger:
		return fmt.Sprintf("i%d", t.Width)
	case KindFloat:
		return fmt.Sprintf("f%d", t.Width)
	case KindPointer:
		return "*" + t.Inner.Key()
	case KindStruct:
		return "s:" + t.Name
	case KindClass:
		return "c:" + t.Name
	case KindArray:
		return fmt.Sprintf("[%d]%s", t.Count, t.Inner.Key())
	case KindVector:
		return fmt.Sprintf("v%d", t.Width)
	case KindUnion:
		keys := make([]string, len(t.Members))
		for i, m := range t.Members {
			keys[i] = m.Key()
		}
		sort.Strings(keys)
		return "u{" + strings.Join(keys, ",") + "}"
	}
	return "?"
}

// CString renders the type the way the emitter prints it.
func (t *Type) CString() string {
	if t == nil {
		return "int64_t"
	}
	switch t.Kind {
	case KindUnknown:
		// Same pointer-width fallback finalization applies.
		return "int64_t"
	case KindVoid:
		return "void"
	case KindInteger:
		switch t.Width {
		case 1:
			return "char"
		case 2:
			return "int16_t"
		case 4:
			return "int32_t"
		case 8:
			return "int64_t"
		default:
			return "long"
		}
	case KindFloat:
		if t.Width == 4 {
			return "float"
		}
		return "double"
	case KindPointer:
		return t.Inner.CString() + "*"
	case KindStruct:
		return "struct " + t.Name
	case KindClass:
		return "class " + t.Name
	case KindArray:
		return t.Inner.CString() + "*"
	case KindVector:
		return "__m128"
	case KindUnion:
		return "void*"
	default:
		return "uintptr_t"
	}
}

// StructLayout is a reconstructed structure: an ordered offset→field map
// plus a flag set when a field points back at the containing struct.
type StructLayout struct {
	Name      string
	Fields    map[int64]*Type
	Recursive bool
}

// FieldOffsets returns the field offsets in ascending order.
func (s *StructLayout) FieldOffsets() []int64 {
	out := make([]int64, 0, len(s.Fields))
	for off := range s.Fields {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClassLayout is a struct with a vtable.
type ClassLayout struct {
	Name           string
	VTableAddr     uint64
	Fields         map[int64]*Type
	VirtualMethods []uint64
}

// Signature is a function's recovered type.
type Signature struct {
	Return *Type
	Args   []*Type
}

// NewSignature builds the all-unknown signature with n argument slots.
func NewSignature(n int) *Signature {
	s := &Signature{Return: Unknown(), Args: make([]*Type, n)}
	for i := range s.Args {
		s.Args[i] = Unknown()
	}
	return s
}

// Clone deep-copies the signature shape (types are shared; the solver
// replaces rather than mutates them).
func (s *Signature) Clone() *Signature {
	c := &Signature{Return: s.Return, Args: append([]*Type(nil), s.Args...)}
	return c
}

// Equal compares two signatures structurally.
func (s *Signature) Equal(o *Signature) bool {
	if !s.Return.Equal(o.Return) || len(s.Args) != len(o.Args) {
		return false
	}
	for i := range s.Args {
		if !s.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

package typing

import (
	"strings"
	"testing"

	"github.com/seclususs/rcdecomp/pkg/ir"
)

// TestUnifyCommutativity is the unification commutativity property:
// unify(a,b) and unify(b,a) denote the same type.
func TestUnifyCommutativity(t *testing.T) {
	sys := NewSystem()
	pairs := [][2]*Type{
		{Integer(4), Integer(8)},
		{Integer(4), Float(4)},
		{Float(4), Float(8)},
		{PointerTo(Integer(4)), PointerTo(Integer(8))},
		{StructOf("a"), StructOf("b")},
		{Unknown(), Integer(4)},
		{PointerTo(StructOf("s")), Integer(8)},
	}
	for _, p := range pairs {
		ab := sys.Unify(p[0], p[1])
		ba := sys.Unify(p[1], p[0])
		if ab.Key() != ba.Key() {
			t.Errorf("unify(%s,%s)=%s but unify(%s,%s)=%s",
				p[0].Key(), p[1].Key(), ab.Key(), p[1].Key(), p[0].Key(), ba.Key())
		}
	}
}

func TestUnifyRules(t *testing.T) {
	sys := NewSystem()
	tests := []struct {
		name string
		a, b *Type
		want string
	}{
		{"identical", Integer(4), Integer(4), "i4"},
		{"unknown defers", Unknown(), Float(8), "f8"},
		{"integer widening", Integer(2), Integer(8), "i8"},
		{"float widening", Float(4), Float(8), "f8"},
		{"pointer inner", PointerTo(Integer(4)), PointerTo(Integer(8)), "*i8"},
		{"same struct", StructOf("node"), StructOf("node"), "s:node"},
		{"int/float union", Integer(4), Float(4), "u{f4,i4}"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sys.Unify(tc.a, tc.b); got.Key() != tc.want {
				t.Errorf("unify = %s, want %s", got.Key(), tc.want)
			}
		})
	}
}

// TestTypeUnionScenario is the literal union scenario: a variable passed
// to both void(i32) and void(f32) ends as Union{Integer(4), Float(4)}.
func TestTypeUnionScenario(t *testing.T) {
	sys := NewSystem()
	sys.Signatures[0x1000] = &Signature{Return: Void(), Args: []*Type{Integer(4)}}
	sys.Signatures[0x2000] = &Signature{Return: Void(), Args: []*Type{Float(4)}}

	call1 := ir.NewStatement(0x14, ir.Call, ir.Imm(0x1000), ir.None())
	call1.Extra = []*ir.Operand{ir.SSA("var_c", 1)}
	call2 := ir.NewStatement(0x18, ir.Call, ir.Imm(0x2000), ir.None())
	call2.Extra = []*ir.Operand{ir.SSA("var_c", 1)}

	funcs := map[uint64][]*ir.Statement{
		0x10: {
			ir.NewStatement(0x10, ir.Mov, ir.SSA("var_c", 1), ir.SSA("rdi", 0)),
			call1,
			call2,
			ir.NewStatement(0x1C, ir.Ret, ir.None(), ir.None()),
		},
	}
	NewSolver(sys).Run(funcs)

	got := sys.TypeOf("var_c_1")
	if got.Kind != KindUnion {
		t.Fatalf("var_c type = %s, want a union", got.Key())
	}
	if got.Key() != "u{f4,i4}" {
		t.Errorf("var_c = %s, want u{f4,i4}", got.Key())
	}
}

// TestRecursiveStructScenario is the literal recursive-struct scenario:
// *ptr_node = ptr_node yields Pointer(Struct S) with a self-pointing
// field at 0 and the recursive flag set.
func TestRecursiveStructScenario(t *testing.T) {
	sys := NewSystem()
	funcs := map[uint64][]*ir.Statement{
		0x10: {
			// Load a field first so ptr_node becomes Pointer(Struct S).
			ir.NewStatement(0x10, ir.Mov, ir.SSA("tmp", 1), ir.MemRef("ptr_node", 8)),
			// Store the pointer through itself.
			ir.NewStatement(0x14, ir.Mov, ir.MemRef("ptr_node", 0), ir.Reg("ptr_node")),
			ir.NewStatement(0x18, ir.Ret, ir.None(), ir.None()),
		},
	}
	NewSolver(sys).Run(funcs)

	nodeType := sys.TypeOf("ptr_node")
	if nodeType.Kind != KindPointer || nodeType.Inner.Kind != KindStruct {
		t.Fatalf("ptr_node = %s, want pointer to struct", nodeType.Key())
	}
	layout := sys.Structs[nodeType.Inner.Name]
	if layout == nil {
		t.Fatal("struct layout missing")
	}
	field0 := layout.Fields[0]
	if field0 == nil || field0.Kind != KindPointer || field0.Inner.Kind != KindStruct ||
		field0.Inner.Name != layout.Name {
		t.Errorf("field 0 = %v, want pointer to %s", field0, layout.Name)
	}
	if !layout.Recursive {
		t.Error("recursive flag not set")
	}
}

func TestSolverCallResultPropagation(t *testing.T) {
	sys := NewSystem()
	// Callee returns Pointer(i1) (like malloc returning char*).
	sys.Signatures[0x2000] = &Signature{Return: PointerTo(Integer(1)), Args: []*Type{Integer(8)}}

	call := ir.NewStatement(0x10, ir.Call, ir.Imm(0x2000), ir.None())
	funcs := map[uint64][]*ir.Statement{
		0x10: {
			call,
			ir.NewStatement(0x14, ir.Mov, ir.SSA("p", 1), ir.Reg("rax")),
			ir.NewStatement(0x18, ir.Ret, ir.None(), ir.None()),
		},
	}
	NewSolver(sys).Run(funcs)
	if got := sys.TypeOf("rax"); got.Kind != KindPointer {
		t.Errorf("rax = %s, want pointer from call result", got.Key())
	}
	if got := sys.TypeOf("p_1"); got.Kind != KindPointer {
		t.Errorf("p = %s, want pointer via equality", got.Key())
	}
}

func TestFinalizeFallback(t *testing.T) {
	if got := resolveType(Unknown()); !got.Equal(Integer(8)) {
		t.Errorf("unknown finalizes to %s, want i8", got.Key())
	}
	u := UnionOf(Unknown(), Unknown())
	if got := resolveType(u); !got.Equal(Integer(8)) {
		t.Errorf("union of equal members = %s, want collapsed i8", got.Key())
	}
	mixed := UnionOf(Integer(4), Float(4))
	if got := resolveType(mixed); got.Kind != KindUnion {
		t.Errorf("mixed union collapsed to %s", got.Key())
	}
}

func TestParseCType(t *testing.T) {
	tests := []struct{ in, want string }{
		{"void", "void"},
		{"int", "i4"},
		{"char*", "*i1"},
		{"void*", "*void"},
		{"double", "f8"},
		{"int64_t", "i8"},
		{"FILE*", "*s:FILE"},
	}
	for _, tc := range tests {
		if got := ParseCType(tc.in); got.Key() != tc.want {
			t.Errorf("ParseCType(%q) = %s, want %s", tc.in, got.Key(), tc.want)
		}
	}
}

func TestCleanSymbolName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"_malloc", "malloc"},
		{"printf@plt", "printf"},
		{"_strlen@GLIBC_2.2.5", "strlen"},
		{"main", "main"},
	}
	for _, tc := range tests {
		if got := CleanSymbolName(tc.in); got != tc.want {
			t.Errorf("CleanSymbolName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSignatureDBRoundTrip(t *testing.T) {
	db := &SignatureDB{
		LibraryName:  "libc",
		Architecture: "x86_64",
		Functions: []SignatureEntry{
			{Name: "malloc", ReturnType: "void*", ArgTypes: []string{"int"}},
		},
	}
	var buf strings.Builder
	if err := WriteSignatureDB(&buf, db); err != nil {
		t.Fatal(err)
	}
	back, err := ReadSignatureDB(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatal(err)
	}
	if back.LibraryName != "libc" || len(back.Functions) != 1 || back.Functions[0].Name != "malloc" {
		t.Errorf("round trip mangled db: %+v", back)
	}

	if _, err := ReadSignatureDB(strings.NewReader(`{"functions":[{"return_type":"int"}]}`)); err == nil {
		t.Error("entry without a name must be rejected")
	}
}

func TestApplyKnownSignatures(t *testing.T) {
	sys := NewSystem()
	m := NewStdLib()
	m.ApplyKnownSignatures(map[uint64]string{
		0x400: "malloc",
		0x500: "_free",
		0x600: "unknown_fn",
	}, sys)
	if sig, ok := sys.Signatures[0x400]; !ok || sig.Return.Kind != KindPointer {
		t.Error("malloc signature not applied")
	}
	if _, ok := sys.Signatures[0x500]; !ok {
		t.Error("underscore-prefixed free not matched")
	}
	if _, ok := sys.Signatures[0x600]; ok {
		t.Error("unknown symbol must not get a signature")
	}
}

// Package cgen prints the recovered AST and type table as C-like
// pseudocode.
package cgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/seclususs/rcdecomp/pkg/ast"
	"github.com/seclususs/rcdecomp/pkg/frame"
	"github.com/seclususs/rcdecomp/pkg/ir"
	"github.com/seclususs/rcdecomp/pkg/typing"
)

// Emitter renders one translation unit. It tracks declared locals per
// function so redeclarations collapse.
type Emitter struct {
	indent   int
	declared map[string]bool
}

// NewEmitter returns a fresh emitter.
func NewEmitter() *Emitter {
	return &Emitter{declared: make(map[string]bool)}
}

// Header prints the fixed include prologue.
func (e *Emitter) Header() string {
	var b strings.Builder
	b.WriteString("/* Decompiled by rcdecomp */\n")
	for _, inc := range []string{"stdio.h", "stdbool.h", "stdint.h", "stdlib.h", "string.h", "math.h"} {
		fmt.Fprintf(&b, "#include <%s>\n", inc)
	}
	b.WriteString("\ntypedef float __m128 __attribute__((__vector_size__(16)));\n")
	b.WriteString("typedef double __m128d __attribute__((__vector_size__(16)));\n\n")
	return b.String()
}

// StructDefs prints every recovered struct and class, padding gaps
// between fields.
func (e *Emitter) StructDefs(sys *typing.System) string {
	var b strings.Builder
	names := make([]string, 0, len(sys.Structs))
	for n := range sys.Structs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "struct %s {\n", name)
		e.writeFields(&b, sys.Structs[name].Fields, 0)
		b.WriteString("};\n\n")
	}

	classNames := make([]string, 0, len(sys.Classes))
	for n := range sys.Classes {
		classNames = append(classNames, n)
	}
	sort.Strings(classNames)
	for _, name := range classNames {
		cls := sys.Classes[name]
		fmt.Fprintf(&b, "struct %s {\n", name)
		b.WriteString("    void** vptr;\n")
		e.writeFields(&b, cls.Fields, 8)
		b.WriteString("};\n\n")
	}
	return b.String()
}

func (e *Emitter) writeFields(b *strings.Builder, fields map[int64]*typing.Type, start int64) {
	offsets := make([]int64, 0, len(fields))
	for off := range fields {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	last := start
	for _, off := range offsets {
		if off > last {
			fmt.Fprintf(b, "    char pad_%d[%d];\n", last, off-last)
		}
		fmt.Fprintf(b, "    %s field_%x;\n", fields[off].CString(), off)
		last = off + 8
	}
}

// Function prints one recovered function: signature, local declarations
// from the stack frame, then the structured body.
func (e *Emitter) Function(name string, tree *ast.Node, sys *typing.System, fr *frame.Frame, params []string) string {
	var b strings.Builder
	e.declared = make(map[string]bool)
	e.indent = 1

	paramList := "void"
	if len(params) > 0 {
		parts := make([]string, len(params))
		for i, p := range params {
			parts[i] = fmt.Sprintf("%s %s", sys.TypeOf(p).CString(), cleanName(p))
		}
		paramList = strings.Join(parts, ", ")
	}
	fmt.Fprintf(&b, "long %s(%s) {\n", name, paramList)

	if fr != nil {
		for _, v := range fr.All() {
			n := cleanName(v.Name)
			if e.declared[n] {
				continue
			}
			e.declared[n] = true
			fmt.Fprintf(&b, "%s%s %s;\n", e.pad(), sys.TypeOf(v.Name).CString(), n)
		}
		if len(fr.Vars) > 0 {
			b.WriteString("\n")
		}
	}

	e.node(&b, tree)
	b.WriteString("}\n\n")
	return b.String()
}

func (e *Emitter) pad() string { return strings.Repeat("    ", e.indent) }

func (e *Emitter) node(b *strings.Builder, n *ast.Node) {
	if n.IsEmpty() {
		return
	}
	switch n.Kind {
	case ast.NodeBlock:
		for _, s := range n.Stmts {
			e.statement(b, s)
		}
	case ast.NodeSequence:
		for _, c := range n.Seq {
			e.node(b, c)
		}
	case ast.NodeIfElse:
		fmt.Fprintf(b, "%sif (%s) {\n", e.pad(), n.Cond)
		e.indent++
		e.node(b, n.TrueBody)
		e.indent--
		if n.FalseBody != nil && !n.FalseBody.IsEmpty() {
			fmt.Fprintf(b, "%s} else {\n", e.pad())
			e.indent++
			e.node(b, n.FalseBody)
			e.indent--
		}
		fmt.Fprintf(b, "%s}\n", e.pad())
	case ast.NodeTernary:
		fmt.Fprintf(b, "%s%s = (%s) ? %s : %s;\n", e.pad(),
			cleanName(n.Target), n.Cond, n.TrueExpr, n.FalseExpr)
	case ast.NodeLoop:
		if n.DoWhile {
			fmt.Fprintf(b, "%sdo {\n", e.pad())
			e.indent++
			e.node(b, n.Body)
			e.indent--
			fmt.Fprintf(b, "%s} while (%s);\n", e.pad(), n.Cond)
		} else {
			fmt.Fprintf(b, "%swhile (%s) {\n", e.pad(), n.Cond)
			e.indent++
			e.node(b, n.Body)
			e.indent--
			fmt.Fprintf(b, "%s}\n", e.pad())
		}
	case ast.NodeSwitch:
		fmt.Fprintf(b, "%sswitch (%s) {\n", e.pad(), n.SwitchVar)
		for _, c := range n.Cases {
			for _, v := range c.Values {
				fmt.Fprintf(b, "%scase %d:\n", e.pad(), v)
			}
			e.indent++
			e.node(b, c.Body)
			fmt.Fprintf(b, "%sbreak;\n", e.pad())
			e.indent--
		}
		if n.Default != nil && !n.Default.IsEmpty() {
			fmt.Fprintf(b, "%sdefault:\n", e.pad())
			e.indent++
			e.node(b, n.Default)
			e.indent--
		}
		fmt.Fprintf(b, "%s}\n", e.pad())
	case ast.NodeTryCatch:
		fmt.Fprintf(b, "%s/* try */ {\n", e.pad())
		e.indent++
		e.node(b, n.TryBody)
		e.indent--
		fmt.Fprintf(b, "%s} /* catch (%s) */ {\n", e.pad(), n.ExcType)
		e.indent++
		e.node(b, n.Handler)
		e.indent--
		fmt.Fprintf(b, "%s}\n", e.pad())
	case ast.NodeGoto:
		fmt.Fprintf(b, "%sgoto label_%x;\n", e.pad(), n.GotoTarget)
	case ast.NodeBreak:
		fmt.Fprintf(b, "%sbreak;\n", e.pad())
	case ast.NodeContinue:
		fmt.Fprintf(b, "%scontinue;\n", e.pad())
	}
}

// statement prints one IR micro-op as a C statement, skipping the
// artifacts (flag writes, compares, branches) that the structurer already
// folded into conditions.
func (e *Emitter) statement(b *strings.Builder, s *ir.Statement) {
	switch s.Op {
	case ir.Cmp, ir.Test, ir.FCmp, ir.Nop, ir.Phi:
		return
	case ir.Jmp, ir.Je, ir.Jne, ir.Jg, ir.Jge, ir.Jl, ir.Jle:
		return
	case ir.Ret:
		fmt.Fprintf(b, "%sreturn rax;\n", e.pad())
		return
	case ir.Call:
		args := make([]string, 0, len(s.Extra))
		for _, a := range s.Extra {
			args = append(args, cleanName(ast.FormatOperand(a)))
		}
		fmt.Fprintf(b, "%s%s(%s);\n", e.pad(), callTarget(s.Dst), strings.Join(args, ", "))
		return
	}
	if s.Dst.IsNone() {
		return
	}
	dst := cleanName(ast.FormatOperand(s.Dst))
	if isFlagArtifact(dst) {
		return
	}
	fmt.Fprintf(b, "%s%s = %s;\n", e.pad(), dst, cleanName(ast.FormatOperand(s.Src)))
}

func callTarget(op *ir.Operand) string {
	if op == nil {
		return "indirect"
	}
	switch op.Kind {
	case ir.KindImm:
		return fmt.Sprintf("sub_%x", uint64(op.Imm))
	case ir.KindRegister:
		return op.Reg
	case ir.KindSSA:
		return op.Name
	default:
		return "(" + ast.FormatOperand(op) + ")"
	}
}

func isFlagArtifact(name string) bool {
	return strings.HasPrefix(name, "eflags_") ||
		strings.HasPrefix(name, "temp_") ||
		strings.HasPrefix(name, "lazy_")
}

// cleanName makes an operand string usable as a C identifier fragment.
func cleanName(s string) string {
	return strings.NewReplacer(".", "_", "@", "_", ":", "_").Replace(s)
}

// FunctionName picks the printable name: symbol, entry_point, or
// sub_<addr>.
func FunctionName(addr uint64, entry uint64, symbols map[uint64]string) string {
	if sym, ok := symbols[addr]; ok {
		return cleanName(sym)
	}
	if addr == entry {
		return "entry_point"
	}
	return fmt.Sprintf("sub_%x", addr)
}

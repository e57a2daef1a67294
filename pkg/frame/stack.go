// Package frame recovers stack-slot variables and calling-convention
// information from raw (pre-SSA) IR.
package frame

import (
	"fmt"
	"sort"

	"github.com/seclususs/rcdecomp/pkg/arch"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

// splitGap is the address distance between accesses at or beyond which
// one offset is treated as two distinct variables.
const splitGap = 200

type accessKind uint8

const (
	accessRead accessKind = iota
	accessWrite
	accessAddressTaken
)

type accessEvent struct {
	addr uint64
	kind accessKind
}

// Interval is one live address range of a stack variable.
type Interval struct {
	Start uint64
	End   uint64
}

// Variable is one recovered stack slot.
type Variable struct {
	Offset       int64
	Name         string
	Live         []Interval
	AddressTaken bool
	ArrayBuffer  bool
}

// Frame holds the recovered variables grouped by frame-pointer offset.
type Frame struct {
	Vars map[int64][]Variable
}

// Analyze scans for frame-pointer-based memory references, groups the
// events by offset, and splits offsets into variables at large gaps.
// Address-taken slots and array-patterned slots stay whole.
func Analyze(stmts []*ir.Statement, a arch.Arch) *Frame {
	fp := a.FramePointer()
	f := &Frame{Vars: make(map[int64][]Variable)}

	events := make(map[int64][]accessEvent)
	arrayOffsets := make(map[int64]bool)

	for _, s := range stmts {
		detectArrayPattern(s.Dst, fp, arrayOffsets)
		detectArrayPattern(s.Src, fp, arrayOffsets)
		collectAccesses(s.Dst, s.Addr, fp, true, events)
		collectAccesses(s.Src, s.Addr, fp, false, events)
		if s.Op == ir.Lea && s.Src != nil && s.Src.Kind == ir.KindMemRef && s.Src.Base == fp {
			events[s.Src.Disp] = append(events[s.Src.Disp], accessEvent{s.Addr, accessAddressTaken})
		}
	}

	for offset, evs := range events {
		vars := splitVariables(offset, evs)
		if arrayOffsets[offset] {
			merged := vars[0]
			merged.ArrayBuffer = true
			merged.Name = fmt.Sprintf("buf_%d", abs64(offset))
			if n := len(vars); n > 0 {
				merged.Live = []Interval{{vars[0].Live[0].Start, vars[n-1].Live[0].End}}
			}
			vars = []Variable{merged}
		}
		f.Vars[offset] = vars
	}
	return f
}

func detectArrayPattern(op *ir.Operand, fp string, out map[int64]bool) {
	if op == nil || op.Kind != ir.KindExpr {
		return
	}
	detectArrayPattern(op.Left, fp, out)
	detectArrayPattern(op.Right, fp, out)
	if op.Op != ir.Add {
		return
	}
	if offset, dynamic, ok := parseStackAddress(op, fp); ok && dynamic {
		out[offset] = true
	}
}

// parseStackAddress folds an address expression rooted at the frame
// pointer into (constant offset, has dynamic index).
func parseStackAddress(op *ir.Operand, fp string) (int64, bool, bool) {
	switch op.Kind {
	case ir.KindRegister:
		if op.Reg == fp {
			return 0, false, true
		}
		return 0, false, false
	case ir.KindImm:
		return op.Imm, false, true
	case ir.KindExpr:
		if op.Op != ir.Add {
			return 0, false, false
		}
		lo, ld, lok := parseStackAddress(op.Left, fp)
		ro, rd, rok := parseStackAddress(op.Right, fp)
		switch {
		case lok && rok:
			return lo + ro, ld || rd, true
		case lok:
			// The unresolved leg is a dynamic index.
			return lo, true, true
		case rok:
			return ro, true, true
		default:
			return 0, false, false
		}
	default:
		return 0, false, false
	}
}

func collectAccesses(op *ir.Operand, addr uint64, fp string, isDest bool, out map[int64][]accessEvent) {
	if op == nil {
		return
	}
	switch op.Kind {
	case ir.KindMemRef:
		if op.Base == fp {
			kind := accessRead
			if isDest {
				kind = accessWrite
			}
			out[op.Disp] = append(out[op.Disp], accessEvent{addr, kind})
		}
	case ir.KindExpr:
		collectAccesses(op.Left, addr, fp, isDest, out)
		collectAccesses(op.Right, addr, fp, isDest, out)
	case ir.KindCond:
		collectAccesses(op.Cond, addr, fp, false, out)
		collectAccesses(op.TrueVal, addr, fp, false, out)
		collectAccesses(op.FalseVal, addr, fp, false, out)
	}
}

// splitVariables sorts one offset's events by address and starts a new
// variable whenever the gap between consecutive events reaches splitGap,
// unless the slot is address-taken. Multiple variables at one offset get
// A/B/… suffixes.
func splitVariables(offset int64, evs []accessEvent) []Variable {
	sort.Slice(evs, func(i, j int) bool { return evs[i].addr < evs[j].addr })

	var vars []Variable
	var cur *Variable
	var lastAddr uint64
	for _, ev := range evs {
		if cur != nil && ev.addr >= lastAddr+splitGap && !cur.AddressTaken {
			cur.Live = []Interval{{cur.Live[0].Start, lastAddr}}
			vars = append(vars, *cur)
			cur = nil
		}
		if cur == nil {
			v := newVariable(offset, ev.addr)
			cur = &v
		}
		if ev.kind == accessAddressTaken {
			cur.AddressTaken = true
		}
		lastAddr = ev.addr
	}
	if cur != nil {
		cur.Live = []Interval{{cur.Live[0].Start, lastAddr}}
		vars = append(vars, *cur)
	}
	if len(vars) > 1 {
		for i := range vars {
			vars[i].Name = fmt.Sprintf("%s_%c", vars[i].Name, 'A'+byte(i%26))
		}
	}
	return vars
}

func newVariable(offset int64, start uint64) Variable {
	name := fmt.Sprintf("arg_%d", offset)
	if offset < 0 {
		name = fmt.Sprintf("var_%d", abs64(offset))
	}
	return Variable{
		Offset: offset,
		Name:   name,
		Live:   []Interval{{start, start}},
	}
}

// VariableAt returns the variable name covering an access at the given
// offset and instruction address.
func (f *Frame) VariableAt(offset int64, addr uint64) (string, bool) {
	vars, ok := f.Vars[offset]
	if !ok {
		return "", false
	}
	for _, v := range vars {
		if v.AddressTaken || v.ArrayBuffer {
			return v.Name, true
		}
		for _, iv := range v.Live {
			if addr >= iv.Start && addr <= iv.End+16 {
				return v.Name, true
			}
		}
	}
	return vars[len(vars)-1].Name, true
}

// All returns every variable ordered by offset.
func (f *Frame) All() []Variable {
	var out []Variable
	for _, vs := range f.Vars {
		out = append(out, vs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Offset != out[j].Offset {
			return out[i].Offset < out[j].Offset
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

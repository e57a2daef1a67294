package ssa

import (
	"github.com/seclususs/rcdecomp/pkg/graph"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

type stmtRef struct {
	block uint64
	index int
}

// ADCE is aggressive dead-code elimination: only statements transitively
// needed by critical statements (calls, returns, branches, memory stores)
// survive.
type ADCE struct {
	live map[stmtRef]bool
	work []stmtRef
	defs map[string]stmtRef
}

// NewADCE returns an empty eliminator.
func NewADCE() *ADCE {
	return &ADCE{live: make(map[stmtRef]bool), defs: make(map[string]stmtRef)}
}

// Run marks critical roots, chases operand definitions to a fixed point,
// and removes everything unmarked.
func (a *ADCE) Run(c *graph.CFG) {
	a.indexDefs(c)

	for _, id := range c.SortedIDs() {
		for idx, s := range c.Blocks[id].Stmts {
			if isCritical(s) {
				a.markLive(stmtRef{id, idx})
			}
		}
	}

	for len(a.work) > 0 {
		ref := a.work[0]
		a.work = a.work[1:]
		b, ok := c.Blocks[ref.block]
		if !ok || ref.index >= len(b.Stmts) {
			continue
		}
		a.chaseUses(b.Stmts[ref.index])
	}

	for _, id := range c.SortedIDs() {
		b := c.Blocks[id]
		kept := b.Stmts[:0]
		for idx, s := range b.Stmts {
			if a.live[stmtRef{id, idx}] || s.Op.IsTerminator() || s.Op == ir.Call {
				kept = append(kept, s)
			}
		}
		b.Stmts = kept
	}
}

// indexDefs maps each SSA (name, version) to its defining statement so
// use-chasing is a lookup rather than a scan.
func (a *ADCE) indexDefs(c *graph.CFG) {
	for _, id := range c.SortedIDs() {
		for idx, s := range c.Blocks[id].Stmts {
			if s.Dst != nil && s.Dst.Kind == ir.KindSSA {
				a.defs[ssaKey(s.Dst.Name, s.Dst.Version)] = stmtRef{id, idx}
			}
		}
	}
}

// isCritical: calls, returns, branches, and stores to memory anchor
// liveness. Branches and terminators are always critical.
func isCritical(s *ir.Statement) bool {
	switch {
	case s.Op == ir.Call || s.Op == ir.Ret || s.Op.IsBranch():
		return true
	case s.Dst != nil && (s.Dst.Kind == ir.KindMemRef || s.Dst.Kind == ir.KindMemAbs):
		return true
	case s.Dst != nil && s.Dst.Kind == ir.KindSSA && len(s.Dst.Name) > 4 && s.Dst.Name[:4] == "mem_":
		// Stores renamed onto memory SSA slots stay critical too.
		return true
	}
	return false
}

func (a *ADCE) markLive(ref stmtRef) {
	if a.live[ref] {
		return
	}
	a.live[ref] = true
	a.work = append(a.work, ref)
}

func (a *ADCE) chaseUses(s *ir.Statement) {
	var uses []string
	collectUses(s.Src, &uses)
	collectUses(s.Dst, &uses)
	for _, e := range s.Extra {
		collectUses(e, &uses)
	}
	for _, key := range uses {
		if def, ok := a.defs[key]; ok {
			a.markLive(def)
		}
	}
}

func collectUses(op *ir.Operand, out *[]string) {
	if op == nil {
		return
	}
	switch op.Kind {
	case ir.KindSSA:
		*out = append(*out, ssaKey(op.Name, op.Version))
	case ir.KindExpr:
		collectUses(op.Left, out)
		collectUses(op.Right, out)
	case ir.KindCond:
		collectUses(op.Cond, out)
		collectUses(op.TrueVal, out)
		collectUses(op.FalseVal, out)
	case ir.KindLane:
		collectUses(op.Inner, out)
	}
}

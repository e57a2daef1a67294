// Package graph builds per-function control-flow graphs and dominator
// information. Blocks reference one another by integer id (their start
// address), never by pointer, so the graph holds no cycles.
package graph

import (
	"sort"

	"github.com/samber/lo"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

// BasicBlock is a maximal straight-line statement run. Only the last
// statement may be a terminator; every edge is mirrored in both
// endpoints' lists.
type BasicBlock struct {
	ID    uint64
	Stmts []*ir.Statement
	Succs []uint64
	Preds []uint64
}

// Terminator returns the block's last statement, or nil for an empty block.
func (b *BasicBlock) Terminator() *ir.Statement {
	if len(b.Stmts) == 0 {
		return nil
	}
	return b.Stmts[len(b.Stmts)-1]
}

// CFG maps block id to block. Every id referenced by an edge exists as a
// key.
type CFG struct {
	Blocks map[uint64]*BasicBlock
	Entry  uint64

	nextSynthetic uint64
}

// NewCFG returns an empty graph.
func NewCFG() *CFG {
	return &CFG{Blocks: make(map[uint64]*BasicBlock)}
}

// SortedIDs returns the block ids in ascending address order.
func (c *CFG) SortedIDs() []uint64 {
	ids := lo.Keys(c.Blocks)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Build groups an address-sorted statement list into basic blocks and
// wires the edges. jumpTables supplies resolved indirect-jump targets
// keyed by the jmp statement's address.
func Build(stmts []*ir.Statement, jumpTables map[uint64][]uint64) *CFG {
	c := NewCFG()
	if len(stmts) == 0 {
		return c
	}
	c.Entry = stmts[0].Addr

	leaders := findLeaders(stmts, jumpTables)

	// Split at leaders. Statements lifted from one instruction share an
	// address, so a block boundary only falls on the first statement of an
	// address group.
	cur := &BasicBlock{ID: stmts[0].Addr}
	for i, s := range stmts {
		newAddr := i == 0 || s.Addr != stmts[i-1].Addr
		if newAddr && leaders[s.Addr] && len(cur.Stmts) > 0 {
			c.Blocks[cur.ID] = cur
			cur = &BasicBlock{ID: s.Addr}
		}
		cur.Stmts = append(cur.Stmts, s)
	}
	if len(cur.Stmts) > 0 {
		c.Blocks[cur.ID] = cur
	}

	c.connectEdges(jumpTables)
	return c
}

// findLeaders marks the first statement, every direct-branch target, and
// every address following a branch, call, or return.
func findLeaders(stmts []*ir.Statement, jumpTables map[uint64][]uint64) map[uint64]bool {
	leaders := map[uint64]bool{stmts[0].Addr: true}
	markNext := func(i int) {
		for j := i + 1; j < len(stmts); j++ {
			if stmts[j].Addr != stmts[i].Addr {
				leaders[stmts[j].Addr] = true
				return
			}
		}
	}
	for i, s := range stmts {
		switch {
		case s.Op.IsBranch():
			if s.Dst != nil && s.Dst.Kind == ir.KindImm {
				leaders[uint64(s.Dst.Imm)] = true
			}
			for _, t := range jumpTables[s.Addr] {
				leaders[t] = true
			}
			markNext(i)
		case s.Op == ir.Call, s.Op == ir.Ret:
			markNext(i)
		}
	}
	return leaders
}

// connectEdges follows each block's terminator: direct targets for
// branches, fall-through for conditional branches and non-terminators.
func (c *CFG) connectEdges(jumpTables map[uint64][]uint64) {
	ids := c.SortedIDs()
	nextBlock := make(map[uint64]uint64, len(ids))
	for i := 0; i+1 < len(ids); i++ {
		nextBlock[ids[i]] = ids[i+1]
	}

	for _, id := range ids {
		b := c.Blocks[id]
		last := b.Terminator()
		if last == nil {
			continue
		}
		var targets []uint64
		switch {
		case last.Op == ir.Jmp:
			if last.Dst.Kind == ir.KindImm {
				targets = append(targets, uint64(last.Dst.Imm))
			} else if resolved, ok := jumpTables[last.Addr]; ok {
				targets = append(targets, resolved...)
			}
		case last.Op.IsConditionalBranch():
			if next, ok := nextBlock[id]; ok {
				targets = append(targets, next)
			}
			if last.Dst.Kind == ir.KindImm {
				targets = append(targets, uint64(last.Dst.Imm))
			}
		case last.Op == ir.Ret:
			// No successors.
		default:
			if next, ok := nextBlock[id]; ok {
				targets = append(targets, next)
			}
		}
		for _, t := range targets {
			c.AddEdge(id, t)
		}
	}
}

// AddEdge wires from→to in both endpoints, ignoring targets outside the
// graph and duplicate edges.
func (c *CFG) AddEdge(from, to uint64) {
	src, okFrom := c.Blocks[from]
	dst, okTo := c.Blocks[to]
	if !okFrom || !okTo {
		return
	}
	if lo.Contains(src.Succs, to) {
		return
	}
	src.Succs = append(src.Succs, to)
	dst.Preds = append(dst.Preds, from)
}

// RemoveEdge unwires from→to in both endpoints.
func (c *CFG) RemoveEdge(from, to uint64) {
	if b, ok := c.Blocks[from]; ok {
		b.Succs = lo.Without(b.Succs, to)
	}
	if b, ok := c.Blocks[to]; ok {
		b.Preds = lo.Without(b.Preds, from)
	}
}

// CloneBlock copies src under a fresh synthetic id and returns the id.
// Used by irreducibility normalization to split join nodes.
func (c *CFG) CloneBlock(src uint64) (uint64, bool) {
	b, ok := c.Blocks[src]
	if !ok {
		return 0, false
	}
	id := c.newSyntheticID()
	clone := &BasicBlock{ID: id}
	for _, s := range b.Stmts {
		clone.Stmts = append(clone.Stmts, s.Clone())
	}
	c.Blocks[id] = clone
	for _, succ := range b.Succs {
		c.AddEdge(id, succ)
	}
	return id, true
}

// RedirectEdge swaps the from→oldTo edge for from→newTo.
func (c *CFG) RedirectEdge(from, oldTo, newTo uint64) {
	c.RemoveEdge(from, oldTo)
	c.AddEdge(from, newTo)
}

// newSyntheticID allocates an id above every real address so clones never
// collide with instruction addresses.
func (c *CFG) newSyntheticID() uint64 {
	if c.nextSynthetic == 0 {
		var max uint64
		for id := range c.Blocks {
			if id > max {
				max = id
			}
		}
		c.nextSynthetic = max + 0x10000
	}
	c.nextSynthetic++
	return c.nextSynthetic
}

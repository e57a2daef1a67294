package graph

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// VirtualExit is the synthetic root of the post-dominator tree; it
// collects every block with no successors.
const VirtualExit = ^uint64(0)

// walkBound caps dominance walks and intersections so malformed graphs
// from hostile input still terminate.
const walkBound = 10000

// DomTree holds immediate dominators, their inverse, post-dominators, the
// dominance frontier, and the back-edge list for one CFG.
type DomTree struct {
	IDom      map[uint64]uint64
	Children  map[uint64][]uint64
	PostIDom  map[uint64]uint64
	Frontier  map[uint64]map[uint64]bool
	BackEdges [][2]uint64
}

// ComputeDominators runs the full dominator analysis over the CFG.
func ComputeDominators(c *CFG) *DomTree {
	t := &DomTree{
		IDom:     make(map[uint64]uint64),
		Children: make(map[uint64][]uint64),
		PostIDom: make(map[uint64]uint64),
		Frontier: make(map[uint64]map[uint64]bool),
	}
	if len(c.Blocks) == 0 {
		return t
	}
	t.IDom = iterativeIDoms(c, c.Entry, true)
	t.PostIDom = iterativeIDoms(c, VirtualExit, false)
	t.buildChildren()
	t.buildFrontier(c)
	t.findBackEdges(c)
	return t
}

// iterativeIDoms is the Cooper-Harvey-Kennedy fixed point: process nodes
// in reverse post-order, intersecting the defined parents' dominators
// until nothing changes. The reverse direction (forward=false) runs over
// flipped edges rooted at the virtual exit.
func iterativeIDoms(c *CFG, root uint64, forward bool) map[uint64]uint64 {
	order := postOrder(c, root, forward)
	// Reverse post-order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	doms := map[uint64]uint64{root: root}
	for changed, rounds := true, 0; changed; rounds++ {
		if rounds > walkBound {
			log.Warn("dominator iteration cap reached; using partial result")
			break
		}
		changed = false
		for _, node := range order {
			if node == root {
				continue
			}
			var newIDom uint64
			seeded := false
			for _, p := range parents(c, node, forward) {
				if _, ok := doms[p]; !ok {
					continue
				}
				if !seeded {
					newIDom = p
					seeded = true
				} else {
					newIDom = intersect(doms, p, newIDom)
				}
			}
			if !seeded {
				continue
			}
			if cur, ok := doms[node]; !ok || cur != newIDom {
				doms[node] = newIDom
				changed = true
			}
		}
	}
	return doms
}

// parents returns predecessors for the forward problem and successors for
// the reverse one, with the virtual exit stitched onto exit blocks.
func parents(c *CFG, node uint64, forward bool) []uint64 {
	if forward {
		return c.Blocks[node].Preds
	}
	if node == VirtualExit {
		return nil
	}
	succs := c.Blocks[node].Succs
	if len(succs) == 0 {
		// Exit blocks hang off the virtual exit in the reversed graph.
		return []uint64{VirtualExit}
	}
	return succs
}

func postOrder(c *CFG, root uint64, forward bool) []uint64 {
	var order []uint64
	visited := map[uint64]bool{}
	// Explicit stack; recursion depth must not track graph depth.
	type frame struct {
		node uint64
		next int
	}
	children := func(n uint64) []uint64 {
		if forward {
			return c.Blocks[n].Succs
		}
		if n == VirtualExit {
			var exits []uint64
			for id, b := range c.Blocks {
				if len(b.Succs) == 0 {
					exits = append(exits, id)
				}
			}
			sort.Slice(exits, func(i, j int) bool { return exits[i] < exits[j] })
			return exits
		}
		return c.Blocks[n].Preds
	}
	stack := []frame{{node: root}}
	visited[root] = true
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		kids := children(f.node)
		if f.next < len(kids) {
			child := kids[f.next]
			f.next++
			if !visited[child] {
				if _, ok := c.Blocks[child]; ok || child == VirtualExit {
					visited[child] = true
					stack = append(stack, frame{node: child})
				}
			}
			continue
		}
		order = append(order, f.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

// intersect walks both idom chains toward the root, always stepping the
// deeper node, until they meet.
func intersect(doms map[uint64]uint64, a, b uint64) uint64 {
	da, db := chainDepth(doms, a), chainDepth(doms, b)
	for i := 0; a != b && i < walkBound; i++ {
		switch {
		case da > db:
			a = doms[a]
			da--
		case db > da:
			b = doms[b]
			db--
		default:
			pa, pb := doms[a], doms[b]
			if pa == a && pb == b {
				return a
			}
			a, b = pa, pb
			da--
			db--
		}
	}
	return a
}

// chainDepth measures the bounded distance from n to the root of its idom
// chain.
func chainDepth(doms map[uint64]uint64, n uint64) int {
	depth := 0
	for i := 0; i < walkBound; i++ {
		parent, ok := doms[n]
		if !ok || parent == n {
			return depth
		}
		n = parent
		depth++
	}
	return depth
}

func (t *DomTree) buildChildren() {
	for node, parent := range t.IDom {
		if node != parent {
			t.Children[parent] = append(t.Children[parent], node)
		}
	}
	for _, kids := range t.Children {
		sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
	}
}

// buildFrontier: for each join node j and each predecessor p, walk p's
// dominator chain adding j until reaching idom(j).
func (t *DomTree) buildFrontier(c *CFG) {
	for id, b := range c.Blocks {
		if len(b.Preds) < 2 {
			continue
		}
		stop, hasIDom := t.IDom[id]
		for _, p := range b.Preds {
			runner := p
			for i := 0; i < walkBound; i++ {
				if hasIDom && runner == stop {
					break
				}
				if t.Frontier[runner] == nil {
					t.Frontier[runner] = map[uint64]bool{}
				}
				t.Frontier[runner][id] = true
				next, ok := t.IDom[runner]
				if !ok || next == runner {
					break
				}
				runner = next
			}
		}
	}
}

func (t *DomTree) findBackEdges(c *CFG) {
	for _, src := range sortedKeys(c.Blocks) {
		for _, dst := range c.Blocks[src].Succs {
			if t.Dominates(dst, src) {
				t.BackEdges = append(t.BackEdges, [2]uint64{src, dst})
			}
		}
	}
}

// Dominates reports whether a dominates n (reflexively).
func (t *DomTree) Dominates(a, n uint64) bool {
	cur := n
	for i := 0; i < walkBound; i++ {
		if cur == a {
			return true
		}
		parent, ok := t.IDom[cur]
		if !ok || parent == cur {
			return false
		}
		cur = parent
	}
	return false
}

func sortedKeys(m map[uint64]*BasicBlock) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

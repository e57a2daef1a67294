package ssa

import (
	"sort"
	"strconv"
	"strings"

	"github.com/seclususs/rcdecomp/pkg/graph"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

// canonicalRegisters maps every sub-register view to its canonical wide
// name so defs and uses of aliased widths collapse onto one SSA variable.
var canonicalRegisters = buildCanonicalTable()

func buildCanonicalTable() map[string]string {
	m := make(map[string]string)
	gprs := map[string][]string{
		"rax": {"eax", "ax", "al", "ah"},
		"rbx": {"ebx", "bx", "bl", "bh"},
		"rcx": {"ecx", "cx", "cl", "ch"},
		"rdx": {"edx", "dx", "dl", "dh"},
		"rsi": {"esi", "si", "sil"},
		"rdi": {"edi", "di", "dil"},
		"rbp": {"ebp", "bp", "bpl"},
		"rsp": {"esp", "sp", "spl"},
	}
	for i := 8; i <= 15; i++ {
		wide := "r" + strconv.Itoa(i)
		gprs[wide] = []string{wide + "d", wide + "w", wide + "b"}
	}
	for wide, subs := range gprs {
		for _, sub := range subs {
			m[sub] = wide
		}
	}
	// xmm registers alias the low lanes of ymm/zmm.
	for i := 0; i <= 15; i++ {
		n := strconv.Itoa(i)
		m["ymm"+n] = "xmm" + n
		m["zmm"+n] = "xmm" + n
	}
	// ARM64 narrow views.
	for i := 0; i <= 30; i++ {
		n := strconv.Itoa(i)
		m["w"+n] = "x" + n
		m["s"+n] = "v" + n
		m["d"+n] = "v" + n
	}
	return m
}

// Canonical returns the canonical wide name for a register.
func Canonical(reg string) string {
	if wide, ok := canonicalRegisters[strings.ToLower(reg)]; ok {
		return wide
	}
	return strings.ToLower(reg)
}

// Transformer rewrites a CFG into minimal SSA form: φ-insertion at
// iterated dominance frontiers followed by a dominator-tree renaming walk
// with per-variable version stacks.
type Transformer struct {
	stacks   map[string][]int
	counters map[string]int
	Alias    *AliasAnalyzer
	framePtr string
}

// NewTransformer builds a transformer seeded with the architecture's
// frame pointer.
func NewTransformer(framePointer string) *Transformer {
	return &Transformer{
		stacks:   make(map[string][]int),
		counters: make(map[string]int),
		Alias:    NewAliasAnalyzer(),
		framePtr: framePointer,
	}
}

// Transform runs alias analysis over the whole function, inserts φs, and
// renames along the dominator tree.
func (t *Transformer) Transform(c *graph.CFG, dom *graph.DomTree) {
	var all []*ir.Statement
	for _, id := range c.SortedIDs() {
		all = append(all, c.Blocks[id].Stmts...)
	}
	t.Alias.Analyze(all, t.framePtr)
	t.insertPhis(c, dom)
	t.seedVersionStacks(c)
	t.rename(c, dom, c.Entry)
}

// defName returns the canonical SSA variable a statement defines through
// its primary operand, or "" when the statement defines nothing.
func (t *Transformer) defName(s *ir.Statement) string {
	if s.Dst == nil {
		return ""
	}
	switch s.Op {
	case ir.Jmp, ir.Je, ir.Jne, ir.Jg, ir.Jge, ir.Jl, ir.Jle, ir.Ret, ir.Cmp, ir.Test, ir.Nop:
		return ""
	}
	switch s.Dst.Kind {
	case ir.KindRegister:
		return Canonical(s.Dst.Reg)
	case ir.KindSSA:
		return s.Dst.Name
	}
	return ""
}

// memDefKey returns the memory SSA key when the primary operand is a
// store destination.
func (t *Transformer) memDefKey(s *ir.Statement) string {
	if s.Dst == nil {
		return ""
	}
	if s.Dst.Kind == ir.KindMemRef || s.Dst.Kind == ir.KindMemAbs {
		return t.Alias.MemoryKey(s.Dst)
	}
	return ""
}

// insertPhis places a φ for each variable at the iterated dominance
// frontier of its defining blocks.
func (t *Transformer) insertPhis(c *graph.CFG, dom *graph.DomTree) {
	defBlocks := make(map[string]map[uint64]bool)
	record := func(v string, blk uint64) {
		if v == "" {
			return
		}
		if defBlocks[v] == nil {
			defBlocks[v] = map[uint64]bool{}
		}
		defBlocks[v][blk] = true
	}
	for _, id := range c.SortedIDs() {
		for _, s := range c.Blocks[id].Stmts {
			record(t.defName(s), id)
			record(t.memDefKey(s), id)
		}
	}

	for _, v := range sortedStringKeys(defBlocks) {
		hasPhi := map[uint64]bool{}
		work := make([]uint64, 0, len(defBlocks[v]))
		for blk := range defBlocks[v] {
			work = append(work, blk)
		}
		for len(work) > 0 {
			blk := work[0]
			work = work[1:]
			for frontier := range dom.Frontier[blk] {
				if hasPhi[frontier] {
					continue
				}
				hasPhi[frontier] = true
				b := c.Blocks[frontier]
				phi := ir.NewStatement(b.ID, ir.Phi, ir.Reg(v), ir.None())
				phi.Extra = make([]*ir.Operand, len(b.Preds))
				for i := range phi.Extra {
					phi.Extra[i] = ir.None()
				}
				b.Stmts = append([]*ir.Statement{phi}, b.Stmts...)
				// Frontier-of-frontier: the φ is itself a def.
				if !defBlocks[v][frontier] {
					work = append(work, frontier)
				}
			}
		}
	}
}

func (t *Transformer) seedVersionStacks(c *graph.CFG) {
	for _, id := range c.SortedIDs() {
		for _, s := range c.Blocks[id].Stmts {
			if v := t.defName(s); v != "" {
				t.ensureVar(v)
			}
			if k := t.memDefKey(s); k != "" {
				t.ensureVar(k)
			}
		}
	}
}

func (t *Transformer) ensureVar(v string) {
	if _, ok := t.stacks[v]; !ok {
		t.stacks[v] = []int{0}
		t.counters[v] = 1
	}
}

// rename is the pre-order dominator-tree walk. For each block it rewrites
// uses to the top-of-stack version, allocates fresh versions for defs
// (including call clobbers of escaped memory), fills the matching φ slot
// in each successor, recurses, and pops what it pushed.
func (t *Transformer) rename(c *graph.CFG, dom *graph.DomTree, blockID uint64) {
	pushed := map[string]int{}
	b, ok := c.Blocks[blockID]
	if !ok {
		return
	}

	for _, s := range b.Stmts {
		if s.Op != ir.Phi {
			t.renameUse(s.Src)
			if readsOwnDst(s) {
				t.renameUse(s.Dst)
			}
			if s.Op == ir.Call {
				for _, e := range s.Extra {
					t.renameUse(e)
				}
			}
		}

		// Store destination: the memory key gets a fresh version.
		if key := t.memDefKey(s); key != "" {
			t.ensureVar(key)
			ver := t.pushVersion(key)
			pushed[key]++
			s.Dst = ir.SSA(key, ver)
		}

		// Calls clobber every escaped memory slot. The gate goes through
		// KeyEscaped, which resolves the memory-key namespace against
		// region-level escapes; IsEscaped only answers for variable names.
		if s.Op == ir.Call {
			for _, key := range sortedStringKeys2(t.stacks) {
				if !strings.HasPrefix(key, "mem_") {
					continue
				}
				if !t.Alias.KeyEscaped(key) {
					continue
				}
				t.pushVersion(key)
				pushed[key]++
			}
		}

		if v := t.defName(s); v != "" {
			t.ensureVar(v)
			ver := t.pushVersion(v)
			pushed[v]++
			s.Dst = ir.SSA(v, ver)
		}
	}

	// Fill this block's slot in each successor's φs. The slot index is
	// this block's position in the successor's predecessor list.
	for _, succID := range b.Succs {
		succ, ok := c.Blocks[succID]
		if !ok {
			continue
		}
		slot := -1
		for i, p := range succ.Preds {
			if p == blockID {
				slot = i
				break
			}
		}
		if slot < 0 {
			continue
		}
		for _, s := range succ.Stmts {
			if s.Op != ir.Phi {
				break
			}
			var base string
			switch s.Dst.Kind {
			case ir.KindRegister:
				base = s.Dst.Reg
			case ir.KindSSA:
				base = s.Dst.Name
			default:
				continue
			}
			if slot < len(s.Extra) {
				s.Extra[slot] = ir.SSA(base, t.topVersion(base))
			}
		}
	}

	for _, child := range dom.Children[blockID] {
		t.rename(c, dom, child)
	}

	for name, n := range pushed {
		stack := t.stacks[name]
		t.stacks[name] = stack[:len(stack)-n]
	}
}

// renameUse rewrites register and memory reads inside an operand tree to
// their current SSA versions.
func (t *Transformer) renameUse(op *ir.Operand) {
	if op == nil {
		return
	}
	switch op.Kind {
	case ir.KindRegister:
		canon := Canonical(op.Reg)
		*op = *ir.SSA(canon, t.topVersion(canon))
	case ir.KindMemRef, ir.KindMemAbs:
		if key := t.Alias.MemoryKey(op); key != "" {
			*op = *ir.SSA(key, t.topVersion(key))
		}
	case ir.KindExpr:
		t.renameUse(op.Left)
		t.renameUse(op.Right)
	case ir.KindCond:
		t.renameUse(op.Cond)
		t.renameUse(op.TrueVal)
		t.renameUse(op.FalseVal)
	case ir.KindLane:
		t.renameUse(op.Inner)
	}
}

// readsOwnDst reports whether the opcode's destination is also a source
// (two-operand ALU forms).
func readsOwnDst(s *ir.Statement) bool {
	if s.Dst == nil || (s.Dst.Kind != ir.KindRegister && s.Dst.Kind != ir.KindSSA) {
		return false
	}
	switch s.Op {
	case ir.Add, ir.Sub, ir.Adc, ir.Sbb, ir.Imul, ir.And, ir.Or, ir.Xor,
		ir.Shl, ir.Shr, ir.Sar, ir.Rol, ir.Ror, ir.Inc, ir.Dec,
		ir.FAdd, ir.FSub, ir.FMul, ir.FDiv, ir.VecAdd, ir.VecSub:
		return true
	}
	return false
}

func (t *Transformer) pushVersion(name string) int {
	c := t.counters[name]
	t.counters[name] = c + 1
	t.stacks[name] = append(t.stacks[name], c)
	return c
}

func (t *Transformer) topVersion(name string) int {
	if s, ok := t.stacks[name]; ok && len(s) > 0 {
		return s[len(s)-1]
	}
	return 0
}

func sortedStringKeys(m map[string]map[uint64]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedStringKeys2(m map[string][]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package ast

import (
	"fmt"
	"strings"

	"github.com/seclususs/rcdecomp/pkg/graph"
	"github.com/seclususs/rcdecomp/pkg/ir"
	log "github.com/sirupsen/logrus"
)

// maxIrreducibleSplits caps node cloning so hostile CFGs cannot explode.
const maxIrreducibleSplits = 100

type loopContext struct {
	header   uint64
	latch    uint64
	hasLatch bool
	exit     uint64
	hasExit  bool
	doWhile  bool
}

// Structurer turns one function's CFG into an AST. It is single-use:
// build one per function.
type Structurer struct {
	visited     map[uint64]bool
	loopHeaders map[uint64][]uint64
	loopStack   []loopContext
	splits      int
}

// NewStructurer returns a fresh structurer.
func NewStructurer() *Structurer {
	return &Structurer{
		visited:     make(map[uint64]bool),
		loopHeaders: make(map[uint64][]uint64),
	}
}

// Build normalizes irreducible flow, recomputes dominators, identifies
// natural loops from back edges, and runs region analysis from the entry.
func (st *Structurer) Build(c *graph.CFG) *Node {
	st.normalizeIrreducible(c)
	dom := graph.ComputeDominators(c)
	st.loopHeaders = make(map[uint64][]uint64)
	for _, e := range dom.BackEdges {
		st.loopHeaders[e[1]] = append(st.loopHeaders[e[1]], e[0])
	}
	return st.analyzeRegion(c, dom, c.Entry, 0, false)
}

// analyzeRegion structures the region rooted at id, stopping at stopAt
// when hasStop is set.
func (st *Structurer) analyzeRegion(c *graph.CFG, dom *graph.DomTree, id uint64, stopAt uint64, hasStop bool) *Node {
	if hasStop && id == stopAt {
		return Empty()
	}
	if jump := st.loopJumpFor(id); jump != nil {
		return jump
	}
	if st.visited[id] {
		return &Node{Kind: NodeGoto, GotoTarget: id}
	}
	st.visited[id] = true

	b, ok := c.Blocks[id]
	if !ok {
		return Empty()
	}

	if try := st.tryCatchRegion(c, dom, b, stopAt, hasStop); try != nil {
		return try
	}
	if _, isHeader := st.loopHeaders[id]; isHeader {
		return st.loopRegion(c, dom, id, stopAt, hasStop)
	}

	blockNode := &Node{Kind: NodeBlock, Stmts: b.Stmts}
	merge, hasMerge := st.mergePoint(dom, id, stopAt, hasStop)

	switch len(b.Succs) {
	case 0:
		return blockNode
	case 1:
		rest := st.analyzeRegion(c, dom, b.Succs[0], stopAt, hasStop)
		return Sequence(blockNode, rest)
	case 2:
		return st.twoWayRegion(c, dom, b, merge, hasMerge, stopAt, hasStop, blockNode)
	default:
		return st.switchRegion(c, dom, b, merge, hasMerge, stopAt, hasStop, blockNode)
	}
}

// mergePoint picks the immediate post-dominator bounded by the enclosing
// region's stop node.
func (st *Structurer) mergePoint(dom *graph.DomTree, id uint64, stopAt uint64, hasStop bool) (uint64, bool) {
	ipd, ok := dom.PostIDom[id]
	if ipd == graph.VirtualExit {
		ok = false
	}
	switch {
	case ok && hasStop:
		if dom.Dominates(ipd, stopAt) || ipd == stopAt {
			return ipd, true
		}
		return stopAt, true
	case ok:
		return ipd, true
	case hasStop:
		return stopAt, true
	default:
		return 0, false
	}
}

// tryCatchRegion treats a two-successor block containing a call whose
// target mentions throw/raise as a try: successor 0 is the guarded
// continuation, successor 1 the handler.
func (st *Structurer) tryCatchRegion(c *graph.CFG, dom *graph.DomTree, b *graph.BasicBlock, stopAt uint64, hasStop bool) *Node {
	if len(b.Succs) < 2 {
		return nil
	}
	throwing := false
	for _, s := range b.Stmts {
		if s.Op != ir.Call || s.Dst == nil {
			continue
		}
		name := ""
		switch s.Dst.Kind {
		case ir.KindRegister:
			name = s.Dst.Reg
		case ir.KindSSA:
			name = s.Dst.Name
		}
		if strings.Contains(name, "throw") || strings.Contains(name, "raise") {
			throwing = true
			break
		}
	}
	if !throwing {
		return nil
	}
	handler := b.Succs[1]
	normal := b.Succs[0]
	tryBody := st.analyzeRegion(c, dom, normal, handler, true)
	delete(st.visited, handler)
	catchBody := st.analyzeRegion(c, dom, handler, stopAt, hasStop)
	return &Node{
		Kind:    NodeTryCatch,
		TryBody: tryBody,
		Handler: catchBody,
		ExcType: "GenericException",
	}
}

// loopRegion structures a natural loop rooted at its header.
func (st *Structurer) loopRegion(c *graph.CFG, dom *graph.DomTree, header uint64, stopAt uint64, hasStop bool) *Node {
	b := c.Blocks[header]
	blockNode := &Node{Kind: NodeBlock, Stmts: b.Stmts}

	exit, hasExit := st.loopExit(c, dom, header)
	doWhile := st.isDoWhile(c, header)
	latches := st.loopHeaders[header]
	ctx := loopContext{header: header, exit: exit, hasExit: hasExit, doWhile: doWhile}
	if len(latches) > 0 {
		ctx.latch = latches[0]
		ctx.hasLatch = true
	}
	st.loopStack = append(st.loopStack, ctx)

	body := Empty()
	for _, succ := range b.Succs {
		if hasExit && succ == exit {
			continue
		}
		body = st.analyzeRegion(c, dom, succ, header, true)
		break
	}
	st.loopStack = st.loopStack[:len(st.loopStack)-1]

	cond := "true"
	if doWhile {
		if ctx.hasLatch {
			if latch, ok := c.Blocks[ctx.latch]; ok {
				cond = reconstructCondition(latch.Stmts)
			}
		}
	} else {
		cond = reconstructCondition(b.Stmts)
	}

	loop := &Node{Kind: NodeLoop, Cond: cond, Body: body, DoWhile: doWhile}
	if hasExit && !(hasStop && exit == stopAt) {
		delete(st.visited, exit)
		rest := st.analyzeRegion(c, dom, exit, stopAt, hasStop)
		return Sequence(Sequence(blockNode, loop), rest)
	}
	return Sequence(blockNode, loop)
}

// loopExit is the header successor not dominated by the header, falling
// back to the header's post-dominator.
func (st *Structurer) loopExit(c *graph.CFG, dom *graph.DomTree, header uint64) (uint64, bool) {
	for _, succ := range c.Blocks[header].Succs {
		if !dom.Dominates(header, succ) {
			return succ, true
		}
	}
	if ipd, ok := dom.PostIDom[header]; ok && ipd != graph.VirtualExit {
		return ipd, true
	}
	return 0, false
}

// isDoWhile: the latch ends in a two-way branch back to the header.
func (st *Structurer) isDoWhile(c *graph.CFG, header uint64) bool {
	for _, latch := range st.loopHeaders[header] {
		if b, ok := c.Blocks[latch]; ok && len(b.Succs) == 2 {
			for _, succ := range b.Succs {
				if succ == header {
					return true
				}
			}
		}
	}
	return false
}

// loopJumpFor maps a target inside an enclosing loop context to
// break/continue.
func (st *Structurer) loopJumpFor(target uint64) *Node {
	for i := len(st.loopStack) - 1; i >= 0; i-- {
		ctx := st.loopStack[i]
		if target == ctx.header && !ctx.doWhile {
			return &Node{Kind: NodeContinue}
		}
		if ctx.hasLatch && target == ctx.latch && ctx.doWhile {
			return &Node{Kind: NodeContinue}
		}
		if ctx.hasExit && target == ctx.exit {
			return &Node{Kind: NodeBreak}
		}
	}
	return nil
}

// twoWayRegion structures a conditional: ternary and short-circuit
// patterns first, a plain if/else otherwise. After the region is fused
// the merge node is unmarked so the continuation is analyzed once.
func (st *Structurer) twoWayRegion(c *graph.CFG, dom *graph.DomTree, b *graph.BasicBlock, merge uint64, hasMerge bool, stopAt uint64, hasStop bool, blockNode *Node) *Node {
	// The CFG builder orders successors fall-through first, branch target
	// second; the branch is taken when the condition holds.
	sFalse, sTrue := b.Succs[0], b.Succs[1]

	if ternary := st.ternaryPattern(c, b, sTrue, sFalse, merge, hasMerge); ternary != nil {
		rest := Empty()
		if hasMerge {
			delete(st.visited, merge)
			rest = st.analyzeRegion(c, dom, merge, stopAt, hasStop)
		}
		return Sequence(ternary, rest)
	}

	if cond, entryTrue, entryFalse, ok := st.shortCircuit(c, b, sTrue, sFalse); ok {
		trueBody := st.analyzeRegion(c, dom, entryTrue, merge, hasMerge)
		falseBody := st.analyzeRegion(c, dom, entryFalse, merge, hasMerge)
		node := &Node{Kind: NodeIfElse, Cond: cond, TrueBody: trueBody}
		if !falseBody.IsEmpty() {
			node.FalseBody = falseBody
		}
		rest := Empty()
		if hasMerge {
			delete(st.visited, merge)
			rest = st.analyzeRegion(c, dom, merge, stopAt, hasStop)
		}
		return Sequence(Sequence(blockNode, node), rest)
	}

	cond := reconstructCondition(b.Stmts)
	trueBody := st.analyzeRegion(c, dom, sTrue, merge, hasMerge)
	falseBody := st.analyzeRegion(c, dom, sFalse, merge, hasMerge)
	node := &Node{Kind: NodeIfElse, Cond: cond, TrueBody: trueBody}
	if !falseBody.IsEmpty() {
		node.FalseBody = falseBody
	}
	rest := Empty()
	if hasMerge {
		delete(st.visited, merge)
		rest = st.analyzeRegion(c, dom, merge, stopAt, hasStop)
	}
	return Sequence(Sequence(blockNode, node), rest)
}

// ternaryPattern matches arms that are single assignments to the same
// variable meeting at the merge point.
func (st *Structurer) ternaryPattern(c *graph.CFG, header *graph.BasicBlock, sTrue, sFalse, merge uint64, hasMerge bool) *Node {
	if !hasMerge {
		return nil
	}
	bt, ok1 := c.Blocks[sTrue]
	bf, ok2 := c.Blocks[sFalse]
	if !ok1 || !ok2 {
		return nil
	}
	if !singleEdgeTo(bt, merge) || !singleEdgeTo(bf, merge) {
		return nil
	}
	varT, valT, okT := lastAssignment(bt.Stmts)
	varF, valF, okF := lastAssignment(bf.Stmts)
	if !okT || !okF || varT != varF {
		return nil
	}
	st.visited[sTrue] = true
	st.visited[sFalse] = true

	cond := reconstructCondition(header.Stmts)
	// The header's terminator folds into the ternary condition.
	prefix := header.Stmts
	if len(prefix) > 0 {
		prefix = prefix[:len(prefix)-1]
	}
	ternary := &Node{
		Kind:      NodeTernary,
		Target:    varT,
		Cond:      cond,
		TrueExpr:  valT,
		FalseExpr: valF,
	}
	return Sequence(&Node{Kind: NodeBlock, Stmts: prefix}, ternary)
}

func singleEdgeTo(b *graph.BasicBlock, target uint64) bool {
	return len(b.Succs) == 1 && b.Succs[0] == target
}

func lastAssignment(stmts []*ir.Statement) (string, string, bool) {
	for i := len(stmts) - 1; i >= 0; i-- {
		s := stmts[i]
		if s.Op == ir.Mov && s.Dst != nil {
			return FormatOperand(s.Dst), FormatOperand(s.Src), true
		}
	}
	return "", "", false
}

// shortCircuit folds nested two-way branches sharing an arm into
// (A && B) / (A || B).
func (st *Structurer) shortCircuit(c *graph.CFG, header *graph.BasicBlock, sTrue, sFalse uint64) (string, uint64, uint64, bool) {
	if bt, ok := c.Blocks[sTrue]; ok && len(bt.Succs) == 2 && !st.visited[sTrue] {
		if bt.Succs[0] == sFalse || bt.Succs[1] == sFalse {
			condA := reconstructCondition(header.Stmts)
			condB := reconstructCondition(bt.Stmts)
			st.visited[sTrue] = true
			inner := bt.Succs[1]
			if bt.Succs[1] == sFalse {
				inner = bt.Succs[0]
			}
			return fmt.Sprintf("(%s) && (%s)", condA, condB), inner, sFalse, true
		}
	}
	if bf, ok := c.Blocks[sFalse]; ok && len(bf.Succs) == 2 && !st.visited[sFalse] {
		if bf.Succs[0] == sTrue || bf.Succs[1] == sTrue {
			condA := reconstructCondition(header.Stmts)
			condB := reconstructCondition(bf.Stmts)
			st.visited[sFalse] = true
			inner := bf.Succs[1]
			if bf.Succs[1] == sTrue {
				inner = bf.Succs[0]
			}
			return fmt.Sprintf("(%s) || (%s)", condA, condB), sTrue, inner, true
		}
	}
	return "", 0, 0, false
}

// switchRegion groups three or more successors by target block and sorts
// case indices.
func (st *Structurer) switchRegion(c *graph.CFG, dom *graph.DomTree, b *graph.BasicBlock, merge uint64, hasMerge bool, stopAt uint64, hasStop bool, blockNode *Node) *Node {
	switchVar := switchVariable(b.Stmts)

	targets := make(map[uint64][]uint64)
	var order []uint64
	for idx, succ := range b.Succs {
		if _, seen := targets[succ]; !seen {
			order = append(order, succ)
		}
		targets[succ] = append(targets[succ], uint64(idx))
	}

	var cases []Case
	for _, target := range order {
		body := st.analyzeRegion(c, dom, target, merge, hasMerge)
		cases = append(cases, Case{Values: targets[target], Body: body})
	}
	// Order arms by their first case index.
	for i := 1; i < len(cases); i++ {
		for j := i; j > 0 && firstValue(cases[j]) < firstValue(cases[j-1]); j-- {
			cases[j], cases[j-1] = cases[j-1], cases[j]
		}
	}

	node := &Node{Kind: NodeSwitch, SwitchVar: switchVar, Cases: cases}
	rest := Empty()
	if hasMerge {
		delete(st.visited, merge)
		rest = st.analyzeRegion(c, dom, merge, stopAt, hasStop)
	}
	return Sequence(Sequence(blockNode, node), rest)
}

func firstValue(c Case) uint64 {
	if len(c.Values) == 0 {
		return 0
	}
	return c.Values[0]
}

func switchVariable(stmts []*ir.Statement) string {
	if len(stmts) > 0 {
		last := stmts[len(stmts)-1]
		if last.Op == ir.Jmp && last.Dst != nil &&
			(last.Dst.Kind == ir.KindMemRef || last.Dst.Kind == ir.KindExpr) {
			return "switch_table_idx"
		}
	}
	return "switch_var"
}

// normalizeIrreducible splits join nodes entered from outside their
// dominator: the offending edge is redirected to a clone of the target.
func (st *Structurer) normalizeIrreducible(c *graph.CFG) {
	for st.splits < maxIrreducibleSplits {
		dom := graph.ComputeDominators(c)
		src, dst, found := findIrreducibleEdge(c, dom)
		if !found {
			return
		}
		clone, ok := c.CloneBlock(dst)
		if !ok {
			return
		}
		c.RedirectEdge(src, dst, clone)
		st.splits++
	}
	log.WithField("splits", st.splits).Warn("irreducible split budget exhausted")
}

// findIrreducibleEdge looks for a retreating edge u→v whose target does
// not dominate its source: a loop entered somewhere other than its
// header. Gray nodes are on the DFS spine, so an edge into a gray node
// that is not a dominator is irreducible.
func findIrreducibleEdge(c *graph.CFG, dom *graph.DomTree) (uint64, uint64, bool) {
	const (
		gray  = 1
		black = 2
	)
	color := make(map[uint64]uint8)
	type frame struct {
		node uint64
		next int
	}
	stack := []frame{{node: c.Entry}}
	color[c.Entry] = gray
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		b, ok := c.Blocks[f.node]
		if !ok || f.next >= len(b.Succs) {
			color[f.node] = black
			stack = stack[:len(stack)-1]
			continue
		}
		succ := b.Succs[f.next]
		f.next++
		switch color[succ] {
		case gray:
			if !dom.Dominates(succ, f.node) {
				if sb, ok := c.Blocks[succ]; ok && len(sb.Preds) > 1 {
					return f.node, succ, true
				}
			}
		case black:
			// Forward or cross edge to a finished region: reducible.
		default:
			if _, ok := c.Blocks[succ]; ok {
				color[succ] = gray
				stack = append(stack, frame{node: succ})
			}
		}
	}
	return 0, 0, false
}

// reconstructCondition walks backward from the terminator to the nearest
// compare and renders a C-like condition string. Without a compare,
// unconditional terminators read "true" and conditional ones fall back to
// the flag placeholder.
func reconstructCondition(stmts []*ir.Statement) string {
	if len(stmts) == 0 {
		return "true"
	}
	last := stmts[len(stmts)-1]
	var cmp *ir.Statement
	for i := len(stmts) - 2; i >= 0; i-- {
		switch stmts[i].Op {
		case ir.Cmp, ir.Test, ir.FCmp:
			cmp = stmts[i]
		}
		if cmp != nil {
			break
		}
	}
	if cmp == nil {
		switch last.Op {
		case ir.Jmp, ir.Ret:
			return "true"
		default:
			return "flag_status"
		}
	}
	op1, op2 := comparisonOperands(cmp)
	switch last.Op {
	case ir.Je:
		return fmt.Sprintf("%s == %s", op1, op2)
	case ir.Jne:
		return fmt.Sprintf("%s != %s", op1, op2)
	case ir.Jg:
		return fmt.Sprintf("%s > %s", op1, op2)
	case ir.Jge:
		return fmt.Sprintf("%s >= %s", op1, op2)
	case ir.Jl:
		return fmt.Sprintf("%s < %s", op1, op2)
	case ir.Jle:
		return fmt.Sprintf("%s <= %s", op1, op2)
	default:
		return "cond_unknown"
	}
}

// comparisonOperands recovers the two compared values from a lifted
// cmp/test: the RHS expression holds both sides.
func comparisonOperands(cmp *ir.Statement) (string, string) {
	if cmp.Src != nil && cmp.Src.Kind == ir.KindExpr {
		return FormatOperand(cmp.Src.Left), FormatOperand(cmp.Src.Right)
	}
	return FormatOperand(cmp.Dst), FormatOperand(cmp.Src)
}

// FormatOperand renders an operand for condition and expression strings.
func FormatOperand(op *ir.Operand) string {
	if op == nil {
		return "?"
	}
	switch op.Kind {
	case ir.KindRegister:
		return op.Reg
	case ir.KindSSA:
		return fmt.Sprintf("%s_%d", op.Name, op.Version)
	case ir.KindImm:
		return fmt.Sprintf("0x%x", uint64(op.Imm))
	case ir.KindFloatImm:
		return fmt.Sprintf("%.2f", op.Float.Value())
	case ir.KindMemRef:
		return fmt.Sprintf("*(%s + 0x%x)", op.Base, uint64(op.Disp))
	case ir.KindMemAbs:
		return fmt.Sprintf("*(0x%x)", op.Addr)
	case ir.KindExpr:
		return fmt.Sprintf("(%s %s %s)", FormatOperand(op.Left), operatorToken(op.Op), FormatOperand(op.Right))
	case ir.KindCond:
		return fmt.Sprintf("(%s ? %s : %s)", FormatOperand(op.Cond), FormatOperand(op.TrueVal), FormatOperand(op.FalseVal))
	default:
		return "?"
	}
}

func operatorToken(op ir.Opcode) string {
	switch op {
	case ir.Add, ir.FAdd:
		return "+"
	case ir.Sub, ir.FSub:
		return "-"
	case ir.Imul, ir.Mul, ir.FMul:
		return "*"
	case ir.Div, ir.Idiv, ir.FDiv:
		return "/"
	case ir.And:
		return "&"
	case ir.Or:
		return "|"
	case ir.Xor:
		return "^"
	case ir.Shl:
		return "<<"
	case ir.Shr, ir.Sar:
		return ">>"
	case ir.Je:
		return "=="
	case ir.Jne:
		return "!="
	case ir.Jg:
		return ">"
	case ir.Jge:
		return ">="
	case ir.Jl:
		return "<"
	case ir.Jle:
		return "<="
	default:
		return "?"
	}
}

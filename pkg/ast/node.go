// Package ast reconstructs structured control flow (loops, conditionals,
// switches, try/catch) from an optimized CFG and its dominator info.
package ast

import "github.com/seclususs/rcdecomp/pkg/ir"

// NodeKind tags the AST variant.
type NodeKind uint8

const (
	NodeEmpty NodeKind = iota
	NodeBlock
	NodeSequence
	NodeIfElse
	NodeTernary
	NodeSwitch
	NodeLoop
	NodeTryCatch
	NodeGoto
	NodeBreak
	NodeContinue
)

// Case is one switch arm: the case values sharing a body.
type Case struct {
	Values []uint64
	Body   *Node
}

// Node is the structured-control-flow sum type.
type Node struct {
	Kind NodeKind

	Stmts []*ir.Statement // NodeBlock
	Seq   []*Node         // NodeSequence

	Cond      string // NodeIfElse, NodeLoop: reconstructed C condition
	TrueBody  *Node  // NodeIfElse
	FalseBody *Node  // NodeIfElse, optional

	Target    string // NodeTernary: assigned variable
	TrueExpr  string // NodeTernary
	FalseExpr string // NodeTernary

	SwitchVar string // NodeSwitch
	Cases     []Case // NodeSwitch
	Default   *Node  // NodeSwitch, optional

	Body    *Node // NodeLoop
	DoWhile bool  // NodeLoop

	TryBody *Node  // NodeTryCatch
	Handler *Node  // NodeTryCatch
	ExcType string // NodeTryCatch

	GotoTarget uint64 // NodeGoto
}

// Empty returns the empty node.
func Empty() *Node { return &Node{Kind: NodeEmpty} }

// IsEmpty reports whether the node is absent or the empty sentinel.
func (n *Node) IsEmpty() bool { return n == nil || n.Kind == NodeEmpty }

// Sequence concatenates two nodes, flattening nested sequences and
// dropping empties.
func Sequence(first, second *Node) *Node {
	switch {
	case first.IsEmpty():
		return second
	case second.IsEmpty():
		return first
	}
	var parts []*Node
	if first.Kind == NodeSequence {
		parts = append(parts, first.Seq...)
	} else {
		parts = append(parts, first)
	}
	if second.Kind == NodeSequence {
		parts = append(parts, second.Seq...)
	} else {
		parts = append(parts, second)
	}
	return &Node{Kind: NodeSequence, Seq: parts}
}

// Equal compares two trees structurally (used by idempotence checks).
func (n *Node) Equal(o *Node) bool {
	if n.IsEmpty() || o.IsEmpty() {
		return n.IsEmpty() == o.IsEmpty()
	}
	if n.Kind != o.Kind || n.Cond != o.Cond || n.Target != o.Target ||
		n.TrueExpr != o.TrueExpr || n.FalseExpr != o.FalseExpr ||
		n.SwitchVar != o.SwitchVar || n.DoWhile != o.DoWhile ||
		n.ExcType != o.ExcType || n.GotoTarget != o.GotoTarget {
		return false
	}
	if len(n.Stmts) != len(o.Stmts) || len(n.Seq) != len(o.Seq) || len(n.Cases) != len(o.Cases) {
		return false
	}
	for i := range n.Seq {
		if !n.Seq[i].Equal(o.Seq[i]) {
			return false
		}
	}
	if !n.TrueBody.Equal(o.TrueBody) || !n.FalseBody.Equal(o.FalseBody) ||
		!n.Body.Equal(o.Body) || !n.TryBody.Equal(o.TryBody) ||
		!n.Handler.Equal(o.Handler) || !n.Default.Equal(o.Default) {
		return false
	}
	for i := range n.Cases {
		if !n.Cases[i].Body.Equal(o.Cases[i].Body) {
			return false
		}
	}
	return true
}

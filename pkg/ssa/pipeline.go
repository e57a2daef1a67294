package ssa

import (
	"github.com/seclususs/rcdecomp/pkg/graph"
	log "github.com/sirupsen/logrus"
)

// optimizeRounds caps the SCCP→GVN→simplify→ADCE interleave so
// pathological inputs cannot loop the pipeline.
const optimizeRounds = 10

// Optimize interleaves the SSA optimizations to a bounded fixed point: it
// stops early once a round leaves the statement count unchanged.
func Optimize(c *graph.CFG) {
	prev := -1
	for round := 0; round < optimizeRounds; round++ {
		sccp := NewSCCP()
		sccp.Run(c)
		sccp.Apply(c)

		NewExpressionOptimizer().Run(c)
		NewADCE().Run(c)

		count := statementCount(c)
		if count == prev {
			return
		}
		prev = count
	}
	log.WithField("rounds", optimizeRounds).Warn("optimization round budget exhausted")
}

func statementCount(c *graph.CFG) int {
	n := 0
	for _, b := range c.Blocks {
		n += len(b.Stmts)
	}
	return n
}

// Package decomp drives the full pipeline: load → discover → per-function
// analysis (CFG → frame → SSA → call args → optimize → entry params →
// structure) with the interprocedural type solver in between, and C
// emission at the end.
package decomp

import (
	"runtime"
	"strings"
	"sync"

	"github.com/seclususs/rcdecomp/pkg/arch"
	"github.com/seclususs/rcdecomp/pkg/ast"
	"github.com/seclususs/rcdecomp/pkg/cgen"
	"github.com/seclususs/rcdecomp/pkg/explore"
	"github.com/seclususs/rcdecomp/pkg/frame"
	"github.com/seclususs/rcdecomp/pkg/graph"
	"github.com/seclususs/rcdecomp/pkg/ir"
	"github.com/seclususs/rcdecomp/pkg/loader"
	"github.com/seclususs/rcdecomp/pkg/ssa"
	"github.com/seclususs/rcdecomp/pkg/typing"
	log "github.com/sirupsen/logrus"
)

// Options configures one pipeline run.
type Options struct {
	Workers      int      // 0 = NumCPU
	SignatureDBs []string // extra JSON signature databases
}

// Result is the pipeline output for one binary.
type Result struct {
	VM        *loader.VirtualMemory
	Arch      arch.Arch
	Types     *typing.System
	Functions []FunctionResult
	Source    string
}

// Context is the caller-opaque handle the C ABI hands out. It holds only
// configuration and the last error; analysis state is per-call.
type Context struct {
	Options   Options
	LastError string
}

// NewContext allocates a context with defaults.
func NewContext() *Context {
	return &Context{}
}

// LoadBinary runs the whole pipeline over a file and returns the C-ABI
// status code.
func (c *Context) LoadBinary(path string) (*Result, int) {
	res, err := Run(path, c.Options)
	if err != nil {
		c.LastError = err.Error()
		log.WithField("path", path).Errorf("load failed: %v", err)
		return nil, loader.StatusCode(err)
	}
	return res, 0
}

// Run executes load → discovery → types → per-function passes → emission.
func Run(path string, opts Options) (*Result, error) {
	vm, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	return Analyze(vm, opts), nil
}

// Analyze runs everything after loading. Split out so tests can inject a
// synthetic VirtualMemory.
func Analyze(vm *loader.VirtualMemory, opts Options) *Result {
	target := arch.ForName(vm.Arch)
	log.WithFields(log.Fields{"arch": target.Name(), "format": vm.Format}).Info("pipeline start")

	ex := explore.NewExplorer(opts.Workers)
	ex.Run(vm)
	funcs := ex.Functions()
	jumpTables := ex.JumpTables()

	// Seed known signatures, identify static library copies by hash, then
	// solve types interprocedurally over every function's IR.
	sys := typing.NewSystem()
	stdlib := typing.NewStdLib()
	for _, db := range opts.SignatureDBs {
		if err := stdlib.LoadDB(db); err != nil {
			log.Warnf("signature database skipped: %v", err)
		}
	}
	stdlib.ApplyKnownSignatures(vm.Symbols, sys)

	entries := make([]uint64, 0, len(funcs))
	counts := make(map[uint64]int, len(funcs))
	irByFunc := make(map[uint64][]*ir.Statement, len(funcs))
	for addr, fn := range funcs {
		entries = append(entries, addr)
		counts[addr] = fn.InstrCount
		irByFunc[addr] = fn.IR
	}
	stdlib.IdentifyStaticFunctions(vm, entries, counts, sys)

	vtables := typing.NewVTableAnalyzer(target.PointerSize())
	vtables.Scan(vm)

	typing.NewSolver(sys).Run(irByFunc)
	vtables.BindClasses(irByFunc, sys)

	// Per-function analysis is independent; only the result table is
	// shared, behind its own lock.
	table := NewResultTable()
	profile := frame.ProfileFor(target, vm.Format)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	work := make(chan uint64, len(funcs))
	for addr := range funcs {
		work <- addr
	}
	close(work)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range work {
				table.Add(analyzeFunction(vm, target, profile, sys, funcs[addr], jumpTables))
			}
		}()
	}
	wg.Wait()

	res := &Result{VM: vm, Arch: target, Types: sys, Functions: table.Functions()}
	res.Source = assemble(res)
	return res
}

// analyzeFunction runs the strict per-function pass order:
// CFG → dominators → stack frame (on the pre-SSA IR) → SSA → call
// arguments → optimize → entry parameters → structure → emit.
func analyzeFunction(vm *loader.VirtualMemory, target arch.Arch, profile *frame.Profile,
	sys *typing.System, fn *explore.FunctionContext, jumpTables map[uint64][]uint64) FunctionResult {

	stmts := cloneStatements(fn.IR)
	c := graph.Build(stmts, jumpTables)
	dom := graph.ComputeDominators(c)

	fr := frame.Analyze(stmts, target)

	tr := ssa.NewTransformer(target.FramePointer())
	tr.Transform(c, dom)
	// Argument detection precedes dead-code elimination so the defs
	// feeding call arguments stay live.
	profile.AttachCallArgs(c)
	ssa.Optimize(c)

	params := profile.EntryParams(c)

	tree := ast.NewStructurer().Build(c)

	name := cgen.FunctionName(fn.Entry, vm.EntryPoint, vm.Symbols)
	code := cgen.NewEmitter().Function(name, tree, sys, fr, params)

	return FunctionResult{
		Entry:      fn.Entry,
		Name:       name,
		Code:       code,
		BlockCount: len(c.Blocks),
		InstrCount: fn.InstrCount,
	}
}

// cloneStatements deep-copies the discovery IR so parallel per-function
// passes never share statement trees.
func cloneStatements(stmts []*ir.Statement) []*ir.Statement {
	out := make([]*ir.Statement, len(stmts))
	for i, s := range stmts {
		out[i] = s.Clone()
	}
	return out
}

// assemble concatenates the translation unit.
func assemble(res *Result) string {
	em := cgen.NewEmitter()
	var b strings.Builder
	b.WriteString(em.Header())
	b.WriteString(em.StructDefs(res.Types))
	for _, fn := range res.Functions {
		b.WriteString(fn.Code)
	}
	return b.String()
}

// Package explore discovers functions by parallel recursive descent over
// the executable image: a round-drained frontier of entry points, a
// per-function block tracer, a jump-table resolver, and a gap sweep for
// functions the call graph never reaches.
package explore

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/ir"
	"github.com/seclususs/rcdecomp/pkg/lift"
	"github.com/seclususs/rcdecomp/pkg/loader"
	log "github.com/sirupsen/logrus"
)

// FunctionContext is one discovered function: its entry, address-sorted
// lifted IR, and the extent of the trace.
type FunctionContext struct {
	Entry      uint64
	IR         []*ir.Statement
	InstrCount int
	EndAddr    uint64
}

// workerResult carries one traced function back to the merge loop.
type workerResult struct {
	ctx         *FunctionContext
	callTargets []uint64
	jumpTables  map[uint64][]uint64
	covered     []uint64
}

// Explorer runs the discovery phase. Functions trace in parallel within a
// frontier round; rounds drain completely before the next begins so every
// worker sees a consistent visited set.
type Explorer struct {
	NumWorkers int

	mu         sync.Mutex
	functions  map[uint64]*FunctionContext
	jumpTables map[uint64][]uint64
	seeded     map[uint64]bool
	covered    map[uint64]bool

	traced atomic.Int64
}

// NewExplorer builds an explorer; workers <= 0 means NumCPU.
func NewExplorer(workers int) *Explorer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Explorer{
		NumWorkers: workers,
		functions:  make(map[uint64]*FunctionContext),
		jumpTables: make(map[uint64][]uint64),
		seeded:     make(map[uint64]bool),
		covered:    make(map[uint64]bool),
	}
}

// Run performs the full discovery: symbol-seeded recursive descent, then
// gap analysis over unvisited executable ranges.
func (e *Explorer) Run(vm *loader.VirtualMemory) {
	log.Info("starting recursive descent")
	frontier := e.symbolSeeds(vm)
	if len(frontier) == 0 {
		frontier = []uint64{vm.EntryPoint}
	}
	e.processRounds(vm, frontier)
	e.sweepGaps(vm)
	log.WithField("functions", len(e.functions)).Info("discovery finished")
}

// Functions returns the discovered contexts keyed by entry.
func (e *Explorer) Functions() map[uint64]*FunctionContext { return e.functions }

// JumpTables returns resolved indirect-jump targets keyed by jmp address.
func (e *Explorer) JumpTables() map[uint64][]uint64 { return e.jumpTables }

// symbolSeeds takes every executable symbol address as a root.
func (e *Explorer) symbolSeeds(vm *loader.VirtualMemory) []uint64 {
	var seeds []uint64
	for addr := range vm.Symbols {
		if vm.IsExecutable(addr) {
			seeds = append(seeds, addr)
		}
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i] < seeds[j] })
	return seeds
}

// processRounds drains the frontier in rounds: each round's functions
// trace in parallel, then discovered call targets form the next round.
func (e *Explorer) processRounds(vm *loader.VirtualMemory, frontier []uint64) {
	for _, addr := range frontier {
		e.seeded[addr] = true
	}
	for len(frontier) > 0 {
		log.WithField("batch", len(frontier)).Info("processing frontier round")
		results := e.traceBatch(vm, frontier)

		next := make(map[uint64]bool)
		for _, r := range results {
			e.functions[r.ctx.Entry] = r.ctx
			for addr, targets := range r.jumpTables {
				e.jumpTables[addr] = targets
			}
			for _, a := range r.covered {
				e.covered[a] = true
			}
			for _, t := range r.callTargets {
				if !e.seeded[t] && vm.IsExecutable(t) {
					e.seeded[t] = true
					next[t] = true
				}
			}
		}
		frontier = frontier[:0]
		for t := range next {
			frontier = append(frontier, t)
		}
		sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
	}
}

// traceBatch fans one round out over the worker pool.
func (e *Explorer) traceBatch(vm *loader.VirtualMemory, batch []uint64) []workerResult {
	ch := make(chan uint64, len(batch))
	for _, addr := range batch {
		ch <- addr
	}
	close(ch)

	results := make([]workerResult, 0, len(batch))
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < e.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine := disasm.NewEngine(vm.Arch)
			lifter := lift.New()
			for addr := range ch {
				r := traceFunction(vm, engine, lifter, addr)
				e.traced.Add(1)
				resMu.Lock()
				results = append(results, r)
				resMu.Unlock()
			}
		}()
	}
	wg.Wait()
	return results
}

// traceFunction walks one function's blocks from its entry, following
// direct branches and fall-through until terminators or undecodable
// bytes. Calls feed the next frontier round; indirect jumps go through
// the table resolver.
func traceFunction(vm *loader.VirtualMemory, engine *disasm.Engine, lifter *lift.Lifter, entry uint64) workerResult {
	r := workerResult{
		ctx:        &FunctionContext{Entry: entry, EndAddr: entry},
		jumpTables: make(map[uint64][]uint64),
	}
	visited := make(map[uint64]bool)
	var history []*disasm.Instruction
	work := []uint64{entry}

	for len(work) > 0 {
		addr := work[0]
		work = work[1:]
		if visited[addr] {
			continue
		}
		buf := vm.ReadRange(addr, 16)
		if buf == nil {
			continue
		}
		inst, err := engine.Decode(buf, addr)
		if err != nil {
			// Local decode failure: the block ends here.
			log.WithField("addr", addr).Debug("decode failed; terminating block trace")
			continue
		}
		visited[addr] = true
		r.covered = append(r.covered, addr)
		if addr > r.ctx.EndAddr {
			r.ctx.EndAddr = addr
		}
		history = append(history, inst)
		next := addr + uint64(inst.Len())

		terminator := false
		switch inst.Mnemonic {
		case "call", "bl":
			if target, ok := directTarget(inst); ok {
				r.callTargets = append(r.callTargets, target)
			}
		case "jmp", "b", "br":
			if target, ok := directTarget(inst); ok {
				work = append(work, target)
			} else if targets := ResolveJumpTable(inst, history, vm); len(targets) > 0 {
				log.WithFields(log.Fields{"addr": addr, "targets": len(targets)}).
					Info("indirect jump resolved")
				r.jumpTables[addr] = targets
				work = append(work, targets...)
			} else {
				log.WithField("addr", addr).Warn("unresolved indirect jump")
			}
			terminator = true
		case "ret", "retn":
			terminator = true
		default:
			if isConditionalBranch(inst.Mnemonic) {
				if target, ok := branchTarget(inst); ok {
					work = append(work, target)
				}
			}
		}

		r.ctx.IR = append(r.ctx.IR, lifter.Lift(inst)...)
		if !terminator {
			// Falling into another function's named entry ends the trace.
			if _, isSymbol := vm.Symbols[next]; isSymbol && next != entry {
				log.WithField("addr", next).Debug("fall-through stops at global symbol")
			} else {
				work = append(work, next)
			}
		}
	}

	sort.SliceStable(r.ctx.IR, func(i, j int) bool {
		return r.ctx.IR[i].Addr < r.ctx.IR[j].Addr
	})
	r.ctx.InstrCount = len(visited)
	return r
}

func isConditionalBranch(mnem string) bool {
	if len(mnem) >= 2 && mnem[0] == 'j' && mnem != "jmp" {
		return true
	}
	switch mnem {
	case "cbz", "cbnz", "tbz", "tbnz":
		return true
	}
	return len(mnem) > 2 && mnem[0] == 'b' && mnem[1] == '.'
}

func directTarget(inst *disasm.Instruction) (uint64, bool) {
	if len(inst.Operands) > 0 && inst.Operands[0].Kind == disasm.OperandImmediate {
		return uint64(inst.Operands[0].Imm), true
	}
	return 0, false
}

// branchTarget: conditional branches put the target first, except
// cbz/cbnz which lead with the tested register and tbz/tbnz which lead
// with the tested register and bit number.
func branchTarget(inst *disasm.Instruction) (uint64, bool) {
	idx := 0
	switch inst.Mnemonic {
	case "cbz", "cbnz":
		idx = 1
	case "tbz", "tbnz":
		idx = 2
	}
	if idx < len(inst.Operands) && inst.Operands[idx].Kind == disasm.OperandImmediate {
		return uint64(inst.Operands[idx].Imm), true
	}
	return 0, false
}

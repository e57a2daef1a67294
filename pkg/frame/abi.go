package frame

import (
	"github.com/samber/lo"
	"github.com/seclususs/rcdecomp/pkg/arch"
	"github.com/seclususs/rcdecomp/pkg/graph"
	"github.com/seclususs/rcdecomp/pkg/ir"
	log "github.com/sirupsen/logrus"
)

// ABIKind names a calling-convention profile.
type ABIKind uint8

const (
	ABIUnknown ABIKind = iota
	ABISystemV
	ABIMicrosoftX64
	ABIAAPCS64
)

func (k ABIKind) String() string {
	switch k {
	case ABISystemV:
		return "System V AMD64"
	case ABIMicrosoftX64:
		return "Microsoft x64"
	case ABIAAPCS64:
		return "AAPCS64"
	default:
		return "unknown"
	}
}

// Profile lists the registers a convention passes arguments in, its
// shadow-space size, and the volatile set.
type Profile struct {
	Kind        ABIKind
	IntArgs     []string
	FloatArgs   []string
	ShadowSpace int64
	Volatile    map[string]bool
}

func volatileSet(regs ...string) map[string]bool {
	out := make(map[string]bool, len(regs))
	for _, r := range regs {
		out[r] = true
	}
	return out
}

// ProfileFor chooses the convention from (architecture, binary format):
// PE on x86-64 means Microsoft x64, otherwise System V; ARM64 is AAPCS64.
func ProfileFor(a arch.Arch, format string) *Profile {
	switch a.StackPointer() {
	case "rsp":
		if format == "pe" {
			log.Info("using Microsoft x64 ABI profile")
			return &Profile{
				Kind:        ABIMicrosoftX64,
				IntArgs:     []string{"rcx", "rdx", "r8", "r9"},
				FloatArgs:   []string{"xmm0", "xmm1", "xmm2", "xmm3"},
				ShadowSpace: 32,
				Volatile: volatileSet("rax", "rcx", "rdx", "r8", "r9", "r10", "r11",
					"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5"),
			}
		}
		log.Info("using System V AMD64 ABI profile")
		return &Profile{
			Kind:      ABISystemV,
			IntArgs:   []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"},
			FloatArgs: []string{"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7"},
			Volatile: volatileSet("rax", "rdi", "rsi", "rdx", "rcx",
				"r8", "r9", "r10", "r11"),
		}
	case "sp":
		log.Info("using AAPCS64 ABI profile")
		return &Profile{
			Kind:      ABIAAPCS64,
			IntArgs:   []string{"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7"},
			FloatArgs: []string{"v0", "v1", "v2", "v3", "v4", "v5", "v6", "v7"},
			Volatile: volatileSet("x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
				"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
				"x16", "x17", "x18"),
		}
	default:
		log.Warn("unknown stack pointer; using empty ABI profile")
		return &Profile{Kind: ABIUnknown, Volatile: map[string]bool{}}
	}
}

// AttachCallArgs tracks the latest SSA version written to each ABI
// argument register in block address order and attaches the current
// versions of the integer argument registers to every call's
// extra-operand list. Float argument registers are not attached.
func (p *Profile) AttachCallArgs(c *graph.CFG) {
	versions := make(map[string]int)
	tracked := make(map[string]bool)
	for _, r := range p.IntArgs {
		tracked[r] = true
		versions[r] = 0
	}
	for _, r := range p.FloatArgs {
		tracked[r] = true
		versions[r] = 0
	}

	record := func(op *ir.Operand) {
		if op != nil && op.Kind == ir.KindSSA && tracked[op.Name] {
			versions[op.Name] = op.Version
		}
	}
	for _, id := range c.SortedIDs() {
		for _, s := range c.Blocks[id].Stmts {
			record(s.Dst)
			if s.Op == ir.Call {
				args := make([]*ir.Operand, 0, len(p.IntArgs))
				for _, r := range p.IntArgs {
					args = append(args, ir.SSA(r, versions[r]))
				}
				s.Extra = args
			}
		}
	}
}

// EntryParams collects the ABI registers the entry block reads before
// writing, in declared ABI order. Microsoft x64 applies the 4-slot
// positional rule where each slot is either its integer or float
// register; ambiguous slots pick the integer one.
func (p *Profile) EntryParams(c *graph.CFG) []string {
	b, ok := c.Blocks[c.Entry]
	if !ok {
		return nil
	}
	written := make(map[string]bool)
	read := make(map[string]bool)

	var scanReads func(op *ir.Operand)
	scanReads = func(op *ir.Operand) {
		if op == nil {
			return
		}
		switch op.Kind {
		case ir.KindRegister, ir.KindSSA:
			name := op.Reg
			if op.Kind == ir.KindSSA {
				name = op.Name
			}
			if (lo.Contains(p.IntArgs, name) || lo.Contains(p.FloatArgs, name)) && !written[name] {
				read[name] = true
			}
		case ir.KindExpr:
			scanReads(op.Left)
			scanReads(op.Right)
		case ir.KindCond:
			scanReads(op.Cond)
			scanReads(op.TrueVal)
			scanReads(op.FalseVal)
		case ir.KindMemRef:
			if !written[op.Base] && (lo.Contains(p.IntArgs, op.Base) || lo.Contains(p.FloatArgs, op.Base)) {
				read[op.Base] = true
			}
		}
	}

	for _, s := range b.Stmts {
		scanReads(s.Src)
		if s.Op == ir.Cmp || s.Op == ir.Test {
			scanReads(s.Dst)
		}
		if s.Dst != nil {
			switch s.Dst.Kind {
			case ir.KindRegister:
				written[s.Dst.Reg] = true
			case ir.KindSSA:
				written[s.Dst.Name] = true
			}
		}
	}

	var params []string
	if p.Kind == ABIMicrosoftX64 {
		for i := 0; i < 4; i++ {
			if i < len(p.IntArgs) && read[p.IntArgs[i]] {
				params = append(params, p.IntArgs[i])
				continue
			}
			if i < len(p.FloatArgs) && read[p.FloatArgs[i]] {
				params = append(params, p.FloatArgs[i])
			}
		}
		return params
	}
	for _, r := range p.IntArgs {
		if read[r] {
			params = append(params, r)
		}
	}
	for _, r := range p.FloatArgs {
		if read[r] {
			params = append(params, r)
		}
	}
	return params
}

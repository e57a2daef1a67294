package explore

import (
	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/loader"
	log "github.com/sirupsen/logrus"
)

const (
	// sliceWindow bounds the backward slice from the indirect jump.
	sliceWindow = 0x100
	// maxTableEntries caps how many table slots are read.
	maxTableEntries = 1024
)

// ResolveJumpTable recovers the target list of `jmp [base + idx*scale]`
// by slicing backward through the instruction history for the table base
// (an lea) and the bounds check (a cmp against the index register). It
// returns nil when either cannot be recovered.
func ResolveJumpTable(inst *disasm.Instruction, history []*disasm.Instruction, vm *loader.VirtualMemory) []uint64 {
	if inst.Mnemonic != "jmp" && inst.Mnemonic != "br" && inst.Mnemonic != "b" {
		return nil
	}
	if len(inst.Operands) == 0 {
		return nil
	}
	op := inst.Operands[0]
	if op.Kind != disasm.OperandMemory {
		return nil
	}

	var tableBase uint64
	switch {
	case op.Base == "rip":
		tableBase = inst.Addr + uint64(inst.Len()) + uint64(op.Disp)
	case op.Base != "":
		resolved, ok := traceRegisterSource(op.Base, history, inst.Addr)
		if !ok {
			if op.Index != "" && op.Disp > 0x1000 {
				tableBase = uint64(op.Disp)
			} else {
				return nil
			}
		} else {
			tableBase = resolved + uint64(op.Disp)
		}
	case op.Disp != 0:
		tableBase = uint64(op.Disp)
	default:
		return nil
	}
	if op.Index == "" {
		return nil
	}

	bound, ok := findSwitchBound(op.Index, history)
	if !ok {
		log.WithField("addr", inst.Addr).Warn("jump table without bounds check; not resolved")
		return nil
	}
	limit := int(bound)
	if tableBase == 0 {
		return nil
	}
	log.WithFields(log.Fields{
		"base":  tableBase,
		"size":  limit,
		"index": op.Index,
	}).Debug("jump table candidate")
	return readTableEntries(vm, tableBase, op.Scale, limit)
}

// traceRegisterSource walks the history backward (bounded by the slice
// window) for the instruction that materialized the register: a
// rip-relative or absolute lea, a constant mov, or an adr/adrp.
func traceRegisterSource(reg string, history []*disasm.Instruction, from uint64) (uint64, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		inst := history[i]
		if from-inst.Addr > sliceWindow {
			break
		}
		if len(inst.Operands) < 2 {
			continue
		}
		dst, src := inst.Operands[0], inst.Operands[1]
		if dst.Kind != disasm.OperandRegister || dst.Reg != reg {
			continue
		}
		switch inst.Mnemonic {
		case "lea":
			if src.Kind == disasm.OperandMemory {
				if src.Base == "rip" {
					return inst.Addr + uint64(inst.Len()) + uint64(src.Disp), true
				}
				if src.Base == "" && src.Index == "" {
					return uint64(src.Disp), true
				}
			}
		case "mov":
			if src.Kind == disasm.OperandImmediate {
				return uint64(src.Imm), true
			}
		case "adr", "adrp":
			if src.Kind == disasm.OperandImmediate {
				return uint64(src.Imm), true
			}
		}
	}
	return 0, false
}

// findSwitchBound looks for `cmp idx, imm`; the table size is imm + 1.
func findSwitchBound(indexReg string, history []*disasm.Instruction) (uint64, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		inst := history[i]
		if inst.Mnemonic != "cmp" {
			continue
		}
		if len(inst.Operands) < 2 {
			continue
		}
		a, b := inst.Operands[0], inst.Operands[1]
		if a.Kind == disasm.OperandRegister && a.Reg == indexReg && b.Kind == disasm.OperandImmediate {
			return uint64(b.Imm) + 1, true
		}
		if b.Kind == disasm.OperandRegister && b.Reg == indexReg && a.Kind == disasm.OperandImmediate {
			return uint64(a.Imm) + 1, true
		}
	}
	return 0, false
}

// readTableEntries reads up to min(limit, maxTableEntries) slots of width
// 4 or 8 and keeps those landing inside executable segments.
func readTableEntries(vm *loader.VirtualMemory, base uint64, scale int64, limit int) []uint64 {
	width := 4
	if scale == 8 {
		width = 8
	}
	if limit > maxTableEntries {
		limit = maxTableEntries
	}
	step := uint64(scale)
	if step == 0 {
		step = 4
	}
	var targets []uint64
	seen := make(map[uint64]bool)
	for i := 0; i < limit; i++ {
		val, ok := vm.ReadPointer(base+uint64(i)*step, width)
		if !ok {
			break
		}
		if vm.IsExecutable(val) {
			if !seen[val] {
				seen[val] = true
				targets = append(targets, val)
			}
		} else if i > 0 && len(targets) == 0 {
			break
		}
	}
	return targets
}

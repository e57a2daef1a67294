package explore

import (
	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/loader"
	log "github.com/sirupsen/logrus"
)

// sweepGaps walks executable ranges the descent never reached, skips
// padding, and promotes aligned candidates whose first instructions match
// a known prologue.
func (e *Explorer) sweepGaps(vm *loader.VirtualMemory) {
	log.Info("starting gap analysis")
	engine := disasm.NewEngine(vm.Arch)
	align := codeAlign(vm.Arch)

	var found []uint64
	for _, seg := range vm.ExecutableRegions() {
		addr := seg.Start
		for addr < seg.End {
			if e.covered[addr] {
				addr++
				for addr%align != 0 {
					addr++
				}
				continue
			}
			if isPadding(vm, addr) {
				addr += align
				continue
			}
			if looksLikePrologue(vm, engine, addr) {
				log.WithField("addr", addr).Info("function found via gap analysis")
				found = append(found, addr)
				addr += align
				continue
			}
			addr += align
		}
	}
	if len(found) > 0 {
		log.WithField("count", len(found)).Info("processing gap-analysis functions")
		e.processRounds(vm, found)
	}
}

func codeAlign(archName string) uint64 {
	if archName == "arm64" || archName == "aarch64" {
		return 4
	}
	return 16
}

// isPadding: runs of 0x00 or 0xCC between functions.
func isPadding(vm *loader.VirtualMemory, addr uint64) bool {
	buf := vm.ReadRange(addr, 4)
	if buf == nil {
		return false
	}
	allZero, allInt3 := true, true
	for _, b := range buf {
		if b != 0x00 {
			allZero = false
		}
		if b != 0xCC {
			allInt3 = false
		}
	}
	return allZero || allInt3
}

// looksLikePrologue decodes up to three instructions and matches them
// against the prologue table: x86 `push rbp` / `sub rsp, …` / `endbr64`,
// ARM64 `stp x29, x30, …` / `pacibsp`.
func looksLikePrologue(vm *loader.VirtualMemory, engine *disasm.Engine, addr uint64) bool {
	buf := vm.ReadRange(addr, 16)
	if buf == nil {
		return false
	}
	offset := 0
	for i := 0; i < 3 && offset < len(buf); i++ {
		inst, err := engine.Decode(buf[offset:], addr+uint64(offset))
		if err != nil {
			return false
		}
		switch inst.Mnemonic {
		case "push":
			if len(inst.Operands) > 0 && inst.Operands[0].Reg == "rbp" {
				return true
			}
		case "sub":
			if len(inst.Operands) > 0 && inst.Operands[0].Reg == "rsp" {
				return true
			}
		case "endbr64", "pacibsp":
			return true
		case "stp":
			for _, op := range inst.Operands {
				if op.Kind == disasm.OperandRegister && (op.Reg == "x29" || op.Reg == "fp") {
					return true
				}
			}
		}
		offset += inst.Len()
	}
	return false
}

package typing

import (
	"fmt"

	"github.com/seclususs/rcdecomp/pkg/ir"
	"github.com/seclususs/rcdecomp/pkg/loader"
	log "github.com/sirupsen/logrus"
)

// vtableScanLimit caps the entries read per candidate table.
const vtableScanLimit = 50

// VTable is one candidate virtual-method table found in read-only data.
type VTable struct {
	Addr    uint64
	Entries []uint64
	Symbol  string
}

// VTableAnalyzer scans read-only segments for pointer runs into
// executable memory and binds classes to constructors that install them.
type VTableAnalyzer struct {
	Tables      map[uint64]*VTable
	pointerSize int
}

// NewVTableAnalyzer builds an analyzer for the given pointer width.
func NewVTableAnalyzer(pointerSize int) *VTableAnalyzer {
	return &VTableAnalyzer{Tables: make(map[uint64]*VTable), pointerSize: pointerSize}
}

// Scan walks read-only segments at pointer stride; a run of at least two
// consecutive pointers into executable memory is a candidate vtable.
func (v *VTableAnalyzer) Scan(vm *loader.VirtualMemory) {
	step := uint64(v.pointerSize)
	for _, seg := range vm.ReadOnlyRegions() {
		for addr := seg.Start; addr+step <= seg.End; {
			table := v.readPointerRun(vm, addr)
			if table != nil && len(table.Entries) >= 2 {
				if sym, ok := vm.Symbols[addr]; ok {
					table.Symbol = sym
				}
				v.Tables[addr] = table
				addr += uint64(len(table.Entries)) * step
				continue
			}
			addr += step
		}
	}
	log.WithField("candidates", len(v.Tables)).Info("vtable scan finished")
}

func (v *VTableAnalyzer) readPointerRun(vm *loader.VirtualMemory, start uint64) *VTable {
	var entries []uint64
	addr := start
	for i := 0; i < vtableScanLimit; i++ {
		ptr, ok := vm.ReadPointer(addr, v.pointerSize)
		if !ok || ptr == 0 || !vm.IsExecutable(ptr) {
			break
		}
		entries = append(entries, ptr)
		addr += uint64(v.pointerSize)
	}
	if len(entries) == 0 {
		return nil
	}
	return &VTable{Addr: start, Entries: entries}
}

// BindClasses looks for `mov [base+0], <vtable-addr>` in every function:
// such a store marks the function as a constructor and synthesizes a
// class bound to base's type, with the table entries as virtual methods.
func (v *VTableAnalyzer) BindClasses(funcs map[uint64][]*ir.Statement, sys *System) {
	for _, fn := range sortedFuncAddrs(funcs) {
		for _, s := range funcs[fn] {
			if s.Op != ir.Mov || s.Src == nil || s.Src.Kind != ir.KindImm {
				continue
			}
			table, ok := v.Tables[uint64(s.Src.Imm)]
			if !ok {
				continue
			}
			base, ok := storeBaseAtZero(s.Dst)
			if !ok {
				continue
			}
			className := v.classNameFor(table, sys)
			if _, exists := sys.Classes[className]; exists {
				continue
			}
			log.WithFields(log.Fields{
				"constructor": fmt.Sprintf("0x%x", fn),
				"vtable":      fmt.Sprintf("0x%x", table.Addr),
				"class":       className,
			}).Debug("constructor binds vtable")
			sys.Classes[className] = &ClassLayout{
				Name:           className,
				VTableAddr:     table.Addr,
				Fields:         map[int64]*Type{},
				VirtualMethods: append([]uint64(nil), table.Entries...),
			}
			classPtr := PointerTo(ClassOf(className))
			sys.VarTypes[base] = classPtr
			if sig, ok := sys.Signatures[fn]; ok && len(sig.Args) > 0 {
				sig.Args[0] = classPtr
			}
		}
	}
}

func (v *VTableAnalyzer) classNameFor(table *VTable, sys *System) string {
	if table.Symbol != "" {
		return "Class_" + table.Symbol
	}
	sys.classCounter++
	return fmt.Sprintf("Class_%d_%x", sys.classCounter, table.Addr)
}

// storeBaseAtZero matches a store destination of the form [base+0].
func storeBaseAtZero(op *ir.Operand) (string, bool) {
	if op == nil {
		return "", false
	}
	if op.Kind == ir.KindMemRef && op.Disp == 0 {
		return op.Base, true
	}
	if op.Kind == ir.KindSSA && op.Version >= 0 {
		// Memory-SSA form: mem_sym_<base>_0.
		var base string
		if n, _ := fmt.Sscanf(op.Name, "mem_sym_%s", &base); n == 1 {
			if len(base) > 2 && base[len(base)-2:] == "_0" {
				return base[:len(base)-2], true
			}
		}
	}
	return "", false
}

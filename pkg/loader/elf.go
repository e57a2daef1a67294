package loader

import (
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func loadELF(path string, raw []byte) (*VirtualMemory, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}
	defer f.Close()

	archName := "x86"
	if f.Class == elf.ELFCLASS64 {
		archName = "x86_64"
	}
	if f.Machine == elf.EM_AARCH64 {
		archName = "arm64"
	}

	vm := NewVirtualMemory(f.Entry, archName, "elf")

	var foundText bool
	for _, sec := range f.Sections {
		if sec.Type == elf.SHT_NOBITS || sec.Size == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		perm := PermRead
		if sec.Flags&elf.SHF_WRITE != 0 {
			perm |= PermWrite
		}
		if sec.Flags&elf.SHF_EXECINSTR != 0 {
			perm |= PermExec
		}
		if sec.Name == ".text" {
			foundText = true
		}
		if sec.Flags&elf.SHF_ALLOC != 0 {
			vm.AddSegment(sec.Addr, data, perm, sec.Name)
		}
	}
	if !foundText {
		return nil, errors.Wrap(ErrParse, ".text section not found")
	}

	// Static and dynamic symbols both feed the map; dynamic entries win on
	// address collision so PLT names survive.
	if syms, err := f.Symbols(); err == nil {
		installSymbols(vm, syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		installSymbols(vm, syms)
	}

	log.WithFields(log.Fields{
		"path":    path,
		"arch":    archName,
		"symbols": len(vm.Symbols),
	}).Info("ELF image loaded")
	return vm, nil
}

func installSymbols(vm *VirtualMemory, syms []elf.Symbol) {
	for _, s := range syms {
		if s.Name != "" && s.Value != 0 {
			vm.Symbols[s.Value] = s.Name
		}
	}
}
